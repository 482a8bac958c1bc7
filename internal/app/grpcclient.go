package app

import (
	"context"
	"encoding/base64"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tableflow/bulkload/internal/ingest"
)

// GRPCTableClient adapts a plain *grpc.ClientConn to ingest.TableClient and
// ingest.SchemeClient (spec §6's "OUT OF SCOPE, interfaces only"
// collaborators). Requests and responses are generic structpb.Struct
// messages rather than a service-specific generated stub, since the wire
// schema for the remote table service is itself outside this repository's
// scope; the method names below are the contract a real server must
// implement.
type GRPCTableClient struct {
	conn *grpc.ClientConn
}

func NewGRPCTableClient(conn *grpc.ClientConn) *GRPCTableClient {
	return &GRPCTableClient{conn: conn}
}

const (
	methodDescribeTable   = "/bulkload.v1.TableService/DescribeTable"
	methodBulkUpsertRows  = "/bulkload.v1.TableService/BulkUpsertRows"
	methodBulkUpsertArrow = "/bulkload.v1.TableService/BulkUpsertArrow"
	methodDescribePath    = "/bulkload.v1.TableService/DescribePath"
)

func (c *GRPCTableClient) DescribeTable(ctx context.Context, path string) (*ingest.TableSchema, error) {
	req, err := structpb.NewStruct(map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodDescribeTable, req, resp); err != nil {
		return nil, err
	}
	return schemaFromStruct(resp), nil
}

func schemaFromStruct(s *structpb.Struct) *ingest.TableSchema {
	schema := &ingest.TableSchema{Path: s.Fields["path"].GetStringValue()}
	if s.Fields["store_type"].GetStringValue() == "column" {
		schema.StoreType = ingest.StoreTypeColumn
	}
	for _, v := range s.Fields["columns"].GetListValue().GetValues() {
		col := v.GetStructValue()
		if col == nil {
			continue
		}
		schema.Columns = append(schema.Columns, ingest.ColumnType{
			Name:       col.Fields["name"].GetStringValue(),
			Type:       col.Fields["type"].GetStringValue(),
			IsPostgres: col.Fields["is_postgres"].GetBoolValue(),
		})
	}
	return schema
}

func (c *GRPCTableClient) BulkUpsertRows(ctx context.Context, path string, rows []ingest.Row, opts ingest.UpsertOptions) error {
	if opts.ClientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ClientTimeout)
		defer cancel()
	}
	rowValues := make([]any, len(rows))
	for i, r := range rows {
		rowValues[i] = map[string]any(r)
	}
	req, err := structpb.NewStruct(map[string]any{
		"path":       path,
		"rows":       rowValues,
		"idempotent": opts.Idempotent,
	})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, methodBulkUpsertRows, req, &structpb.Struct{})
}

func (c *GRPCTableClient) BulkUpsertArrow(ctx context.Context, path string, payload ingest.ArrowPayload, opts ingest.UpsertOptions) error {
	if opts.ClientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.ClientTimeout)
		defer cancel()
	}
	req, err := structpb.NewStruct(map[string]any{
		"path":        path,
		"schema_blob": base64.StdEncoding.EncodeToString(payload.SchemaBlob),
		"data":        base64.StdEncoding.EncodeToString(payload.Data),
		"rows":        float64(payload.Rows),
		"idempotent":  opts.Idempotent,
	})
	if err != nil {
		return err
	}
	return c.conn.Invoke(ctx, methodBulkUpsertArrow, req, &structpb.Struct{})
}

func (c *GRPCTableClient) DescribePath(ctx context.Context, path string) (bool, error) {
	req, err := structpb.NewStruct(map[string]any{"path": path})
	if err != nil {
		return false, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodDescribePath, req, resp); err != nil {
		return false, fmt.Errorf("describe path %s: %w", path, err)
	}
	return resp.Fields["exists"].GetBoolValue(), nil
}
