package ingest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// CSVRowBuilder is the default CSV-to-row collaborator (spec §6's
// "CSV-to-row builder against a given TableType"): it splits each line on
// settings.Delimiter and zips the fields against the schema's column
// names in declaration order, substituting settings.NullValue for SQL
// NULL. Production deployments may supply a richer RowBuilder (type
// coercion, quoted-field splitting); this one is a faithful, dependency-free
// reference used by tests and simple deployments.
type CSVRowBuilder struct {
	Delimiter rune
	NullValue string
}

func NewCSVRowBuilder(settings Settings) *CSVRowBuilder {
	return &CSVRowBuilder{Delimiter: settings.Delimiter, NullValue: settings.NullValue}
}

func (b *CSVRowBuilder) BuildRows(schema *TableSchema, lines []string, startRow int64) ([]Row, error) {
	cols := schema.ColumnNames()
	rows := make([]Row, 0, len(lines))
	for i, line := range lines {
		fields := strings.Split(line, string(b.Delimiter))
		if len(fields) != len(cols) {
			return nil, fmt.Errorf("row %d: expected %d fields, got %d", startRow+int64(i), len(cols), len(fields))
		}
		row := make(Row, len(cols))
		for j, name := range cols {
			v := fields[j]
			if v == b.NullValue {
				row[name] = nil
			} else {
				row[name] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// JSONRowBuilder is the default JSON-to-row collaborator (spec §4.5,
// §6's "json_to_row(line, table_type, binary_encoding)"). Each line must be
// a JSON object; string values destined for columns the schema marks as
// binary-typed are decoded per BinaryEncoding.
type JSONRowBuilder struct {
	BinaryEncoding BinaryEncoding
}

func NewJSONRowBuilder(settings Settings) *JSONRowBuilder {
	return &JSONRowBuilder{BinaryEncoding: settings.BinaryStringsEncoding}
}

func (b *JSONRowBuilder) BuildRows(schema *TableSchema, lines []string, startRow int64) ([]Row, error) {
	binaryCols := make(map[string]bool)
	for _, c := range schema.Columns {
		if c.Type == "bytes" || c.Type == "string" {
			binaryCols[c.Name] = true
		}
	}

	rows := make([]Row, 0, len(lines))
	for i, line := range lines {
		var raw map[string]any
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			return nil, fmt.Errorf("row %d: invalid json: %w", startRow+int64(i), err)
		}
		row := make(Row, len(raw))
		for k, v := range raw {
			if s, ok := v.(string); ok && binaryCols[k] && b.BinaryEncoding == BinaryEncodingBase64 {
				decoded, err := base64.StdEncoding.DecodeString(s)
				if err != nil {
					return nil, fmt.Errorf("row %d: column %s: invalid base64: %w", startRow+int64(i), k, err)
				}
				row[k] = decoded
				continue
			}
			row[k] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}
