// Package dataframe holds the tabular result of one query execution and
// infers per-column metadata for downstream grouping and aggregation.
package dataframe

import (
	"math"
	"time"
)

const sampleSize = 100

// Column type labels. Natively typed datetime columns and string columns
// whose values merely parse as dates get distinct labels on purpose:
// downstream consumers need to know whether the engine stores real
// timestamps or date-encoded strings.
const (
	TypeInt64          = "int64"
	TypeFloat64        = "float64"
	TypeBool           = "bool"
	TypeDatetime       = "datetime"
	TypeDatetimeString = "datetime_string"
	TypeString         = "string"
)

// Column describes one output column of an executed query. IsDim marks
// non-numeric, non-date columns used as grouping keys; numeric columns
// carry a default aggregation hint instead.
type Column struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	IsDate bool   `json:"is_date"`
	IsDim  bool   `json:"is_dim"`
	Agg    string `json:"agg,omitempty"`
}

// DataFrame is an ordered set of named columns over row-major values.
type DataFrame struct {
	names []string
	rows  [][]any
}

// New builds a DataFrame from raw driver output. Values are normalized up
// front so classification and serialization see one representation per
// underlying type.
func New(names []string, rows [][]any) *DataFrame {
	normalized := make([][]any, len(rows))
	for i, row := range rows {
		normalized[i] = normalizeRow(row)
	}
	return &DataFrame{names: names, rows: normalized}
}

func (df *DataFrame) Names() []string { return df.names }

func (df *DataFrame) RowCount() int { return len(df.rows) }

// Records returns the row payload as one map per row, keyed by column name.
func (df *DataFrame) Records() []map[string]any {
	records := make([]map[string]any, 0, len(df.rows))
	for _, row := range df.rows {
		record := make(map[string]any, len(df.names))
		for i, name := range df.names {
			if i < len(row) {
				record[name] = row[i]
			}
		}
		records = append(records, record)
	}
	return records
}

// Columns classifies every column from its sampled values. The result is
// deterministic for a given frame.
func (df *DataFrame) Columns() []Column {
	columns := make([]Column, 0, len(df.names))
	for i, name := range df.names {
		columns = append(columns, classify(name, df.sample(i)))
	}
	return columns
}

// sample collects up to sampleSize non-null values of the column.
func (df *DataFrame) sample(index int) []any {
	values := make([]any, 0, sampleSize)
	for _, row := range df.rows {
		if index >= len(row) || row[index] == nil {
			continue
		}
		values = append(values, row[index])
		if len(values) >= sampleSize {
			break
		}
	}
	return values
}

func classify(name string, values []any) Column {
	column := Column{Name: name}

	if len(values) == 0 {
		column.Type = TypeString
		column.IsDim = true
		return column
	}

	var (
		ints, floats, times, bools, strs, datestrs, others int
	)
	for _, value := range values {
		switch typed := value.(type) {
		case int64:
			ints++
		case float64:
			floats++
		case time.Time:
			times++
		case bool:
			bools++
		case string:
			strs++
			if parsesAsDate(typed) {
				datestrs++
			}
		default:
			others++
		}
	}

	total := len(values)
	switch {
	case times == total:
		column.Type = TypeDatetime
		column.IsDate = true
	case ints == total:
		column.Type = TypeInt64
		column.Agg = "sum"
	case ints+floats == total:
		column.Type = TypeFloat64
		column.Agg = "sum"
	case bools == total:
		column.Type = TypeBool
		column.IsDim = true
	case strs == total && datestrs == total:
		column.Type = TypeDatetimeString
		column.IsDate = true
	default:
		column.Type = TypeString
		column.IsDim = true
	}
	return column
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05.999999999-07:00",
}

func parsesAsDate(value string) bool {
	for _, layout := range dateLayouts {
		if _, err := time.Parse(layout, value); err == nil {
			return true
		}
	}
	return false
}

func normalizeRow(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		normalized[i] = normalizeValue(value)
	}
	return normalized
}

// normalizeValue maps driver-specific scan types onto the small set the
// classifier understands.
func normalizeValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		return string(typed)
	case int:
		return int64(typed)
	case int8:
		return int64(typed)
	case int16:
		return int64(typed)
	case int32:
		return int64(typed)
	case uint32:
		return int64(typed)
	case uint64:
		// Values above the int64 range cannot be represented exactly;
		// widening to float64 beats flipping the sign.
		if typed > math.MaxInt64 {
			return float64(typed)
		}
		return int64(typed)
	case float32:
		return float64(typed)
	case *time.Time:
		if typed == nil {
			return nil
		}
		return *typed
	default:
		return typed
	}
}
