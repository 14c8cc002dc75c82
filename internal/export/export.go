// Package export encodes query results as downloadable CSV or Parquet
// payloads.
package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/sqlassist/sqlassist/internal/dataset"
)

const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

type Encoded struct {
	Data        []byte
	ContentType string
	Extension   string
}

func Encode(result dataset.Result, format string) (Encoded, error) {
	switch format {
	case FormatCSV:
		data, err := EncodeCSV(result)
		if err != nil {
			return Encoded{}, err
		}
		return Encoded{Data: data, ContentType: "text/csv", Extension: "csv"}, nil
	case FormatParquet:
		data, err := EncodeParquet(result)
		if err != nil {
			return Encoded{}, err
		}
		return Encoded{Data: data, ContentType: "application/vnd.apache.parquet", Extension: "parquet"}, nil
	default:
		return Encoded{}, fmt.Errorf("unsupported export format: %q", format)
	}
}

func EncodeCSV(result dataset.Result) ([]byte, error) {
	if len(result.Columns) == 0 {
		return nil, fmt.Errorf("result has no columns")
	}

	buf := bytes.NewBuffer(nil)
	writer := csv.NewWriter(buf)
	if err := writer.Write(result.Columns); err != nil {
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, len(result.Columns))
	for _, row := range result.Rows {
		for i := range result.Columns {
			record[i] = formatValue(row[i])
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}

func EncodeParquet(result dataset.Result) ([]byte, error) {
	if len(result.Columns) == 0 {
		return nil, fmt.Errorf("result has no columns")
	}

	group := parquet.Group{}
	for i, column := range result.Columns {
		group[column] = parquet.Optional(leafNode(result.Rows, i))
	}
	schema := parquet.NewSchema("result", group)

	rows := make([]map[string]any, 0, len(result.Rows))
	for _, row := range result.Rows {
		record := make(map[string]any, len(result.Columns))
		for i, column := range result.Columns {
			record[column] = parquetValue(row[i])
		}
		rows = append(rows, record)
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[map[string]any](buf, schema)
	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			return nil, fmt.Errorf("write parquet rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// leafNode picks a physical type from the first non-nil value in the column.
// Columns with no values fall back to strings.
func leafNode(rows [][]any, column int) parquet.Node {
	for _, row := range rows {
		if column >= len(row) || row[column] == nil {
			continue
		}
		switch row[column].(type) {
		case int64, int32, int:
			return parquet.Int(64)
		case float64, float32:
			return parquet.Leaf(parquet.DoubleType)
		case bool:
			return parquet.Leaf(parquet.BooleanType)
		default:
			return parquet.String()
		}
	}
	return parquet.String()
}

func parquetValue(value any) any {
	switch v := value.(type) {
	case nil:
		return nil
	case int64, float64, bool, string:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case float32:
		return float64(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}
