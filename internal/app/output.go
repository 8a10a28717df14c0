package app

import (
	"fmt"
	"io"
	"math"
	"reflect"
	"strings"
	"time"

	"github.com/RyanBlaney/latency-benchmark-common/output"
)

// newFormatter returns the formatter for the configured output format
func newFormatter(format string) output.Formatter {
	switch format {
	case "json":
		return &output.JSONFormatter{}
	case "yaml":
		return &output.YAMLFormatter{}
	case "csv":
		return &output.CSVFormatter{}
	case "table":
		return &output.TableFormatter{}
	default:
		return &output.JSONFormatter{}
	}
}

// WriteResult formats data and writes it to w
func WriteResult(w io.Writer, format string, data any) error {
	formatter := newFormatter(format)

	formatted, err := formatter.Format(data, true)
	if err != nil {
		// JSON rejects Inf/NaN; retry once with them zeroed
		if strings.Contains(err.Error(), "unsupported value") {
			formatted, err = formatter.Format(sanitizeForOutput(data), true)
		}
		if err != nil {
			return fmt.Errorf("failed to format output data: %w", err)
		}
	}

	_, err = w.Write(formatted)
	return err
}

// sanitizeForOutput recursively replaces infinite and NaN values with zero
func sanitizeForOutput(data any) any {
	switch v := data.(type) {
	case float64:
		if math.IsInf(v, 0) || math.IsNaN(v) {
			return 0.0
		}
		return v
	case time.Time, time.Duration:
		return v
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, val := range v {
			result[k] = sanitizeForOutput(val)
		}
		return result
	case []any:
		result := make([]any, len(v))
		for i, val := range v {
			result[i] = sanitizeForOutput(val)
		}
		return result
	default:
		return sanitizeWithReflection(data)
	}
}

// sanitizeWithReflection converts structs, slices and maps into generic
// values, keeping json field names
func sanitizeWithReflection(data any) any {
	if data == nil {
		return nil
	}

	val := reflect.ValueOf(data)
	if val.Kind() == reflect.Ptr {
		if val.IsNil() {
			return nil
		}
		val = val.Elem()
	}

	switch val.Kind() {
	case reflect.Struct:
		result := make(map[string]any)
		typ := val.Type()
		for i := 0; i < val.NumField(); i++ {
			field := val.Field(i)
			fieldType := typ.Field(i)

			if !field.CanInterface() {
				continue
			}

			fieldName := fieldType.Name
			jsonTag := fieldType.Tag.Get("json")
			if jsonTag == "-" {
				continue
			}
			if name := strings.Split(jsonTag, ",")[0]; name != "" {
				fieldName = name
			}

			result[fieldName] = sanitizeForOutput(field.Interface())
		}
		return result
	case reflect.Slice:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			result[i] = sanitizeForOutput(val.Index(i).Interface())
		}
		return result
	case reflect.Map:
		result := make(map[string]any)
		for _, key := range val.MapKeys() {
			result[fmt.Sprintf("%v", key.Interface())] = sanitizeForOutput(val.MapIndex(key).Interface())
		}
		return result
	case reflect.Float64, reflect.Float32:
		f := val.Float()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return 0.0
		}
		return f
	default:
		return val.Interface()
	}
}
