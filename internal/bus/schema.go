package bus

import (
	"github.com/weftworks/weft/pkg/api"
)

// validate checks payload against schema. Every declared field must be
// present and of the declared semantic type; validation fails closed.
func validate(eventType string, schema api.Schema, payload map[string]any) error {
	for field, want := range schema.Fields {
		v, ok := payload[field]
		if !ok {
			return api.Errorf(api.KindSchemaViolation,
				"event %s: missing required field %q", eventType, field)
		}
		if !fieldTypeMatches(want, v) {
			return api.Errorf(api.KindSchemaViolation,
				"event %s: field %q is not a %s", eventType, field, want)
		}
	}
	return nil
}

func fieldTypeMatches(want api.FieldType, v any) bool {
	switch want {
	case api.FieldString:
		_, ok := v.(string)
		return ok
	case api.FieldNumber:
		switch v.(type) {
		case int, int8, int16, int32, int64,
			uint, uint8, uint16, uint32, uint64,
			float32, float64:
			return true
		}
		return false
	case api.FieldArray:
		switch v.(type) {
		case []any, []string, []int, []float64, []map[string]any:
			return true
		}
		return false
	case api.FieldMap:
		_, ok := v.(map[string]any)
		return ok
	}
	// Unknown field type in the schema itself: fail closed.
	return false
}
