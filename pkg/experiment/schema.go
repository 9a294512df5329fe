package experiment

import "fmt"

// ValidateValue checks that a runtime value conforms to a declared field
// schema. Numeric values may arrive as int64 or float64 depending on the
// decoder; int fields accept floats with zero fractional part.
func ValidateValue(schema FieldSchema, v any) error {
	switch schema.Type {
	case FieldInt:
		switch x := v.(type) {
		case int64, int:
			return nil
		case float64:
			if x == float64(int64(x)) {
				return nil
			}
			return fmt.Errorf("expected int, got non-integral number %v", x)
		}
		return fmt.Errorf("expected int, got %T", v)
	case FieldFloat:
		switch v.(type) {
		case float64, int64, int:
			return nil
		}
		return fmt.Errorf("expected float, got %T", v)
	case FieldBool:
		if _, ok := v.(bool); ok {
			return nil
		}
		return fmt.Errorf("expected bool, got %T", v)
	case FieldString:
		if _, ok := v.(string); ok {
			return nil
		}
		return fmt.Errorf("expected string, got %T", v)
	case FieldEnum:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("expected enum value, got %T", v)
		}
		for _, allowed := range schema.Values {
			if s == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %q is not in the enum set %v", s, schema.Values)
	case FieldObject:
		if _, ok := v.(map[string]any); ok {
			return nil
		}
		return fmt.Errorf("expected object, got %T", v)
	case FieldArray:
		if _, ok := v.([]any); ok {
			return nil
		}
		return fmt.Errorf("expected array, got %T", v)
	}
	return fmt.Errorf("unknown field type %q", schema.Type)
}

// CoerceValue normalizes a validated value into the canonical runtime
// representation (int fields become int64).
func CoerceValue(schema FieldSchema, v any) any {
	if schema.Type != FieldInt {
		return normalizeValue(v)
	}
	switch x := v.(type) {
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return v
}

// ValidateAnswer checks one survey answer against its question declaration
// and returns the canonical value to store.
func ValidateAnswer(q *Question, v any) (any, error) {
	switch q.Answer {
	case AnswerLikert5:
		n, ok := intValue(v)
		if !ok {
			return nil, fmt.Errorf("question %q expects an integer 1-5", q.ID)
		}
		if n < 1 || n > 5 {
			return nil, fmt.Errorf("question %q answer %d is out of the 1-5 range", q.ID, n)
		}
		return n, nil
	case AnswerNumber:
		switch x := v.(type) {
		case int64:
			return x, nil
		case int:
			return int64(x), nil
		case float64:
			if x == float64(int64(x)) {
				return int64(x), nil
			}
			return x, nil
		}
		return nil, fmt.Errorf("question %q expects a number", q.ID)
	case AnswerBoolean:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("question %q expects a boolean", q.ID)
	case AnswerText:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("question %q expects text", q.ID)
	case AnswerMultipleChoice:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("question %q expects a choice", q.ID)
		}
		for _, ch := range q.Choices {
			if s == ch {
				return s, nil
			}
		}
		return nil, fmt.Errorf("question %q answer %q is not one of the declared choices", q.ID, s)
	}
	return nil, fmt.Errorf("question %q has unknown answer type %q", q.ID, q.Answer)
}

func intValue(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case float64:
		if x == float64(int64(x)) {
			return int64(x), true
		}
	}
	return 0, false
}
