package pheromone

import "fmt"

// Filter operators.
const (
	OpEq  = "eq"
	OpGt  = "gt"
	OpGte = "gte"
	OpLt  = "lt"
	OpLte = "lte"
	OpIn  = "in"
)

// Filter matches one entry field against a value. The pseudo-field "file_id"
// matches the map key.
type Filter struct {
	Field string
	Op    string
	Value any
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter { return Filter{Field: field, Op: OpEq, Value: value} }

// Gte builds a numeric >= filter.
func Gte(field string, value float64) Filter { return Filter{Field: field, Op: OpGte, Value: value} }

// Lt builds a numeric < filter.
func Lt(field string, value float64) Filter { return Filter{Field: field, Op: OpLt, Value: value} }

// In builds a membership filter over string values.
func In(field string, values ...string) Filter { return Filter{Field: field, Op: OpIn, Value: values} }

// Query returns a consistent snapshot of entries matching every filter.
func (s *Store) Query(mapName string, filters ...Filter) (map[string]Entry, error) {
	entries, err := s.ReadAll(mapName)
	if err != nil {
		return nil, err
	}
	matched := map[string]Entry{}
	for fileID, entry := range entries {
		ok, err := matchesFilters(fileID, entry, filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched[fileID] = entry
		}
	}
	return matched, nil
}

func matchesFilters(fileID string, entry Entry, filters []Filter) (bool, error) {
	for _, filter := range filters {
		var current any
		if filter.Field == "file_id" {
			current = fileID
		} else {
			current = entry[filter.Field]
		}

		switch filter.Op {
		case OpEq, "":
			if !jsonEqual(current, filter.Value) {
				return false, nil
			}
		case OpGt, OpGte, OpLt, OpLte:
			ok, err := compareNumeric(current, filter.Value, filter.Op)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		case OpIn:
			if !valueIn(current, filter.Value) {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported filter operator %q", filter.Op)
		}
	}
	return true, nil
}

func compareNumeric(current, expected any, op string) (bool, error) {
	currentValue, ok := toFloat(current)
	if !ok {
		return false, nil
	}
	expectedValue, ok := toFloat(expected)
	if !ok {
		return false, fmt.Errorf("non-numeric filter value %#v for operator %s", expected, op)
	}
	switch op {
	case OpGt:
		return currentValue > expectedValue, nil
	case OpGte:
		return currentValue >= expectedValue, nil
	case OpLt:
		return currentValue < expectedValue, nil
	case OpLte:
		return currentValue <= expectedValue, nil
	}
	return false, fmt.Errorf("unsupported numeric operator %q", op)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func valueIn(current any, values any) bool {
	switch list := values.(type) {
	case []string:
		s, ok := current.(string)
		if !ok {
			return false
		}
		for _, candidate := range list {
			if candidate == s {
				return true
			}
		}
	case []any:
		for _, candidate := range list {
			if jsonEqual(current, candidate) {
				return true
			}
		}
	}
	return false
}
