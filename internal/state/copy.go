package state

import "encoding/json"

// CopyMap returns a deep copy of m, safe to hand to another goroutine.
func CopyMap(m map[string]any) map[string]any {
	return deepCopyMap(m)
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case []LoopFrame:
		cp := make([]LoopFrame, len(val))
		for i, f := range val {
			f.Items = deepCopyAny(f.Items).([]any)
			cp[i] = f
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
