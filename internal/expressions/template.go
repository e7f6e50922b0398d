package expressions

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/rendis/convo/internal/state"
)

const (
	openMarker  = "{{"
	closeMarker = "}}"
)

// Interpolate replaces every {{path}} in template with the value found at
// that dotted path in the context. Placeholders whose path resolves to
// nothing are left exactly as written, so interpolation is idempotent.
func Interpolate(template string, c *state.Context) string {
	if !strings.Contains(template, openMarker) {
		return template
	}

	var b strings.Builder
	b.Grow(len(template))

	i := 0
	for i < len(template) {
		idx := strings.Index(template[i:], openMarker)
		if idx == -1 {
			b.WriteString(template[i:])
			break
		}
		open := i + idx

		end := strings.Index(template[open+len(openMarker):], closeMarker)
		if end == -1 {
			// Unclosed marker: keep the remainder verbatim.
			b.WriteString(template[i:])
			break
		}
		end += open + len(openMarker)

		// The placeholder opens at the last marker before its close; earlier
		// stray markers are literal text.
		if last := strings.LastIndex(template[open:end], openMarker); last > 0 {
			open += last
		}
		b.WriteString(template[i:open])

		path := strings.TrimSpace(template[open+len(openMarker) : end])
		if val, ok := c.Lookup(path); ok {
			b.WriteString(Stringify(val))
		} else {
			b.WriteString(template[open : end+len(closeMarker)])
		}
		i = end + len(closeMarker)
	}
	return b.String()
}

// Resolve returns the raw value when template is exactly one placeholder
// ("{{variables.items}}") and the path resolves. Otherwise it returns the
// interpolated string and ok reports whether any text was produced.
func Resolve(template string, c *state.Context) (any, bool) {
	if path, ok := singlePlaceholder(template); ok {
		return c.Lookup(path)
	}
	out := Interpolate(template, c)
	return out, out != ""
}

// InterpolateValue walks maps and slices, interpolating every string leaf.
// A leaf that is a single resolvable placeholder keeps the resolved type.
func InterpolateValue(v any, c *state.Context) any {
	switch val := v.(type) {
	case string:
		if path, ok := singlePlaceholder(val); ok {
			if resolved, found := c.Lookup(path); found {
				return resolved
			}
			return val
		}
		return Interpolate(val, c)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = InterpolateValue(item, c)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = InterpolateValue(item, c)
		}
		return out
	}
	return v
}

// InterpolateMap is InterpolateValue for parameter maps.
func InterpolateMap(params map[string]any, c *state.Context) map[string]any {
	if params == nil {
		return nil
	}
	return InterpolateValue(params, c).(map[string]any)
}

// singlePlaceholder reports whether s is exactly "{{path}}".
func singlePlaceholder(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, openMarker) || !strings.HasSuffix(s, closeMarker) {
		return "", false
	}
	inner := s[len(openMarker) : len(s)-len(closeMarker)]
	if strings.Contains(inner, openMarker) || strings.Contains(inner, closeMarker) {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	return inner, inner != ""
}

// Stringify renders a context value for embedding in text. Whole floats
// print without a decimal part; maps and slices render as JSON.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1e15 {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int, int32, int64, uint, uint64, json.Number:
		return fmt.Sprintf("%v", val)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
