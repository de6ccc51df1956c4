package flow

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
)

// placeholderRe matches {{name}}, {{a.b.c}} and the optional form {{name?}}.
var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z_][\w-]*(?:\.[\w-]+)*)(\?)?\s*\}\}`)

// Interpolate replaces every placeholder in text with the value found at its dotted path
// in vars. A placeholder that does not resolve is replaced with the empty string so that
// template syntax never reaches a contact. Unresolved required placeholders are logged at
// warn level; optional ones ({{name?}}) are dropped silently.
func Interpolate(text string, vars map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(token string) string {
		m := placeholderRe.FindStringSubmatch(token)
		path, optional := m[1], m[2] == "?"
		v, ok := Lookup(vars, path)
		if !ok {
			if !optional {
				slog.Warn("Interpolate: unresolved placeholder", "path", path)
			}
			return ""
		}
		return stringify(v)
	})
}

// Lookup walks vars along a dotted path. It reports false when the root key or any
// intermediate segment is missing.
func Lookup(vars map[string]any, path string) (any, bool) {
	path = strings.TrimSpace(path)
	if path == "" || vars == nil {
		return nil, false
	}
	c := gabs.Wrap(vars).Search(strings.Split(path, ".")...)
	if c == nil {
		return nil, false
	}
	return c.Data(), true
}

// stringify renders a context value for inclusion in message text. Objects and arrays
// are serialised as JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(t)
	case json.Number:
		return t.String()
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			slog.Warn("Interpolate: value not serialisable", "type", fmt.Sprintf("%T", v), "error", err)
			return ""
		}
		return string(b)
	}
}
