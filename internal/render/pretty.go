package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// FormatJSONLike pretty prints v with sorted keys and two-space indent.
// Strings that hold JSON are parsed first; other strings are returned
// unchanged, and blank strings become "".
func FormatJSONLike(v any) string {
	if s, ok := v.(string); ok {
		stripped := strings.TrimSpace(s)
		if stripped == "" {
			return ""
		}
		parsed, err := decodeJSON(stripped)
		if err != nil {
			return s
		}
		return dump(parsed)
	}
	return dump(v)
}

// PrettyJSON returns escaped, display-ready text for v. Literal "\n"
// sequences are expanded to real line breaks.
func PrettyJSON(v any) string {
	if s, ok := v.(string); ok {
		return Escape(expandNewlines(s))
	}
	return Escape(expandNewlines(dump(v)))
}

// Output renders a run's final output: text goes through Markdown,
// structured values are shown as a pretty-printed code block.
func Output(v any) string {
	if s, ok := v.(string); ok {
		return Markdown(s)
	}
	return "<pre>" + PrettyJSON(v) + "</pre>"
}

func decodeJSON(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return v, nil
}

func dump(v any) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Sprint(v)
	}
	return strings.TrimSuffix(buf.String(), "\n")
}

func expandNewlines(s string) string {
	return strings.ReplaceAll(s, `\n`, "\n")
}
