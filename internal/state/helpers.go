package state

import (
	"encoding/json"
	"time"
)

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

func ParseTime(v string) time.Time {
	t, _ := time.Parse(TimeFormat, v)
	return t
}

func EncodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func DecodeJSONMap(v string) map[string]any {
	if v == "" {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil
	}
	return out
}

func NullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
