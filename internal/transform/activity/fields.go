package activity

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}

	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}

	for _, layout := range []string{
		"2006-01-02 15:04:05.000000000",
		"2006-01-02 15:04:05.0000000",
		"2006-01-02 15:04:05.000000",
		"2006-01-02 15:04:05.000",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return t.UTC(), true
		}
	}

	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), true
	}
	return time.Time{}, false
}

func getTime(root map[string]interface{}, paths ...string) time.Time {
	for _, path := range paths {
		v, ok := getPath(root, path)
		if !ok {
			continue
		}
		switch val := v.(type) {
		case string:
			if t, ok := parseTime(val); ok {
				return t
			}
		case float64:
			return time.UnixMilli(int64(val)).UTC()
		}
	}
	return time.Time{}
}

func getString(root map[string]interface{}, paths ...string) string {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case string:
				return val
			case fmt.Stringer:
				return val.String()
			case int:
				return fmt.Sprintf("%d", val)
			case int64:
				return fmt.Sprintf("%d", val)
			case float64:
				if val == float64(int64(val)) {
					return fmt.Sprintf("%d", int64(val))
				}
				return fmt.Sprintf("%f", val)
			}
		}
	}
	return ""
}

func getInt64(root map[string]interface{}, paths ...string) int64 {
	for _, path := range paths {
		if v, ok := getPath(root, path); ok {
			switch val := v.(type) {
			case int:
				return int64(val)
			case int64:
				return val
			case float64:
				return int64(val)
			case string:
				if val == "" {
					continue
				}
				if parsed, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil {
					return parsed
				}
			}
		}
	}
	return 0
}

func getInt(root map[string]interface{}, paths ...string) int {
	return int(getInt64(root, paths...))
}

func getPath(root map[string]interface{}, path string) (interface{}, bool) {
	if v, ok := root[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var current interface{} = root
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}
