package utils

import (
	"net/url"
	"strings"
)

// ParseQuery parses a raw URL query with case-insensitive keys. The wkt
// and geom parameters are passed through percent-unescaping only, so
// that embedded geometry text survives unmodified.
func ParseQuery(query string) (url.Values, error) {
	m := make(url.Values)
	var firstErr error
	for _, kv := range strings.Split(query, "&") {
		if kv == "" {
			continue
		}
		key := kv
		value := ""
		if i := strings.Index(kv, "="); i >= 0 {
			key, value = kv[:i], kv[i+1:]
		}
		key, err := url.QueryUnescape(key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		key = strings.ToLower(key)

		if key == "wkt" || key == "geom" {
			value, err = url.PathUnescape(value)
		} else {
			value, err = url.QueryUnescape(value)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m[key] = append(m[key], value)
	}
	return m, firstErr
}
