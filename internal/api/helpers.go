package api

import (
	"net/http"
	"regexp"
	"strconv"
)

// nodeIDPattern matches Meshtastic-style node ids: optional bang plus
// 1-16 hex digits.
var nodeIDPattern = regexp.MustCompile(`^!?[0-9a-fA-F]{1,16}$`)

// ValidNodeID reports whether a path segment is an acceptable node id.
func ValidNodeID(id string) bool {
	return nodeIDPattern.MatchString(id)
}

// ParseInt64Query parses an optional integer query parameter. Returns
// (nil, true) when the parameter is absent or empty and (nil, false)
// when it is present but malformed.
func ParseInt64Query(r *http.Request, key string) (*int64, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, false
	}
	return &n, true
}

// ParseInt64QueryDefault parses an optional integer query parameter,
// substituting def when absent. Malformed values yield ok=false.
func ParseInt64QueryDefault(r *http.Request, key string, def int64) (int64, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, false
	}
	return n, true
}

// ParseIntQuery parses an optional integer query parameter with a
// default, clamped to [lo, hi]. Malformed values yield ok=false.
func ParseIntQuery(r *http.Request, key string, def, lo, hi int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, false
	}
	if n < lo {
		n = lo
	}
	if n > hi {
		n = hi
	}
	return n, true
}
