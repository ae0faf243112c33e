package events

import "strings"

// path is a dotted key path into a decoded JSON object, e.g. "properties.part".
type path string

func (p path) keys() []string {
	return strings.Split(string(p), ".")
}

// lookup returns the value at the first path that resolves to a non-nil value.
func lookup(obj map[string]any, paths ...path) (any, bool) {
	for _, p := range paths {
		if v, ok := resolve(obj, p); ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func resolve(obj map[string]any, p path) (any, bool) {
	var cur any = obj
	for _, key := range p.keys() {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// lookupString returns the first non-empty string found at paths.
func lookupString(obj map[string]any, paths ...path) string {
	for _, p := range paths {
		if v, ok := resolve(obj, p); ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// lookupObject returns the first JSON object found at paths.
func lookupObject(obj map[string]any, paths ...path) map[string]any {
	for _, p := range paths {
		if v, ok := resolve(obj, p); ok {
			if m, ok := v.(map[string]any); ok {
				return m
			}
		}
	}
	return nil
}

// scoped expands key into the three envelope locations in lookup order:
// properties, data, top level.
func scoped(key string) []path {
	return []path{
		path("properties." + key),
		path("data." + key),
		path(key),
	}
}

var sessionIDPaths = []path{
	"properties.part.sessionID",
	"properties.part.sessionId",
	"properties.sessionID",
	"properties.sessionId",
	"sessionId",
	"sessionID",
	"id",
}

// SessionID extracts the session id from a raw event using the fixed
// precedence order. It returns "" when none is present.
func SessionID(obj map[string]any) string {
	return lookupString(obj, sessionIDPaths...)
}
