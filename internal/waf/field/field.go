// Package field implements C1: flattening a raw request into the closed,
// dotted field vocabulary the predicate evaluator operates over.
package field

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/divortio/wafu/internal/waf"
)

// Map is the flat, read-only projection of a request. Absent fields are
// simply missing keys; callers must not assume a zero value means absence.
type Map map[string]any

// Get returns the value for name and whether it is present.
func (m Map) Get(name string) (any, bool) {
	v, ok := m[name]
	return v, ok
}

// Project flattens r into a Map per the projection rules: meta attributes
// under their canonical dotted names, derived URI/body fields, and request
// headers under request.headers.<lowercased-name>.
func Project(r *waf.Request) Map {
	m := make(Map, 16+len(r.Headers)+len(r.Meta))

	m["request.method"] = r.Method
	m["request.url"] = r.URL

	for k, v := range r.Meta {
		m["request."+k] = v
	}
	// request.cf.threatScore defaults to 0 when absent; every other meta
	// field stays absent.
	if _, ok := m["request.cf.threatScore"]; !ok {
		m["request.cf.threatScore"] = 0
	}

	for name, value := range r.Headers {
		m["request.headers."+strings.ToLower(name)] = value
	}

	projectDerived(r, m)
	return m
}

func projectDerived(r *waf.Request, m Map) {
	parsed, err := url.Parse(r.URL)
	if err == nil {
		m["derived.uri.path"] = parsed.Path
		m["derived.uri.query.string"] = parsed.RawQuery
		m["derived.uri.query.param_count"] = len(parsed.Query())
	}

	contentLength, hasLength := headerLookup(r, "content-length")
	transferEncoding, hasTE := headerLookup(r, "transfer-encoding")
	hasBody := false
	if hasLength {
		if n, err := strconv.Atoi(strings.TrimSpace(contentLength)); err == nil && n > 0 {
			hasBody = true
		}
	}
	if hasTE && strings.Contains(strings.ToLower(transferEncoding), "chunked") {
		hasBody = true
	}
	m["derived.body.has_body"] = hasBody
}

func headerLookup(r *waf.Request, name string) (string, bool) {
	for k, v := range r.Headers {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}
