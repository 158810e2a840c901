package conditions

import (
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/formflow/formflow/pkg/schema"
)

// Context is the read-only 3-namespace input to condition evaluation:
// the triggering form payload, the submitter's user properties, and
// system status fields.
type Context struct {
	Form   map[string]any
	User   map[string]any
	System map[string]any
}

// Resolve looks up a field path in its namespace. The boolean reports
// whether the key was present at all (a present nil is still present).
// Dotted keys on the form namespace fall back to a jq path query into
// nested payload structures when the flat key is absent.
func (c *Context) Resolve(path schema.FieldPath) (any, bool) {
	var ns map[string]any
	switch path.Source {
	case schema.FieldSourceUser:
		ns = c.User
	case schema.FieldSourceSystem:
		ns = c.System
	default:
		ns = c.Form
	}
	if ns == nil {
		return nil, false
	}
	if v, ok := ns[path.Key]; ok {
		return v, true
	}
	if path.Source == schema.FieldSourceForm || path.Source == "" {
		if strings.Contains(path.Key, ".") {
			return resolveNestedPath(ns, path.Key)
		}
	}
	return nil, false
}

// pathQueries caches compiled jq path queries keyed by the dotted field key.
var pathQueries = struct {
	sync.RWMutex
	m map[string]*gojq.Code
}{m: make(map[string]*gojq.Code)}

// resolveNestedPath resolves a dotted key ("order.customer.email") against a
// nested payload via gojq. Returns the first output, or (nil, false) on any
// parse or evaluation problem.
func resolveNestedPath(data map[string]any, key string) (any, bool) {
	code, err := pathQuery(key)
	if err != nil {
		return nil, false
	}
	iter := code.Run(data)
	v, ok := iter.Next()
	if !ok {
		return nil, false
	}
	if _, isErr := v.(error); isErr {
		return nil, false
	}
	if v == nil {
		return nil, false
	}
	return v, true
}

func pathQuery(key string) (*gojq.Code, error) {
	pathQueries.RLock()
	if code, ok := pathQueries.m[key]; ok {
		pathQueries.RUnlock()
		return code, nil
	}
	pathQueries.RUnlock()

	pathQueries.Lock()
	defer pathQueries.Unlock()

	if code, ok := pathQueries.m[key]; ok {
		return code, nil
	}

	// Quote each segment so keys with unusual characters still work.
	segs := strings.Split(key, ".")
	var b strings.Builder
	for _, seg := range segs {
		b.WriteString(`."`)
		b.WriteString(strings.ReplaceAll(seg, `"`, `\"`))
		b.WriteString(`"?`)
	}
	query, err := gojq.Parse(b.String())
	if err != nil {
		return nil, err
	}
	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, err
	}
	pathQueries.m[key] = code
	return code, nil
}

// NamespaceMaps returns the context as the three top-level maps the CEL
// expression environment exposes. Nil namespaces become empty maps to
// prevent CEL runtime nil-ref errors.
func (c *Context) NamespaceMaps() map[string]any {
	return map[string]any{
		"form":   orEmpty(c.Form),
		"user":   orEmpty(c.User),
		"system": orEmpty(c.System),
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
