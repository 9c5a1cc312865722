// Package cssmodules scopes the class names of CSS Modules files and keeps
// the generated class maps so that proxies can look them up by URL.
package cssmodules

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
)

var (
	classRegex  = regexp.MustCompile(`(?s)/\*.*?\*/|\.(-?[_a-zA-Z][_a-zA-Z0-9-]*)`)
	globalRegex = regexp.MustCompile(`:global\(([^)]*)\)`)
)

// Registry holds the class maps of every CSS Modules file built so far.
// One Registry is created per server and shared by the pipeline and the
// proxy generator.
type Registry struct {
	mu   sync.RWMutex
	json map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{json: make(map[string]string)}
}

// ScopedName returns the generated class name for class in the file at url.
func ScopedName(url, class string) string {
	return fmt.Sprintf("_%s_%05x", class, xxhash.Sum64String(url)&0xfffff)
}

// Transform rewrites every local class selector of css and records the
// resulting class map under url. It returns the scoped CSS and the class
// map encoded as JSON.
func (r *Registry) Transform(url string, css []byte) ([]byte, string) {
	classes := map[string]string{}
	out := rewriteSelectors(string(css), func(selector string) string {
		return scopeSelector(url, selector, classes)
	})

	data, _ := json.Marshal(classes)
	encoded := string(data)

	r.mu.Lock()
	r.json[url] = encoded
	r.mu.Unlock()
	return []byte(out), encoded
}

// JSON returns the class map recorded for url.
func (r *Registry) JSON(url string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.json[url]
	return data, ok
}

// Clear forgets every recorded class map.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.json = make(map[string]string)
	r.mu.Unlock()
}

func scopeSelector(url, selector string, classes map[string]string) string {
	globals := globalRegex.FindAllStringSubmatchIndex(selector, -1)
	var b strings.Builder
	last := 0
	for _, g := range globals {
		b.WriteString(scopeClasses(url, selector[last:g[0]], classes))
		b.WriteString(selector[g[2]:g[3]])
		last = g[1]
	}
	b.WriteString(scopeClasses(url, selector[last:], classes))
	return b.String()
}

func scopeClasses(url, text string, classes map[string]string) string {
	return classRegex.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, "/*") {
			return m
		}
		name := m[1:]
		scoped := ScopedName(url, name)
		classes[name] = scoped
		return "." + scoped
	})
}

// rewriteSelectors calls fn on the prelude of every style rule, including
// rules nested in grouping at-rules such as @media. Declarations, comments
// and the preludes of other at-rules are copied unchanged.
func rewriteSelectors(css string, fn func(string) string) string {
	var (
		b       strings.Builder
		stack   []bool // true when the open block holds rules
		prelude strings.Builder
	)
	inRules := func() bool { return len(stack) == 0 || stack[len(stack)-1] }

	flush := func(isRule bool) {
		text := prelude.String()
		prelude.Reset()
		if isRule {
			text = fn(text)
		}
		b.WriteString(text)
	}

	for i := 0; i < len(css); i++ {
		c := css[i]
		switch {
		case c == '/' && i+1 < len(css) && css[i+1] == '*':
			stop := len(css)
			if j := strings.Index(css[i+2:], "*/"); j >= 0 {
				stop = i + 4 + j
			}
			if inRules() {
				prelude.WriteString(css[i:stop])
			} else {
				b.WriteString(css[i:stop])
			}
			i = stop - 1
		case (c == '"' || c == '\'') && !inRules():
			j := i + 1
			for j < len(css) && css[j] != c {
				if css[j] == '\\' {
					j++
				}
				j++
			}
			if j >= len(css) {
				j = len(css) - 1
			}
			b.WriteString(css[i : j+1])
			i = j
		case c == '{':
			if inRules() {
				trimmed := strings.TrimSpace(prelude.String())
				isAt := strings.HasPrefix(trimmed, "@")
				flush(!isAt)
				stack = append(stack, isAt && groupingAtRule(trimmed))
			} else {
				stack = append(stack, false)
			}
			b.WriteByte(c)
		case c == '}':
			flush(false)
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
			b.WriteByte(c)
		case c == ';' && inRules():
			flush(false)
			b.WriteByte(c)
		default:
			if inRules() {
				prelude.WriteByte(c)
			} else {
				b.WriteByte(c)
			}
		}
	}
	flush(false)
	return b.String()
}

func groupingAtRule(prelude string) bool {
	for _, name := range []string{"@media", "@supports", "@document", "@layer", "@container"} {
		if strings.HasPrefix(prelude, name) {
			return true
		}
	}
	return false
}
