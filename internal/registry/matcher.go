package registry

import (
	"regexp"
	"strings"
	"sync"
)

// compiledEndpoint pairs an EndpointConfig with its compiled path pattern
// and the capture names in declaration order, so matches can be mapped
// back to a pathVariables map.
type compiledEndpoint struct {
	endpoint EndpointConfig
	pattern  *regexp.Regexp
	names    []string
}

// pathCompiler caches compiled path-template patterns so each distinct
// template is compiled exactly once across the registry's lifetime,
// regardless of how many times matchRoute is called (spec.md §4.1 step 4:
// "compile its template once (cached)").
type pathCompiler struct {
	mu    sync.Mutex
	cache map[string]*compiledEndpoint
}

func newPathCompiler() *pathCompiler {
	return &pathCompiler{cache: make(map[string]*compiledEndpoint)}
}

// segmentCapture matches a single `{name}` path-template segment.
var segmentCapture = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)

// compile turns an endpoint's path template into an anchored regular
// expression: `{name}` → a single-segment capture group, `**` → `.*`
// (multi-segment wildcard), bare `*` → `[^/]*` (single-element wildcard).
func (c *pathCompiler) compile(ep EndpointConfig) *compiledEndpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[ep.Path]; ok {
		cp := *cached
		cp.endpoint = ep
		return &cp
	}

	var names []string
	pattern, rest := ep.Path, ""
	_ = rest

	// Replace `**` first so it isn't mistaken for two `*` wildcards.
	var b strings.Builder
	b.WriteString("^")
	i := 0
	for i < len(pattern) {
		switch {
		case strings.HasPrefix(pattern[i:], "**"):
			b.WriteString(".*")
			i += 2
		case pattern[i] == '*':
			b.WriteString("[^/]*")
			i++
		case pattern[i] == '{':
			loc := segmentCapture.FindStringSubmatchIndex(pattern[i:])
			if loc == nil || loc[0] != 0 {
				// Not a well-formed `{name}` — treat the brace literally.
				b.WriteString(regexp.QuoteMeta(string(pattern[i])))
				i++
				continue
			}
			name := pattern[i+loc[2] : i+loc[3]]
			names = append(names, name)
			b.WriteString("(?P<" + name + ">[^/]+)")
			i += loc[1]
		default:
			b.WriteString(regexp.QuoteMeta(string(pattern[i])))
			i++
		}
	}
	b.WriteString("$")

	re := regexp.MustCompile(b.String())
	ce := &compiledEndpoint{endpoint: ep, pattern: re, names: names}
	c.cache[ep.Path] = ce
	return ce
}

// match attempts to match remainder against the compiled pattern and
// method, returning the extracted path variables on success.
func (ce *compiledEndpoint) match(remainder, method string) (map[string]string, bool) {
	if !ce.endpoint.allowsMethod(method) {
		return nil, false
	}
	m := ce.pattern.FindStringSubmatch(remainder)
	if m == nil {
		return nil, false
	}
	vars := make(map[string]string, len(ce.names))
	for i, name := range ce.pattern.SubexpNames() {
		if i == 0 || name == "" {
			continue
		}
		vars[name] = m[i]
	}
	return vars, true
}

// substitutePathRewrite replaces every `{name}` in rewrite with the
// corresponding value from vars.
func substitutePathRewrite(rewrite string, vars map[string]string) string {
	return segmentCapture.ReplaceAllStringFunc(rewrite, func(token string) string {
		name := token[1 : len(token)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		return token
	})
}
