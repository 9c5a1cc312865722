// Package proxy generates the synthetic code the dev server and production
// build wrap around real outputs: import.meta setup, HTML injection, import
// proxies for non-JS assets, the env module and expanded glob imports.
package proxy

import (
	"bytes"
	"context"
	"crypto/sha512"
	"embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/conneroisu/snowdrift/internal/cssmodules"
	"github.com/conneroisu/snowdrift/internal/errors"
	"github.com/conneroisu/snowdrift/internal/logging"
	"github.com/conneroisu/snowdrift/internal/scanner"
	"github.com/conneroisu/snowdrift/internal/urls"
)

// Names of the embedded browser runtime files served under the meta path.
const (
	ClientAsset  = "hmr-client.js"
	OverlayAsset = "hmr-error-overlay.js"
)

// PublicEnvPrefix marks process environment variables exposed to the browser.
const PublicEnvPrefix = "SNOWDRIFT_PUBLIC_"

//go:embed assets/hmr-client.js assets/hmr-error-overlay.js
var assets embed.FS

// Integrity values for the embedded runtime scripts.
var (
	ClientIntegrity  = integrity(mustAsset(ClientAsset))
	OverlayIntegrity = integrity(mustAsset(OverlayAsset))
)

var (
	importMetaRegex    = regexp.MustCompile(`import\s*\.\s*meta`)
	importMetaHotRegex = regexp.MustCompile(`import\s*\.\s*meta\s*\.\s*hot`)
	importMetaEnvRegex = regexp.MustCompile(`import\s*\.\s*meta\s*\.\s*env`)
	publicURLRegex     = regexp.MustCompile(`/?%PUBLIC_URL%/?`)
	publicEnvRegex     = regexp.MustCompile(`(?i)%` + PublicEnvPrefix + `.+?%`)
	sourceMapCSSRegex  = regexp.MustCompile(`(?m)/\*#\s*sourceMappingURL=[^*]*\*/`)
)

// Asset returns an embedded runtime file by name.
func Asset(name string) ([]byte, bool) {
	data, err := assets.ReadFile("assets/" + name)
	if err != nil {
		return nil, false
	}
	return data, true
}

func mustAsset(name string) []byte {
	data, ok := Asset(name)
	if !ok {
		panic("proxy: missing embedded asset " + name)
	}
	return data
}

func integrity(data []byte) string {
	sum := sha512.Sum384(data)
	return "sha384-" + base64.StdEncoding.EncodeToString(sum[:])
}

// Options configures a Generator.
type Options struct {
	MetaURLPath     string
	BaseURL         string
	HMRErrorOverlay bool
	HTMLFragments   bool
	Env             map[string]any
	CSSModules      *cssmodules.Registry
	Logger          logging.Logger
	// Environ defaults to os.Environ.
	Environ func() []string
}

// Generator produces wrapper code for one server or build.
type Generator struct {
	opts   Options
	logger logging.Logger
}

// New creates a Generator.
func New(opts Options) *Generator {
	if opts.BaseURL == "" {
		opts.BaseURL = "/"
	}
	if opts.Environ == nil {
		opts.Environ = os.Environ
	}
	if opts.CSSModules == nil {
		opts.CSSModules = cssmodules.NewRegistry()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Generator{opts: opts, logger: logger.WithComponent("proxy")}
}

// MetaURL returns the hosted URL of a file under the meta path.
func (g *Generator) MetaURL(name string) string {
	return urls.MetaURL(g.opts.MetaURLPath, name)
}

// WrapImportMeta prepares a JavaScript module's use of import.meta. With
// hmr off, import.meta.hot is inlined as undefined. Code that still
// references import.meta gets the HMR context and, if env is set, the env
// module bound to import.meta.env.
func (g *Generator) WrapImportMeta(code []byte, hmr, env bool) []byte {
	if !hmr {
		code = importMetaHotRegex.ReplaceAll(code, []byte("undefined /* [snowdrift] import.meta.hot */ "))
	}
	if !importMetaRegex.Match(code) {
		return code
	}

	var head bytes.Buffer
	if hmr {
		fmt.Fprintf(&head, "import * as  __SNOWDRIFT_HMR__ from '%s';\nimport.meta.hot = __SNOWDRIFT_HMR__.createHotContext(import.meta.url);\n", g.MetaURL(ClientAsset))
	}
	if env {
		fmt.Fprintf(&head, "import * as __SNOWDRIFT_ENV__ from '%s';\n", g.MetaURL("env.js"))
		code = importMetaEnvRegex.ReplaceAll(code, []byte("__SNOWDRIFT_ENV__"))
		if importMetaRegex.Match(code) {
			head.WriteString("import.meta.env = __SNOWDRIFT_ENV__;\n")
		}
	}
	head.WriteByte('\n')
	return append(head.Bytes(), code...)
}

// HTMLOptions describes the response an HTML page is wrapped for.
type HTMLOptions struct {
	HMR     bool
	HMRPort int
	IsDev   bool
	Mode    string
}

// WrapHTMLResponse substitutes the %PUBLIC_URL%, %MODE% and env
// placeholders of an HTML page and, for full pages with HMR on, injects the
// HMR runtime before </head>. An HTML fragment with HMR on is a
// configuration error unless fragments are allowed.
func (g *Generator) WrapHTMLResponse(ctx context.Context, code []byte, opts HTMLOptions) ([]byte, error) {
	publicURL := g.opts.BaseURL
	if opts.IsDev {
		publicURL = "/"
	}
	doc := publicURLRegex.ReplaceAllLiteralString(string(code), publicURL)
	doc = strings.ReplaceAll(doc, "%MODE%", opts.Mode)

	public := g.publicEnv()
	doc = publicEnvRegex.ReplaceAllStringFunc(doc, func(match string) string {
		name := match[1 : len(match)-1]
		if val, ok := public[name]; ok {
			return val
		}
		g.logger.Warn(ctx, nil, fmt.Sprintf("environment variable %q is not set", name))
		return match
	})
	for _, key := range sortedKeys(g.opts.Env) {
		doc = strings.ReplaceAll(doc, "%"+key+"%", fmt.Sprint(g.opts.Env[key]))
	}

	isFullPage := strings.HasPrefix(strings.ToLower(strings.TrimSpace(doc)), "<!doctype html>")
	if opts.HMR && !isFullPage && !g.opts.HTMLFragments {
		return nil, errors.NewConfigurationError(errors.ErrCodeHTMLFragment,
			"HTML fragment found: files not starting with \"<!doctype html>\" are not transformed like full pages; "+
				"add the missing doctype or set build_options.html_fragments")
	}
	if opts.HMR && isFullPage {
		var script strings.Builder
		if opts.HMRPort != 0 {
			fmt.Fprintf(&script, "<script>window.HMR_WEBSOCKET_PORT=%d</script>\n", opts.HMRPort)
		}
		fmt.Fprintf(&script, `<script type="module" integrity="%s" src="%s"></script>`, ClientIntegrity, g.MetaURL(ClientAsset))
		if g.opts.HMRErrorOverlay {
			fmt.Fprintf(&script, `<script type="module" integrity="%s" src="%s"></script>`, OverlayIntegrity, g.MetaURL(OverlayAsset))
		}
		var err error
		doc, err = AppendHTMLToHead(doc, script.String())
		if err != nil {
			return nil, err
		}
	}
	return []byte(doc), nil
}

// AppendHTMLToHead inserts snippet right before the document's </head>.
// Exactly one closing head tag outside comments must be present.
func AppendHTMLToHead(doc, snippet string) (string, error) {
	z := html.NewTokenizer(strings.NewReader(doc))
	offset, at, found := 0, -1, 0
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if z.Err() != io.EOF {
				return "", errors.NewIOError(errors.ErrCodeReadFailed, "cannot tokenize HTML", z.Err())
			}
			break
		}
		raw := len(z.Raw())
		if tt == html.EndTagToken {
			if name, _ := z.TagName(); string(name) == "head" {
				found++
				at = offset
			}
		}
		offset += raw
	}
	switch {
	case found == 0:
		return "", errors.NewConfigurationError(errors.ErrCodeHTMLHead, "no <head> tag found in HTML (needed to inject the HMR client)")
	case found > 1:
		return "", errors.NewConfigurationError(errors.ErrCodeHTMLHead, "multiple <head> tags found in HTML")
	}
	return doc[:at] + snippet + doc[at:], nil
}

// WrapImportProxy returns the JavaScript module that stands in for a
// non-JS asset imported from JavaScript.
func (g *Generator) WrapImportProxy(url string, code []byte, hmr bool) ([]byte, error) {
	switch {
	case urls.HasExtension(url, ".json"):
		var compact bytes.Buffer
		if err := json.Compact(&compact, code); err != nil {
			return nil, errors.NewValidationError(errors.ErrCodeInternal, "invalid JSON in "+url)
		}
		proxy := "let json = " + compact.String() + ";\nexport default json;"
		return g.WrapImportMeta([]byte(proxy), hmr, false), nil
	case urls.HasExtension(url, ".module.css"):
		css := sourceMapCSSRegex.ReplaceAll(code, nil)
		return g.cssModuleProxy(url, css, hmr), nil
	case urls.HasExtension(url, ".css"):
		css := sourceMapCSSRegex.ReplaceAll(code, nil)
		return g.cssProxy(css, hmr), nil
	default:
		return []byte("export default " + jsString(url) + ";"), nil
	}
}

func (g *Generator) cssProxy(css []byte, hmr bool) []byte {
	var b strings.Builder
	b.WriteString("// [snowdrift] add styles to the page (skip if no document exists)\nif (typeof document !== 'undefined') {")
	if hmr {
		b.WriteString("\n  import.meta.hot.accept();\n  import.meta.hot.dispose(() => {\n    document.head.removeChild(styleEl);\n  });\n")
	}
	b.WriteString("\n  const code = " + jsString(string(css)) + ";\n")
	b.WriteString(`
  const styleEl = document.createElement("style");
  const codeEl = document.createTextNode(code);
  styleEl.type = 'text/css';
  styleEl.appendChild(codeEl);
  document.head.appendChild(styleEl);
}`)
	return g.WrapImportMeta([]byte(b.String()), hmr, false)
}

func (g *Generator) cssModuleProxy(url string, css []byte, hmr bool) []byte {
	// Built URLs carry the base URL; class maps are recorded by hosted URL.
	reqURL := url
	if base := g.opts.BaseURL; base != "/" && strings.HasPrefix(url, base) {
		reqURL = "/" + strings.TrimPrefix(url, base)
	}
	classMap, ok := g.opts.CSSModules.JSON(reqURL)
	if !ok {
		classMap = "{}"
	}

	var b strings.Builder
	b.WriteString("\nexport let code = " + jsString(string(css)) + ";\n")
	b.WriteString("let json = " + classMap + ";\nexport default json;\n")
	if hmr {
		fmt.Fprintf(&b, "\nimport * as __SNOWDRIFT_HMR_API__ from '%s';\nimport.meta.hot = __SNOWDRIFT_HMR_API__.createHotContext(import.meta.url);\n", g.MetaURL(ClientAsset))
	}
	b.WriteString("\n// [snowdrift] add styles to the page (skip if no document exists)\nif (typeof document !== 'undefined') {")
	if hmr {
		b.WriteString("\n  import.meta.hot.dispose(() => {\n    document && document.head.removeChild(styleEl);\n  });\n")
	}
	b.WriteString(`
  const styleEl = document.createElement("style");
  const codeEl = document.createTextNode(code);
  styleEl.type = 'text/css';

  styleEl.appendChild(codeEl);
  document.head.appendChild(styleEl);
}`)
	return []byte(b.String())
}

// GenerateEnvModule returns the env.js module: public process variables,
// then config env, then MODE, NODE_ENV and SSR.
func (g *Generator) GenerateEnvModule(mode string, isSSR bool) []byte {
	public := g.publicEnv()
	values := make(map[string]any, len(public)+len(g.opts.Env))
	for k, v := range public {
		values[k] = v
	}
	for k, v := range g.opts.Env {
		values[k] = v
	}
	delete(values, "MODE")
	delete(values, "NODE_ENV")
	delete(values, "SSR")

	var lines []string
	for _, key := range sortedKeys(values) {
		lines = append(lines, exportConst(key, values[key]))
	}
	lines = append(lines,
		exportConst("MODE", mode),
		exportConst("NODE_ENV", mode),
		exportConst("SSR", isSSR),
	)
	return []byte(strings.Join(lines, "\n"))
}

func exportConst(key string, val any) string {
	data, err := marshalJS(val)
	if err != nil {
		data = []byte("undefined")
	}
	return "export const " + key + " = " + string(data) + ";"
}

func (g *Generator) publicEnv() map[string]string {
	env := map[string]string{}
	for _, kv := range g.opts.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(k, PublicEnvPrefix) && len(k) > len(PublicEnvPrefix) {
			env[k] = v
		}
	}
	return env
}

// GlobResolveFunc expands one glob pattern into import specifiers.
type GlobResolveFunc func(glob string) ([]string, error)

// TransformGlobImports replaces every import.meta.glob expression with an
// object literal of its matches: lazy import() thunks, or namespace imports
// hoisted to the top of the module for globEager.
func TransformGlobImports(src []byte, resolve GlobResolveFunc) ([]byte, error) {
	globs := scanner.ScanImportGlobs(src)
	if len(globs) == 0 {
		return src, nil
	}

	var (
		hoisted []string
		out     = string(src)
	)
	for i := len(globs) - 1; i >= 0; i-- {
		g := globs[i]
		matches, err := resolve(g.Glob)
		if err != nil {
			return nil, err
		}
		n := len(globs) - 1 - i
		entries := make([]string, len(matches))
		for j, spec := range matches {
			if g.IsEager {
				entries[j] = fmt.Sprintf("\t%s: __glob__%d_%d", jsString(spec), n, j)
				hoisted = append(hoisted, fmt.Sprintf("import * as __glob__%d_%d from '%s';", n, j, spec))
			} else {
				entries[j] = fmt.Sprintf("\t%s: () => import(%s)", jsString(spec), jsString(spec))
			}
		}
		value := "{\n" + strings.Join(entries, ",\n") + "\n}"
		out = out[:g.Start] + value + out[g.End:]
	}
	if len(hoisted) > 0 {
		out = strings.Join(hoisted, "\n") + "\n" + out
	}
	return []byte(out), nil
}

func jsString(s string) string {
	data, _ := marshalJS(s)
	return string(data)
}

func marshalJS(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
