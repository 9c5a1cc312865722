package rewrite

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApply(t *testing.T) {
	tests := []struct {
		name     string
		src      string
		edits    []Edit
		expected string
		wantErr  bool
	}{
		{"no edits", "abc", nil, "abc", false},
		{"single", "import 'a';", []Edit{{8, 9, "/a.js"}}, "import '/a.js';", false},
		{"unordered edits", "x a y b z", []Edit{{6, 7, "BBB"}, {2, 3, "A"}}, "x A y BBB z", false},
		{"shrinking", "0123456789", []Edit{{0, 5, ""}, {7, 9, "-"}}, "56-9", false},
		{"adjacent", "ab", []Edit{{0, 1, "1"}, {1, 2, "2"}}, "12", false},
		{"overlap", "abcdef", []Edit{{0, 3, "x"}, {2, 4, "y"}}, "", true},
		{"out of range", "abc", []Edit{{2, 9, "x"}}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Apply([]byte(tt.src), tt.edits)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(out))
		})
	}
}

func TestTransformEsmImportsSubstringSpecifiers(t *testing.T) {
	src := []byte(`import a from './a';
import aa from './a/a';
const lazy = import('./a');
`)
	out, err := TransformEsmImports(src, func(spec string) string {
		return spec + ".js"
	})
	require.NoError(t, err)
	assert.Equal(t, `import a from './a.js';
import aa from './a/a.js';
const lazy = import('./a.js');
`, string(out))
}

func TestTransformFileImports(t *testing.T) {
	upper := func(spec string) string { return strings.ToUpper(spec) }

	out, err := TransformFileImports(".css", []byte(`@import "./x.css"; .a{}`), upper)
	require.NoError(t, err)
	assert.Equal(t, `@import "./X.CSS"; .a{}`, string(out))

	html := `<head><script type="module">import './app.js';</script><script src="./keep.js"></script></head>`
	out, err = TransformFileImports(".html", []byte(html), upper)
	require.NoError(t, err)
	assert.Equal(t, `<head><script type="module">import './APP.JS';</script><script src="./keep.js"></script></head>`, string(out))

	_, err = TransformFileImports(".png", nil, upper)
	assert.Error(t, err)
}

func TestTransformLeavesUnchangedSpecifiers(t *testing.T) {
	src := []byte(`import x from "x";`)
	out, err := TransformEsmImports(src, func(spec string) string { return spec })
	require.NoError(t, err)
	assert.Equal(t, string(src), string(out))
}
