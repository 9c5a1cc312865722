//go:build property

package scanner

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestScannerProperties checks that both scanning strategies agree on
// plain import lists and that every span points at its specifier.
func TestScannerProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	specGen := gen.SliceOfN(5, gen.RegexMatch(`(\./|\.\./|@scope/)?[a-z][a-z0-9-]{0,8}(\.js)?`))
	formGen := gen.SliceOfN(5, gen.IntRange(0, 3))

	render := func(specs []string, forms []int) string {
		var b strings.Builder
		for i, spec := range specs {
			switch forms[i%len(forms)] {
			case 0:
				fmt.Fprintf(&b, "import %q;\n", spec)
			case 1:
				fmt.Fprintf(&b, "import def%d from '%s';\n", i, spec)
			case 2:
				fmt.Fprintf(&b, "export { n%d } from '%s';\n", i, spec)
			default:
				fmt.Fprintf(&b, "const d%d = import('%s');\n", i, spec)
			}
		}
		return b.String()
	}

	properties.Property("parser and fallback agree", prop.ForAll(
		func(specs []string, forms []int) bool {
			src := []byte(render(specs, forms))
			return reflect.DeepEqual(specifiers(ScanJS(src)), specifiers(scanFallback(src)))
		},
		specGen, formGen,
	))

	properties.Property("spans cover exactly the specifier", prop.ForAll(
		func(specs []string, forms []int) bool {
			src := []byte(render(specs, forms))
			records := ScanJS(src)
			if len(records) != len(specs) {
				return false
			}
			for _, r := range records {
				if string(src[r.Start:r.End]) != r.Specifier {
					return false
				}
			}
			return true
		},
		specGen, formGen,
	))

	properties.TestingRun(t)
}
