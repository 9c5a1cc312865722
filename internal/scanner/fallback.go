package scanner

import (
	"regexp"
	"sort"
	"strings"
)

var (
	esmImportRegex     = regexp.MustCompile(`(?m)(?:^|;)[ \t]*((?:import|export)(?:["'\s]*([\w*${}\n\r\t, ]+)\s*from\s*)?\s*["']([^"'\n]*)["'])`)
	dynamicImportRegex = regexp.MustCompile("(?:^|[^.\\w$])(import\\s*\\(\\s*(?:'([^'\\n]+)'|\"([^\"\\n]+)\"|`([^`$]+)`)\\s*\\))")

	importTypeRegex      = regexp.MustCompile(`^(?:import|export)\s+type\s`)
	defaultImportRegex   = regexp.MustCompile(`(?s)import\s+(\w)+(,\s\{[\w\s,]*\})?\s+from`)
	hasNamedImportsRegex = regexp.MustCompile(`(?s)^[\w\s,]*\{(.*)\}`)
	stripAsRegex         = regexp.MustCompile(`\s+as\s+.*`)
)

// scanFallback finds imports line by line after blanking out comments. It
// only runs when the grammar rejects the source, so it errs towards missing
// an import rather than inventing one.
func scanFallback(src []byte) []ImportRecord {
	code := string(blankComments(src))
	var records []ImportRecord

	for _, m := range esmImportRegex.FindAllStringSubmatchIndex(code, -1) {
		stmt := code[m[2]:m[3]]
		rec := ImportRecord{
			Specifier:      code[m[6]:m[7]],
			Start:          m[6],
			End:            m[7],
			StatementStart: m[2],
			StatementEnd:   m[3],
			TypeOnly:       importTypeRegex.MatchString(stmt),
		}
		bindingsFromStatement(stmt, &rec)
		classify(&rec)
		records = append(records, rec)
	}

	for _, m := range dynamicImportRegex.FindAllStringSubmatchIndex(code, -1) {
		for g := 2; g <= 4; g++ {
			if m[2*g] < 0 {
				continue
			}
			rec := ImportRecord{
				Specifier:      code[m[2*g]:m[2*g+1]],
				IsDynamic:      true,
				Start:          m[2*g],
				End:            m[2*g+1],
				StatementStart: m[2],
				StatementEnd:   m[3],
			}
			classify(&rec)
			records = append(records, rec)
			break
		}
	}

	sort.SliceStable(records, func(i, j int) bool { return records[i].Start < records[j].Start })
	return records
}

func bindingsFromStatement(stmt string, rec *ImportRecord) {
	rec.Default = defaultImportRegex.MatchString(stmt)
	rec.Namespace = strings.Contains(stmt, "*")
	if m := hasNamedImportsRegex.FindStringSubmatch(stmt); m != nil {
		for _, name := range strings.Split(m[1], ",") {
			name = strings.TrimSpace(stripAsRegex.ReplaceAllString(name, ""))
			if name != "" {
				rec.Named = append(rec.Named, name)
			}
		}
	}
}

// blankComments replaces every comment byte with a space, keeping newlines
// so byte offsets and line structure survive. String and template literals
// are left untouched.
func blankComments(src []byte) []byte {
	out := make([]byte, len(src))
	copy(out, src)

	const (
		code = iota
		single
		double
		template
		line
		block
	)
	state := code
	for i := 0; i < len(out); i++ {
		c := out[i]
		switch state {
		case code:
			switch c {
			case '\'':
				state = single
			case '"':
				state = double
			case '`':
				state = template
			case '/':
				if i+1 < len(out) && out[i+1] == '/' {
					state = line
					out[i] = ' '
				} else if i+1 < len(out) && out[i+1] == '*' {
					state = block
					out[i], out[i+1] = ' ', ' '
					i++
				}
			}
		case single, double, template:
			quote := byte('\'')
			if state == double {
				quote = '"'
			} else if state == template {
				quote = '`'
			}
			if c == '\\' {
				i++
			} else if c == quote || (c == '\n' && state != template) {
				state = code
			}
		case line:
			if c == '\n' {
				state = code
			} else {
				out[i] = ' '
			}
		case block:
			if c == '*' && i+1 < len(out) && out[i+1] == '/' {
				out[i], out[i+1] = ' ', ' '
				i++
				state = code
			} else if c != '\n' {
				out[i] = ' '
			}
		}
	}
	return out
}
