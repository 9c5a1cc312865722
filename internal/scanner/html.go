package scanner

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var cssImportRegex = regexp.MustCompile(`(?s)@import\s*['"](.*?)['"];`)

// ScanCSS returns the `@import '...';` statements of a stylesheet.
func ScanCSS(src []byte) []ImportRecord {
	var records []ImportRecord
	for _, m := range cssImportRegex.FindAllSubmatchIndex(src, -1) {
		records = append(records, ImportRecord{
			Specifier:      string(src[m[2]:m[3]]),
			Start:          m[2],
			End:            m[3],
			StatementStart: m[0],
			StatementEnd:   m[1],
			Binding:        BindingStylesheet,
		})
	}
	return records
}

// BlockKind tells script blocks from style blocks.
type BlockKind int

const (
	BlockScript BlockKind = iota
	BlockStyle
)

// Block is the body of an inline <script> or <style> element. Start and
// End are byte offsets into the whole document.
type Block struct {
	Kind       BlockKind
	Start, End int
}

// HTMLBlocks returns the inline script and style bodies of an HTML-like
// document. Only <script type="module"> counts unless anyScript is set,
// which component formats such as .svelte and .vue need.
func HTMLBlocks(src []byte, anyScript bool) []Block {
	z := html.NewTokenizer(bytes.NewReader(src))
	var (
		blocks  []Block
		offset  int
		pending = -1
	)
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			return blocks
		}
		size := len(z.Raw())

		switch tt {
		case html.StartTagToken:
			pending = -1
			name, hasAttr := z.TagName()
			switch string(name) {
			case "script":
				isModule := false
				for hasAttr {
					var key, val []byte
					key, val, hasAttr = z.TagAttr()
					if string(key) == "type" && strings.EqualFold(string(val), "module") {
						isModule = true
					}
				}
				if isModule || anyScript {
					pending = int(BlockScript)
				}
			case "style":
				pending = int(BlockStyle)
			}
		case html.TextToken:
			if pending >= 0 && size > 0 {
				blocks = append(blocks, Block{Kind: BlockKind(pending), Start: offset, End: offset + size})
			}
			pending = -1
		default:
			pending = -1
		}
		offset += size
	}
}

// ScanHTML scans the inline module scripts and styles of an HTML-like
// document. Offsets are relative to the whole document.
func ScanHTML(src []byte, ext string) []ImportRecord {
	anyScript := isComponentFormat(ext)
	var records []ImportRecord
	for _, block := range HTMLBlocks(src, anyScript) {
		body := src[block.Start:block.End]
		if len(bytes.TrimSpace(body)) == 0 {
			continue
		}
		switch block.Kind {
		case BlockScript:
			records = append(records, shift(ScanJS(body), block.Start)...)
		case BlockStyle:
			records = append(records, shift(ScanCSS(body), block.Start)...)
		}
	}
	return records
}

func isComponentFormat(ext string) bool {
	switch strings.ToLower(ext) {
	case ".svelte", ".vue", ".interface":
		return true
	}
	return false
}
