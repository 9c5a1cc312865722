package scanner

import (
	"sort"
	"sync"

	ts "github.com/tree-sitter/go-tree-sitter"
	tsTypescript "github.com/tree-sitter/tree-sitter-typescript/bindings/go"
)

var tsxLanguage = ts.NewLanguage(tsTypescript.LanguageTSX())

var parserPool = sync.Pool{
	New: func() any {
		parser := ts.NewParser()
		if err := parser.SetLanguage(tsxLanguage); err != nil {
			panic("failed to set TSX language: " + err.Error())
		}
		return parser
	},
}

func getParser() *ts.Parser {
	return parserPool.Get().(*ts.Parser)
}

func putParser(p *ts.Parser) {
	p.Reset()
	parserPool.Put(p)
}

// ScanJS returns the static, re-export and literal dynamic imports of a
// JavaScript or TypeScript source, in source order. Dynamic imports with a
// computed argument are skipped.
func ScanJS(src []byte) []ImportRecord {
	if records, ok := scanTree(src); ok {
		return records
	}
	return scanFallback(src)
}

func scanTree(src []byte) ([]ImportRecord, bool) {
	parser := getParser()
	defer putParser(parser)

	tree := parser.Parse(src, nil)
	if tree == nil {
		return nil, false
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, false
	}

	var records []ImportRecord
	walk(root, src, &records)
	sort.SliceStable(records, func(i, j int) bool { return records[i].Start < records[j].Start })
	return records, true
}

func walk(node *ts.Node, src []byte, out *[]ImportRecord) {
	switch node.Kind() {
	case "import_statement":
		if rec, ok := staticImport(node, src); ok {
			*out = append(*out, rec)
		}
		return
	case "export_statement":
		if rec, ok := reExport(node, src); ok {
			*out = append(*out, rec)
			return
		}
	case "call_expression":
		if rec, ok := dynamicImport(node, src); ok {
			*out = append(*out, rec)
		}
	}
	for i := uint(0); i < node.NamedChildCount(); i++ {
		if child := node.NamedChild(i); child != nil {
			walk(child, src, out)
		}
	}
}

func stringSpan(node *ts.Node) (int, int, bool) {
	if node == nil || node.Kind() != "string" {
		return 0, 0, false
	}
	start, end := int(node.StartByte())+1, int(node.EndByte())-1
	if end < start {
		return 0, 0, false
	}
	return start, end, true
}

func staticImport(node *ts.Node, src []byte) (ImportRecord, bool) {
	start, end, ok := stringSpan(node.ChildByFieldName("source"))
	if !ok {
		return ImportRecord{}, false
	}
	rec := ImportRecord{
		Specifier:      string(src[start:end]),
		Start:          start,
		End:            end,
		StatementStart: int(node.StartByte()),
		StatementEnd:   int(node.EndByte()),
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "type", "typeof":
			if !child.IsNamed() {
				rec.TypeOnly = true
			}
		case "import_clause":
			importClause(child, src, &rec)
		}
	}
	classify(&rec)
	return rec, true
}

func importClause(clause *ts.Node, src []byte, rec *ImportRecord) {
	for i := uint(0); i < clause.NamedChildCount(); i++ {
		child := clause.NamedChild(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "identifier":
			rec.Default = true
		case "namespace_import":
			rec.Namespace = true
		case "named_imports":
			rec.Named = append(rec.Named, specifierNames(child, "import_specifier", src)...)
		}
	}
}

func specifierNames(list *ts.Node, kind string, src []byte) []string {
	var names []string
	for i := uint(0); i < list.NamedChildCount(); i++ {
		spec := list.NamedChild(i)
		if spec == nil || spec.Kind() != kind {
			continue
		}
		name := spec.ChildByFieldName("name")
		if name == nil {
			continue
		}
		text := name.Utf8Text(src)
		if name.Kind() == "string" && len(text) >= 2 {
			text = text[1 : len(text)-1]
		}
		names = append(names, text)
	}
	return names
}

func reExport(node *ts.Node, src []byte) (ImportRecord, bool) {
	start, end, ok := stringSpan(node.ChildByFieldName("source"))
	if !ok {
		return ImportRecord{}, false
	}
	rec := ImportRecord{
		Specifier:      string(src[start:end]),
		Start:          start,
		End:            end,
		StatementStart: int(node.StartByte()),
		StatementEnd:   int(node.EndByte()),
	}
	for i := uint(0); i < node.ChildCount(); i++ {
		child := node.Child(i)
		if child == nil {
			continue
		}
		switch child.Kind() {
		case "*", "namespace_export":
			rec.Namespace = true
		case "export_clause":
			rec.Named = append(rec.Named, specifierNames(child, "export_specifier", src)...)
		case "type":
			if !child.IsNamed() {
				rec.TypeOnly = true
			}
		}
	}
	classify(&rec)
	return rec, true
}

func dynamicImport(node *ts.Node, src []byte) (ImportRecord, bool) {
	fn := node.ChildByFieldName("function")
	if fn == nil || fn.Kind() != "import" {
		return ImportRecord{}, false
	}
	args := node.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() == 0 {
		return ImportRecord{}, false
	}
	arg := args.NamedChild(0)
	if arg == nil {
		return ImportRecord{}, false
	}

	var start, end int
	switch arg.Kind() {
	case "string":
		var ok bool
		if start, end, ok = stringSpan(arg); !ok {
			return ImportRecord{}, false
		}
	case "template_string":
		for i := uint(0); i < arg.NamedChildCount(); i++ {
			if c := arg.NamedChild(i); c != nil && c.Kind() == "template_substitution" {
				return ImportRecord{}, false
			}
		}
		start, end = int(arg.StartByte())+1, int(arg.EndByte())-1
	default:
		return ImportRecord{}, false
	}
	if end <= start {
		return ImportRecord{}, false
	}

	rec := ImportRecord{
		Specifier:      string(src[start:end]),
		IsDynamic:      true,
		Start:          start,
		End:            end,
		StatementStart: int(node.StartByte()),
		StatementEnd:   int(node.EndByte()),
	}
	classify(&rec)
	return rec, true
}
