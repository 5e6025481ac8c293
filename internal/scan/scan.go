// Package scan locates module specifier literals in JavaScript source.
//
// Source is parsed with the tree-sitter JavaScript grammar and only the
// string literal naming each import target is reported; import clauses are
// never interpreted. Comments and strings that merely look like imports are
// ignored because they do not produce import nodes.
package scan

import (
	"context"
	"fmt"
	"sort"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// Kind classifies the statement a specifier was found in.
type Kind string

const (
	// KindImport is `import … from 's'` or `import 's'`.
	KindImport Kind = "import"
	// KindExport is `export … from 's'`.
	KindExport Kind = "export"
	// KindDynamic is `import('s')` with a plain string literal argument.
	KindDynamic Kind = "dynamic"
)

// Match is one located specifier. Start and End delimit the specifier text
// between the quotes, so src[Start-1] == Quote and src[End] == Quote.
type Match struct {
	Start     int
	End       int
	Quote     byte
	Specifier string
	Kind      Kind
	Line      int // 1-based

	// StmtStart is the offset of the enclosing statement or call, used to
	// report the full matched text.
	StmtStart int
}

// Prelude returns the statement text preceding the specifier, including the
// opening quote.
func (m Match) Prelude(src []byte) string {
	return string(src[m.StmtStart:m.Start])
}

// Text returns the statement text up to and including the closing quote.
func (m Match) Text(src []byte) string {
	return string(src[m.StmtStart : m.End+1])
}

// Source parses src as JavaScript and returns every import, re-export and
// literal dynamic import specifier, ordered by position.
func Source(ctx context.Context, src []byte) ([]Match, error) {
	if len(src) == 0 {
		return nil, nil
	}
	lang, _ := ParserForLanguage("javascript")

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("scan: tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	var matches []Match
	walk(tree.RootNode(), func(n *sitter.Node) {
		var (
			lit  *sitter.Node
			kind Kind
		)
		switch n.Type() {
		case "import_statement":
			lit, kind = n.ChildByFieldName("source"), KindImport
		case "export_statement":
			lit, kind = n.ChildByFieldName("source"), KindExport
		case "call_expression":
			lit, kind = dynamicImportArg(n), KindDynamic
		}
		if m, ok := literal(src, n, lit, kind); ok {
			matches = append(matches, m)
		}
	})

	sort.Slice(matches, func(i, j int) bool { return matches[i].Start < matches[j].Start })
	return matches, nil
}

func walk(n *sitter.Node, visit func(*sitter.Node)) {
	if n == nil {
		return
	}
	visit(n)
	for i := 0; i < int(n.ChildCount()); i++ {
		walk(n.Child(i), visit)
	}
}

// dynamicImportArg returns the string argument of import('x'), or nil.
func dynamicImportArg(call *sitter.Node) *sitter.Node {
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != "import" {
		return nil
	}
	args := call.ChildByFieldName("arguments")
	if args == nil || args.NamedChildCount() != 1 {
		return nil
	}
	arg := args.NamedChild(0)
	if arg == nil || arg.Type() != "string" {
		return nil
	}
	return arg
}

func literal(src []byte, stmt, lit *sitter.Node, kind Kind) (Match, bool) {
	if lit == nil || lit.Type() != "string" {
		return Match{}, false
	}
	start, end := int(lit.StartByte()), int(lit.EndByte())
	if end-start < 2 || end > len(src) {
		return Match{}, false
	}
	quote := src[start]
	if (quote != '\'' && quote != '"') || src[end-1] != quote {
		return Match{}, false
	}
	spec := string(src[start+1 : end-1])
	if spec == "" || strings.ContainsAny(spec, "\\\n") {
		return Match{}, false
	}
	return Match{
		Start:     start + 1,
		End:       end - 1,
		Quote:     quote,
		Specifier: spec,
		Kind:      kind,
		Line:      int(lit.StartPoint().Row) + 1,
		StmtStart: int(stmt.StartByte()),
	}, true
}
