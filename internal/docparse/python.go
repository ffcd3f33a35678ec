package docparse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// ErrSyntax is returned when a Python file does not parse cleanly.
var ErrSyntax = errors.New("python syntax error")

// ParsePython returns the module, class, function and method docstrings in
// content. Nested functions are included.
func ParsePython(ctx context.Context, content, path string) ([]Doc, error) {
	src := []byte(content)
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		return nil, fmt.Errorf("%s: %w", path, ErrSyntax)
	}

	var docs []Doc
	if doc, ok := blockDocstring(root, src); ok {
		docs = append(docs, Doc{
			SymbolName: moduleName(path),
			SymbolType: KindModule,
			Docstring:  doc,
			Line:       1,
		})
	}
	walkPython(root, src, false, &docs)
	return docs, nil
}

func walkPython(n *sitter.Node, src []byte, inClass bool, docs *[]Doc) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == "decorated_definition" {
			if def := child.ChildByFieldName("definition"); def != nil {
				child = def
			}
		}

		switch child.Type() {
		case "function_definition":
			kind := KindFunction
			if inClass {
				kind = KindMethod
			}
			addDef(child, src, kind, docs)
			if body := child.ChildByFieldName("body"); body != nil {
				walkPython(body, src, false, docs)
			}
		case "class_definition":
			addDef(child, src, KindClass, docs)
			if body := child.ChildByFieldName("body"); body != nil {
				walkPython(body, src, true, docs)
			}
		default:
			// Compound statements (if, try, with) may hold definitions.
			walkPython(child, src, inClass, docs)
		}
	}
}

func addDef(def *sitter.Node, src []byte, kind string, docs *[]Doc) {
	name := def.ChildByFieldName("name")
	body := def.ChildByFieldName("body")
	if name == nil || body == nil {
		return
	}
	doc, ok := blockDocstring(body, src)
	if !ok {
		return
	}
	*docs = append(*docs, Doc{
		SymbolName: name.Content(src),
		SymbolType: kind,
		Docstring:  doc,
		Line:       int(def.StartPoint().Row) + 1,
	})
}

// blockDocstring reports the docstring of a module or block: a string literal
// as its first statement.
func blockDocstring(block *sitter.Node, src []byte) (string, bool) {
	var first *sitter.Node
	for i := 0; i < int(block.NamedChildCount()); i++ {
		c := block.NamedChild(i)
		if c.Type() == "comment" {
			continue
		}
		first = c
		break
	}
	if first == nil || first.Type() != "expression_statement" || first.NamedChildCount() == 0 {
		return "", false
	}
	lit := first.NamedChild(0)
	if lit.Type() != "string" {
		return "", false
	}
	doc := cleanDoc(unquote(lit.Content(src)))
	if doc == "" {
		return "", false
	}
	return doc, true
}

// unquote strips the prefix and quote delimiters of a Python string literal.
func unquote(lit string) string {
	lit = strings.TrimLeft(lit, "rRbBuUfF")
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(lit) >= 2*len(q) && strings.HasPrefix(lit, q) && strings.HasSuffix(lit, q) {
			return lit[len(q) : len(lit)-len(q)]
		}
	}
	return lit
}

// cleanDoc removes the common indentation of all lines after the first and
// trims leading and trailing blank lines.
func cleanDoc(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\t", "        "), "\n")
	margin := -1
	for _, l := range lines[1:] {
		trimmed := strings.TrimLeft(l, " ")
		if trimmed == "" {
			continue
		}
		if indent := len(l) - len(trimmed); margin < 0 || indent < margin {
			margin = indent
		}
	}
	lines[0] = strings.TrimSpace(lines[0])
	if margin > 0 {
		for i := 1; i < len(lines); i++ {
			if len(lines[i]) >= margin {
				lines[i] = lines[i][margin:]
			} else {
				lines[i] = strings.TrimLeft(lines[i], " ")
			}
		}
	}
	for i := range lines {
		lines[i] = strings.TrimRight(lines[i], " ")
	}
	for len(lines) > 0 && lines[0] == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return strings.Join(lines, "\n")
}
