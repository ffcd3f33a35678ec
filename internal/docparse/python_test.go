package docparse

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func parsePy(t *testing.T, code string) []Doc {
	t.Helper()
	docs, err := ParsePython(context.Background(), code, "pkg/test.py")
	if err != nil {
		t.Fatalf("ParsePython: %v", err)
	}
	return docs
}

func TestParsePythonModuleDocstring(t *testing.T) {
	docs := parsePy(t, "\"\"\"Module docstring for test file.\"\"\"\n\ndef foo():\n    pass\n")
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	want := Doc{SymbolName: "test", SymbolType: KindModule, Docstring: "Module docstring for test file.", Line: 1}
	if docs[0] != want {
		t.Errorf("got %+v, want %+v", docs[0], want)
	}
}

func TestParsePythonFunctionDocstring(t *testing.T) {
	code := `
def my_function(x, y):
    """Add two numbers.

    Args:
        x: First number
    """
    return x + y
`
	docs := parsePy(t, code)
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	d := docs[0]
	if d.SymbolName != "my_function" || d.SymbolType != KindFunction || d.Line != 2 {
		t.Errorf("got %+v", d)
	}
	if d.Docstring != "Add two numbers.\n\nArgs:\n    x: First number" {
		t.Errorf("docstring = %q", d.Docstring)
	}
}

func TestParsePythonClassAndMethods(t *testing.T) {
	code := `
class Calculator:
    """Calculator class."""

    def add(self, x, y):
        """Add two numbers."""
        return x + y

    @staticmethod
    def subtract(x, y):
        """Subtract y from x."""
        return x - y
`
	docs := parsePy(t, code)
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}
	kinds := map[string]string{}
	for _, d := range docs {
		kinds[d.SymbolName] = d.SymbolType
	}
	want := map[string]string{"Calculator": KindClass, "add": KindMethod, "subtract": KindMethod}
	for name, kind := range want {
		if kinds[name] != kind {
			t.Errorf("%s kind = %q, want %q", name, kinds[name], kind)
		}
	}
}

func TestParsePythonAsyncFunction(t *testing.T) {
	docs := parsePy(t, "async def fetch_data(url):\n    \"\"\"Fetch data asynchronously.\"\"\"\n    pass\n")
	if len(docs) != 1 || docs[0].SymbolName != "fetch_data" || docs[0].SymbolType != KindFunction {
		t.Errorf("got %+v", docs)
	}
}

func TestParsePythonMixed(t *testing.T) {
	code := `
"""Module doc."""

def documented():
    """This has a docstring."""
    pass

def undocumented():
    pass

class DocumentedClass:
    """Class with docstring."""
    pass

class UndocumentedClass:
    pass
`
	docs := parsePy(t, code)
	if len(docs) != 3 {
		t.Fatalf("got %d docs, want 3", len(docs))
	}
	types := map[string]bool{}
	for _, d := range docs {
		types[d.SymbolType] = true
	}
	for _, k := range []string{KindModule, KindFunction, KindClass} {
		if !types[k] {
			t.Errorf("missing %s doc", k)
		}
	}
}

func TestParsePythonNestedFunctions(t *testing.T) {
	code := `
def outer():
    """Outer function."""

    def inner():
        """Inner function."""
        pass

    return inner
`
	docs := parsePy(t, code)
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[1].SymbolName != "inner" || docs[1].SymbolType != KindFunction {
		t.Errorf("nested doc = %+v", docs[1])
	}
}

func TestParsePythonNoDocstrings(t *testing.T) {
	if docs := parsePy(t, "def foo():\n    pass\n\nclass Bar:\n    pass\n"); len(docs) != 0 {
		t.Errorf("got %d docs, want 0", len(docs))
	}
}

func TestParsePythonSyntaxError(t *testing.T) {
	code := "\ndef invalid syntax here:\n    \"\"\"This won't parse.\"\"\"\n    pass\n"
	_, err := ParsePython(context.Background(), code, "test.py")
	if !errors.Is(err, ErrSyntax) {
		t.Errorf("err = %v, want ErrSyntax", err)
	}
}

func TestCleanDoc(t *testing.T) {
	got := cleanDoc("\n    First.\n\n    Indented\n        more\n    ")
	if want := "First.\n\nIndented\n    more"; got != want {
		t.Errorf("cleanDoc = %q, want %q", got, want)
	}
	if got := unquote(`r'''raw'''`); got != "raw" {
		t.Errorf("unquote = %q", got)
	}
	if !strings.HasPrefix(unquote(`"x"`), "x") {
		t.Error("unquote single quotes")
	}
}
