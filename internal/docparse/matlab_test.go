package docparse

import (
	"strings"
	"testing"
)

func TestParseMATLABFunction(t *testing.T) {
	code := `% This is a test function
% It does something useful
%
% Usage:
%   result = test_func(input)

function result = test_func(input)
    result = input * 2;
end
`
	docs := ParseMATLAB(code, "test_func.m")
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	d := docs[0]
	if d.SymbolName != "test_func" || d.SymbolType != KindFunction {
		t.Errorf("got %s %s, want test_func function", d.SymbolName, d.SymbolType)
	}
	if !strings.Contains(d.Docstring, "This is a test function") || !strings.Contains(d.Docstring, "Usage:") {
		t.Errorf("docstring = %q", d.Docstring)
	}
	if d.Line != 1 {
		t.Errorf("Line = %d, want 1", d.Line)
	}
}

func TestParseMATLABSignatures(t *testing.T) {
	tests := []struct {
		name string
		code string
		want string
	}{
		{"multiple outputs", "% Calculate sum\n\nfunction [s, p] = calc(a, b)\nend\n", "calc"},
		{"no outputs", "% Display a message\n\nfunction display_message(msg)\nend\n", "display_message"},
		{"single output", "% Identity\nfunction y = ident(x)\nend\n", "ident"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := ParseMATLAB(tt.code, "f.m")
			if len(docs) != 1 || docs[0].SymbolName != tt.want {
				t.Errorf("got %+v, want one doc named %s", docs, tt.want)
			}
		})
	}
}

func TestParseMATLABScriptHeader(t *testing.T) {
	code := `% Script to plot data
%
% Requirements:
%   - Statistics Toolbox

data = load('data.mat');
plot(data.x, data.y);
`
	docs := ParseMATLAB(code, "scripts/plot_script.m")
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	d := docs[0]
	if d.SymbolName != "plot_script" || d.SymbolType != KindScript || d.Line != 1 {
		t.Errorf("got %+v", d)
	}
	if !strings.Contains(d.Docstring, "Requirements:") {
		t.Errorf("docstring = %q", d.Docstring)
	}
}

func TestParseMATLABUndocumented(t *testing.T) {
	code := "\nfunction result = simple_func(x)\n    result = x + 1;\nend\n"
	if docs := ParseMATLAB(code, "simple_func.m"); len(docs) != 0 {
		t.Errorf("got %d docs, want 0", len(docs))
	}
	if docs := ParseMATLAB("", "empty.m"); len(docs) != 0 {
		t.Errorf("empty file: got %d docs, want 0", len(docs))
	}
}

func TestParseMATLABMultipleFunctions(t *testing.T) {
	code := `% Main function

function output = main_func(input)
    output = helper_func(input);
end

% Helper function

function result = helper_func(data)
    result = data * 2;
end
`
	docs := ParseMATLAB(code, "multi.m")
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}
	if docs[0].SymbolName != "main_func" || docs[1].SymbolName != "helper_func" {
		t.Errorf("names = %s, %s", docs[0].SymbolName, docs[1].SymbolName)
	}
	if strings.Contains(docs[1].Docstring, "Main") {
		t.Errorf("helper doc leaked main comments: %q", docs[1].Docstring)
	}
}

func TestParseMATLABCommentStyles(t *testing.T) {
	code := `%% This is a function
 % It has various comment styles
  %   Including indented comments

function result = test_comments(x)
    result = x;
end
`
	docs := ParseMATLAB(code, "test_comments.m")
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	first := strings.Split(docs[0].Docstring, "\n")[0]
	if first != "This is a function" {
		t.Errorf("first line = %q", first)
	}
}

func TestParseMATLABBlankCommentLines(t *testing.T) {
	code := "% Process data\n%\n% Args:\n%   input - data\n\nfunction output = process_data(input)\nend\n"
	docs := ParseMATLAB(code, "process_data.m")
	if len(docs) != 1 {
		t.Fatalf("got %d docs, want 1", len(docs))
	}
	if !strings.Contains(docs[0].Docstring, "Process data\n\nArgs:") {
		t.Errorf("docstring = %q", docs[0].Docstring)
	}
}
