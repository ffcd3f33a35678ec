// Package docparse extracts documentation blocks from MATLAB and Python
// source files.
package docparse

import (
	"path/filepath"
	"strings"
)

// Symbol kinds.
const (
	KindFunction = "function"
	KindMethod   = "method"
	KindClass    = "class"
	KindModule   = "module"
	KindScript   = "script"
)

// Doc is one documented symbol.
type Doc struct {
	SymbolName string
	SymbolType string
	Docstring  string
	Line       int // 1-based
}

// moduleName returns the file name without directory or extension.
func moduleName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
