//go:build tools
// +build tools

// Package tools declares Go tool dependencies.
package tools

import (
	_ "github.com/dkorunic/betteralign/cmd/betteralign"
	_ "golang.org/x/lint/golint"
	_ "golang.org/x/tools/cmd/deadcode"
	_ "golang.org/x/tools/cmd/stringer"
	_ "honnef.co/go/tools/cmd/staticcheck"
)
