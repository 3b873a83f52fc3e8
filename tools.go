//go:build tools
// +build tools

// Package tools pins Go-based tools invoked through go generate (mockgen)
// so go.mod and go.sum track them.
package tools

import (
	_ "go.uber.org/mock/mockgen"
)
