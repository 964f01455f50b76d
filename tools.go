//go:build tools

// Package tools pins developer tooling in go.mod.
package tools

import (
	_ "gotest.tools/gotestsum"
)
