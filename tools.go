//go:build tools

// Package tools pins mockgen, run through the //go:generate directives on the
// repository and contract interfaces, as a module dependency.
package ephemeral_lab

import (
	_ "go.uber.org/mock/mockgen"
)
