//go:build tools

// Package tools pins build-time tool dependencies.
package tools

import (
	_ "sigs.k8s.io/controller-tools/cmd/controller-gen"
)
