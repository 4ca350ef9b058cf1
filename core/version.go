package core

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var versionContent string

// GetVersion returns the current version of the execution core
func GetVersion() string {
	return strings.TrimSpace(versionContent)
}