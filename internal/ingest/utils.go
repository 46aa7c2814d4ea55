package ingest

import (
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/resume-pipeline/constants"
)

// AllowedExt reports whether ext is an accepted document extension.
func AllowedExt(ext string) bool {
	_, ok := constants.AllowedExtensions[constants.NormalizeExt(ext)]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
