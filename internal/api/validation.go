package api

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/baysandbox/bay/internal/bayerr"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// parseListLimit validates the limit query parameter against spec.md
// section 6.1's limit ∈ [1,200] constraint.
func parseListLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, bayerr.Newf(bayerr.CodeValidation, "limit must be an integer, got %q", raw)
	}
	if n < 1 || n > maxListLimit {
		return 0, bayerr.Newf(bayerr.CodeValidation, "limit must be between 1 and %d, got %d", maxListLimit, n)
	}
	return n, nil
}

// validateRuntimePath rejects paths that escape the runtime's workspace
// mount; actual containment is enforced by the runtime itself (spec.md
// section 8's Path containment property), this is a cheap early rejection.
func validateRuntimePath(path string) error {
	if path == "" {
		return bayerr.New(bayerr.CodeValidation, "path is required")
	}
	if strings.Contains(path, "\x00") {
		return bayerr.New(bayerr.CodeValidation, "path contains a null byte")
	}
	cleaned := filepath.Clean(path)
	if strings.HasPrefix(cleaned, "..") || strings.Contains(cleaned, "/../") {
		return bayerr.New(bayerr.CodeValidation, "path must not escape the workspace")
	}
	return nil
}
