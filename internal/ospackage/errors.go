package ospackage

import (
	"errors"
	"fmt"
	"strings"
)

// Error taxonomy shared by the resolver, cache, fetcher, installer and manager.
var (
	ErrNotFound                = errors.New("package not found")
	ErrConflictDetected        = errors.New("conflicting package installed")
	ErrDigestMismatch          = errors.New("digest mismatch")
	ErrTransferFailure         = errors.New("transfer failed")
	ErrExtractionFailure       = errors.New("extraction failed")
	ErrResolutionBoundExceeded = errors.New("dependency resolution bound exceeded")
	ErrDependencyCycle         = errors.New("dependency cycle")
	ErrBlockedByDependents     = errors.New("package is required by installed dependents")
)

// BlockedError reports which installed packages still require Package.
type BlockedError struct {
	Package    string
	Dependents []string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("package %s is required by: %s", e.Package, strings.Join(e.Dependents, " "))
}

// Is lets errors.Is(err, ErrBlockedByDependents) match.
func (e *BlockedError) Is(target error) bool {
	return target == ErrBlockedByDependents
}
