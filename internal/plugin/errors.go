package plugin

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInert is returned by Reload after a scan failure stopped the Session.
var ErrInert = errors.New("session is inert after a scan failure")

// ScanError reports that the watched directory could not be listed.
type ScanError struct {
	Dir string
	Err error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Dir, e.Err)
}

func (e *ScanError) Unwrap() error {
	return e.Err
}

// LoadError reports that a module failed to read, parse or execute.
type LoadError struct {
	Name string
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// NameConflictError reports files whose names differ only in the case of the suffix.
// Only Kept is loaded.
type NameConflictError struct {
	Name    string
	Kept    string
	Ignored []string
}

func (e *NameConflictError) Error() string {
	return fmt.Sprintf("module %s: using %s, ignoring %s", e.Name, e.Kept, strings.Join(e.Ignored, ", "))
}

// ArtifactError reports a failed write or delete of a shadow artifact.
type ArtifactError struct {
	Op   string // "write" or "delete"
	Path string
	Err  error
}

func (e *ArtifactError) Error() string {
	return fmt.Sprintf("%s shadow %s: %v", e.Op, e.Path, e.Err)
}

func (e *ArtifactError) Unwrap() error {
	return e.Err
}
