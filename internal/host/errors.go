package host

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectionFailed is returned when the host application cannot be reached.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrNotFound is returned when a part file does not exist on disk.
	ErrNotFound = errors.New("not found")
	// ErrOpenFailed is returned when the host refuses to open a document.
	ErrOpenFailed = errors.New("open failed")
	// ErrUnknownDimension is returned when a dimension name is not present in the model.
	ErrUnknownDimension = errors.New("unknown dimension")
	// ErrMacroExecutionFailed is returned when the host reports a macro run failure.
	ErrMacroExecutionFailed = errors.New("macro execution failed")
	// ErrMacroTimeout is returned when a macro output file does not appear in time.
	ErrMacroTimeout = errors.New("macro timeout")
	// ErrExportFailed is returned when the host rejects a save; see ExportError.
	ErrExportFailed = errors.New("export failed")
	// ErrNoDocument is returned by document operations before a part is opened.
	ErrNoDocument = errors.New("no document open")
)

// ExportError carries the non-zero code returned by the host for a failed save.
type ExportError struct {
	Path string
	Code int
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("%s: %s: host error code %d", ErrExportFailed, e.Path, e.Code)
}

func (e *ExportError) Unwrap() error {
	return ErrExportFailed
}
