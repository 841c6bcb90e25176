// Package batch drives one part through a list of dimension configurations
// and exports each result.
//
// A batch runs on a single background goroutine. Configurations are processed
// strictly in order against one exclusive host session, and the session is
// closed on every exit path. Progress reaches the caller as a stream of
// Events: per-row progress, free-text log lines, and exactly one completion.
package batch

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"
)

var (
	// ErrInvalidNumericInput marks a dimension value that is not a finite number.
	ErrInvalidNumericInput = errors.New("invalid numeric input")
	// ErrWorkerCrashed is returned when the host worker dies mid-batch.
	ErrWorkerCrashed = errors.New("worker crashed")
	// ErrBatchRunning is returned by Start while another batch is active.
	ErrBatchRunning = errors.New("a batch is already running")
	// ErrNoValidConfigurations is returned when validation rejects every row.
	ErrNoValidConfigurations = errors.New("no valid configurations")
	// ErrEmptyConfiguration marks a row with no dimension values.
	ErrEmptyConfiguration = errors.New("configuration has no dimensions")
	// ErrInvalidFormat is returned for an export format outside the supported set.
	ErrInvalidFormat = errors.New("invalid export format")
	// ErrInvalidFilename marks a filename that would escape the output directory.
	ErrInvalidFilename = errors.New("invalid filename")
	// ErrDuplicateFilename marks a row whose filename collides with an earlier row.
	ErrDuplicateFilename = errors.New("duplicate filename")
	// ErrDuplicateRow marks a row id already used by an earlier row.
	ErrDuplicateRow = errors.New("duplicate row")
	// ErrInvalidRow marks a row id below 1.
	ErrInvalidRow = errors.New("invalid row")
	// ErrInvalidRequest is returned when a batch request fails its checks.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrBatchNotFound is returned by lookups for an unknown batch id.
	ErrBatchNotFound = errors.New("batch not found")
)

// Format is an export file format. Its value doubles as the file extension.
type Format string

const (
	FormatSTEP Format = "step"
	FormatIGES Format = "iges"
	FormatSTL  Format = "stl"
)

// Formats lists the supported export formats.
var Formats = []Format{FormatSTEP, FormatIGES, FormatSTL}

// ParseFormat accepts a format name case-insensitively.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q (want step, iges or stl)", ErrInvalidFormat, s)
}

// GlobalRow is the progress row used for failures that concern the whole
// batch rather than one configuration.
const GlobalRow = -1

// Row statuses shown next to each configuration.
const (
	StatusProcessing     = "Processing..."
	StatusSaved          = "✓ Saved"
	StatusError          = "✗ Error"
	StatusInvalidNumber  = "✗ Invalid Num"
	StatusInvalidName    = "✗ Invalid Name"
	StatusDuplicateName  = "✗ Duplicate Name"
	StatusDuplicateRow   = "✗ Duplicate Row"
	StatusInvalidRow     = "✗ Invalid Row"
	StatusConnectFailed  = "Failed to connect to host."
	StatusOpenFailed     = "Failed to open document."
	StatusWorkerCrashed  = "Worker crashed."
	StatusNotSubmitted   = "-"
	defaultFilenameStem  = "config_"
	originalFilenameStem = "original"
)

// Configuration is one set of dimension overrides exported as its own file.
// Dims values are millimetres.
type Configuration struct {
	Row      int                `json:"row"`
	Filename string             `json:"filename"`
	Dims     map[string]float64 `json:"dims"`
}

func (c Configuration) clone() Configuration {
	c.Dims = maps.Clone(c.Dims)
	return c
}

// Request is a validated batch ready for submission.
type Request struct {
	PartPath       string          `json:"part"`
	OutputRoot     string          `json:"output"`
	Format         Format          `json:"format"`
	Configurations []Configuration `json:"configurations"`
}

// Check reports whether the request can be handed to a worker.
func (r Request) Check() error {
	if strings.TrimSpace(r.PartPath) == "" {
		return fmt.Errorf("%w: part path is required", ErrInvalidRequest)
	}
	if strings.TrimSpace(r.OutputRoot) == "" {
		return fmt.Errorf("%w: output directory is required", ErrInvalidRequest)
	}
	if _, err := ParseFormat(string(r.Format)); err != nil {
		return err
	}
	if len(r.Configurations) == 0 {
		return ErrNoValidConfigurations
	}
	for _, c := range r.Configurations {
		if c.Row < 1 {
			return fmt.Errorf("%w: %w: %d", ErrInvalidRequest, ErrInvalidRow, c.Row)
		}
	}
	return nil
}

func (r Request) clone() Request {
	out := r
	out.Configurations = make([]Configuration, len(r.Configurations))
	for i, c := range r.Configurations {
		out.Configurations[i] = c.clone()
	}
	return out
}

// EventKind distinguishes the three worker messages.
type EventKind string

const (
	EventProgress EventKind = "progress"
	EventLog      EventKind = "log"
	EventDone     EventKind = "done"
)

// Event is one message from the worker to the foreground.
type Event struct {
	BatchID   string    `json:"batchId"`
	Kind      EventKind `json:"kind"`
	Row       int       `json:"row,omitempty"`
	Status    string    `json:"status,omitempty"`
	Line      string    `json:"line,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a file produced by a successful export. Row is zero for the
// unmodified original.
type Artifact struct {
	Row    int    `json:"row"`
	Path   string `json:"path"`
	Format Format `json:"format"`
}

// State is a pipeline state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpening    State = "opening"
	StateReady      State = "ready"
	StatePerConfig  State = "per-config"
	StateClosing    State = "closing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)
