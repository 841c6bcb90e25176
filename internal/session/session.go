package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"partbatch/internal/host"
)

// State represents the lifecycle state of a session.
type State string

const (
	StateIdle      State = "idle"
	StateConnected State = "connected"
	StateOpen      State = "open"
	StateClosed    State = "closed"
)

// LogFunc receives free-text log lines meant for the user-facing console.
type LogFunc func(line string)

// Session owns one host application handle and at most one open document.
// The document is valid only while the application handle is.
type Session struct {
	mu        sync.Mutex
	connector host.Connector
	app       host.Application
	doc       host.Document
	state     State
	logf      LogFunc
}

// New creates an idle session. Callers should defer Close immediately so the
// host's file lock is released on every exit path.
func New(connector host.Connector, logf LogFunc) *Session {
	if logf == nil {
		logf = func(string) {}
	}
	return &Session{
		connector: connector,
		state:     StateIdle,
		logf:      logf,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect acquires the host application. The application must be interactive
// and visible for its export translators to load, so it is forced into that
// state and then minimised to stay out of the user's way.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return fmt.Errorf("%w: session is %s", host.ErrConnectionFailed, s.state)
	}

	s.logf("Attempting to connect to host application...")
	app, err := s.connector.Connect(ctx)
	if err != nil {
		s.logf(fmt.Sprintf("ERROR: Connection failure: %v", err))
		return fmt.Errorf("%w: %w", host.ErrConnectionFailed, err)
	}
	if app == nil {
		s.logf("ERROR: Connection failure: host returned no application")
		return fmt.Errorf("%w: no application handle", host.ErrConnectionFailed)
	}

	if err := app.SetUserControl(true); err != nil {
		app.Release()
		s.logf(fmt.Sprintf("ERROR: Connection failure: %v", err))
		return fmt.Errorf("%w: user control: %w", host.ErrConnectionFailed, err)
	}
	if err := app.SetVisible(true); err != nil {
		app.Release()
		s.logf(fmt.Sprintf("ERROR: Connection failure: %v", err))
		return fmt.Errorf("%w: visible: %w", host.ErrConnectionFailed, err)
	}
	// Minimising is cosmetic.
	_ = app.Minimize()

	s.app = app
	s.state = StateConnected
	s.logf("Connected successfully to host application (minimized).")
	return nil
}

// Open opens the part document at path and keeps its handle. A relative path
// is resolved against the working directory before it reaches the host.
func (s *Session) Open(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.app == nil {
		return fmt.Errorf("%w: not connected", host.ErrOpenFailed)
	}
	if s.doc != nil {
		return fmt.Errorf("%w: a document is already open", host.ErrOpenFailed)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", host.ErrOpenFailed, path, err)
	}
	path = abs

	if _, err := os.Stat(path); err != nil {
		s.logf(fmt.Sprintf("ERROR: File does not exist at %s", path))
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", host.ErrNotFound, path)
		}
		return fmt.Errorf("%w: %s: %w", host.ErrNotFound, path, err)
	}

	doc, err := s.app.OpenDoc(path)
	if err != nil {
		s.logf(fmt.Sprintf("ERROR: Exception during open: %v", err))
		return fmt.Errorf("%w: %s: %w", host.ErrOpenFailed, path, err)
	}
	if doc == nil {
		s.logf("ERROR: Open failed. File may be corrupt or already open.")
		return fmt.Errorf("%w: %s", host.ErrOpenFailed, path)
	}

	s.doc = doc
	s.state = StateOpen
	return nil
}

// DocumentPath returns the host's path for the open document.
func (s *Session) DocumentPath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return "", host.ErrNoDocument
	}
	return s.doc.PathName()
}

// RunMacro runs a macro procedure inside the host application.
func (s *Session) RunMacro(macroPath, module, procedure string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.app == nil {
		return false, fmt.Errorf("%w: not connected", host.ErrMacroExecutionFailed)
	}
	return s.app.RunMacro(macroPath, module, procedure)
}

// MillimetersToSystem converts a millimetre value to host system units.
func MillimetersToSystem(mm float64) float64 {
	return mm / 1000.0
}

// Apply writes a dimension value given in millimetres.
func (s *Session) Apply(name string, mm float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return host.ErrNoDocument
	}
	if err := s.doc.SetParameter(name, MillimetersToSystem(mm)); err != nil {
		if errors.Is(err, host.ErrUnknownDimension) {
			return err
		}
		return fmt.Errorf("set %s: %w", name, err)
	}
	return nil
}

// Rebuild forces a top-level-only rebuild so dimension edits reach the
// exported geometry.
func (s *Session) Rebuild() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return host.ErrNoDocument
	}
	ok, err := s.doc.ForceRebuild(true)
	if err != nil {
		return fmt.Errorf("rebuild: %w", err)
	}
	if !ok {
		return errors.New("rebuild: host reported failure")
	}
	return nil
}

// Export saves a copy of the current document state to outputPath and
// returns the absolute path written. The open document stays bound to its
// source path.
func (s *Session) Export(outputPath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc == nil {
		return "", host.ErrNoDocument
	}

	abs, err := filepath.Abs(outputPath)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", host.ErrExportFailed, outputPath, err)
	}

	code, err := s.doc.SaveAs(abs, host.SaveAsCurrentVersion, host.SaveAsOptionsSilent|host.SaveAsOptionsCopy)
	if err != nil {
		s.logf(fmt.Sprintf("  -> Exception during export: %v", err))
		return "", fmt.Errorf("%w: %s: %w", host.ErrExportFailed, abs, err)
	}
	if code != 0 {
		s.logf(fmt.Sprintf("  -> SaveAs failed with error code: %d", code))
		return "", &host.ExportError{Path: abs, Code: code}
	}
	return abs, nil
}

// Close closes the open document by title to release the host's file lock,
// then drops both handles. Errors are swallowed: a document in a bad state
// must not block teardown. Close is safe to call more than once.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return
	}

	if s.app != nil && s.doc != nil {
		func() {
			defer func() { _ = recover() }()
			if title, err := s.doc.Title(); err == nil {
				_ = s.app.CloseDoc(title)
			}
		}()
	}
	if s.doc != nil {
		func() {
			defer func() { _ = recover() }()
			s.doc.Release()
		}()
	}
	if s.app != nil {
		func() {
			defer func() { _ = recover() }()
			s.app.Release()
		}()
	}

	s.doc = nil
	s.app = nil
	s.state = StateClosed
}
