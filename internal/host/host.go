// Package host defines the narrow automation contract the pipeline drives.
//
// A concrete binding to a real CAD application (see package solidworks) is an
// adapter implementing Connector, Application and Document. Everything above
// this package talks only to these interfaces.
package host

import "context"

// Save options understood by Document.SaveAs.
const (
	SaveAsCurrentVersion = 0

	SaveAsOptionsSilent = 1
	SaveAsOptionsCopy   = 2
)

// Connector acquires a handle to the host application.
type Connector interface {
	Connect(ctx context.Context) (Application, error)
}

// ConnectorFunc adapts a function to the Connector interface.
type ConnectorFunc func(ctx context.Context) (Application, error)

// Connect calls f(ctx).
func (f ConnectorFunc) Connect(ctx context.Context) (Application, error) {
	return f(ctx)
}

// Application is an exclusively owned handle to the host process.
type Application interface {
	// SetUserControl hands the application to the interactive user.
	SetUserControl(on bool) error
	// SetVisible shows or hides the main window.
	SetVisible(on bool) error
	// Minimize sends the main window to the taskbar.
	Minimize() error
	// OpenDoc opens a part document. A nil Document with a nil error means
	// the host refused the request.
	OpenDoc(path string) (Document, error)
	// CloseDoc closes an open document by its title, releasing its file lock.
	CloseDoc(title string) error
	// RunMacro executes a procedure of a macro file inside the host. It
	// reports whether the host accepted and ran it.
	RunMacro(macroPath, module, procedure string) (bool, error)
	// Release drops the handle.
	Release()
}

// Document is an open part document inside an Application.
type Document interface {
	PathName() (string, error)
	Title() (string, error)
	// SetParameter writes a named dimension in host system units (metres).
	// It returns ErrUnknownDimension when the document has no such dimension.
	SetParameter(name string, systemValue float64) error
	// ForceRebuild recomputes geometry; topOnly skips the full feature tree.
	ForceRebuild(topOnly bool) (bool, error)
	// SaveAs writes the document to an absolute path and returns the host
	// error code, zero on success.
	SaveAs(path string, version, options int) (int, error)
	Release()
}
