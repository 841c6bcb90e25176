// Package extract enumerates the named dimensions of an open document.
//
// The host's automation interface cannot list dimensions reliably, so the
// work is delegated to a macro running inside the host. The two sides talk
// through two well-known files: a target file naming the document to inspect
// and an output file the macro fills with one dimension name per line.
// Extract treats the exchange as a synchronous call bounded by a timeout.
package extract

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"partbatch/internal/host"
	"partbatch/internal/session"
	"partbatch/internal/watcher"
)

const (
	DefaultTargetFile = "sw_target_file.txt"
	DefaultOutputFile = "sw_dimensions.txt"
	DefaultMacroFile  = "GetDimensions.swp"
	DefaultModule     = "GetDimensions1"
	DefaultProcedure  = "main"
)

// DefaultIPCDir is the directory the bundled macro reads and writes.
func DefaultIPCDir() string {
	if runtime.GOOS == "windows" {
		return `C:\temp`
	}
	return filepath.Join(os.TempDir(), "partbatch")
}

// Target is what the extractor needs from an open session.
type Target interface {
	DocumentPath() (string, error)
	RunMacro(macroPath, module, procedure string) (bool, error)
}

// Options configures an Extractor. Zero fields take the defaults above.
type Options struct {
	IPCDir       string
	TargetFile   string
	OutputFile   string
	MacroPath    string
	Module       string
	Procedure    string
	PollInterval time.Duration
	Timeout      time.Duration
}

// LogValue groups the hand-off settings for structured logs.
func (o Options) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("macro", o.MacroPath),
		slog.String("entry", o.Module+"."+o.Procedure),
		slog.String("target", o.TargetFile),
		slog.String("output", o.OutputFile),
		slog.Duration("timeout", o.Timeout),
	)
}

// Extractor runs the dimension macro hand-off.
type Extractor struct {
	opts Options
	logf session.LogFunc
}

// New creates an Extractor. logf receives progress lines and may be nil.
func New(opts Options, logf session.LogFunc) *Extractor {
	if opts.IPCDir == "" {
		opts.IPCDir = DefaultIPCDir()
	}
	if opts.TargetFile == "" {
		opts.TargetFile = filepath.Join(opts.IPCDir, DefaultTargetFile)
	}
	if opts.OutputFile == "" {
		opts.OutputFile = filepath.Join(opts.IPCDir, DefaultOutputFile)
	}
	if opts.MacroPath == "" {
		opts.MacroPath = defaultMacroPath()
	}
	if opts.Module == "" {
		opts.Module = DefaultModule
	}
	if opts.Procedure == "" {
		opts.Procedure = DefaultProcedure
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = watcher.DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = watcher.DefaultTimeout
	}
	if logf == nil {
		logf = func(string) {}
	}
	return &Extractor{opts: opts, logf: logf}
}

// Options returns the resolved options.
func (e *Extractor) Options() Options {
	return e.opts
}

// defaultMacroPath looks for the macro next to the executable.
func defaultMacroPath() string {
	exe, err := os.Executable()
	if err != nil {
		return DefaultMacroFile
	}
	return filepath.Join(filepath.Dir(exe), DefaultMacroFile)
}

// Extract returns the sorted, de-duplicated dimension names of the target's
// open document. On failure the returned slice is empty.
func (e *Extractor) Extract(ctx context.Context, t Target) ([]string, error) {
	if _, err := os.Stat(e.opts.MacroPath); err != nil {
		e.logf(fmt.Sprintf("ERROR: Macro not found at %s", e.opts.MacroPath))
		return []string{}, fmt.Errorf("%w: macro not found at %s", host.ErrMacroExecutionFailed, e.opts.MacroPath)
	}

	e.logf(fmt.Sprintf("Executing %s to extract dimensions natively...", filepath.Base(e.opts.MacroPath)))

	if err := os.MkdirAll(filepath.Dir(e.opts.OutputFile), 0o755); err != nil {
		return []string{}, fmt.Errorf("create ipc dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(e.opts.TargetFile), 0o755); err != nil {
		return []string{}, fmt.Errorf("create ipc dir: %w", err)
	}
	// Stale files would hand back the previous document's dimensions.
	if err := watcher.RemoveStale(e.opts.OutputFile, e.opts.TargetFile); err != nil {
		e.logf(fmt.Sprintf("ERROR: Failed to clear stale files: %v", err))
		return []string{}, fmt.Errorf("clear stale ipc files: %w", err)
	}

	docPath, err := t.DocumentPath()
	if err != nil {
		e.logf(fmt.Sprintf("ERROR: Failed to read document path: %v", err))
		return []string{}, fmt.Errorf("document path: %w", err)
	}
	if err := os.WriteFile(e.opts.TargetFile, []byte(docPath), 0o644); err != nil {
		e.logf(fmt.Sprintf("ERROR: Failed to write target file: %v", err))
		return []string{}, fmt.Errorf("write target file: %w", err)
	}

	ok, err := t.RunMacro(e.opts.MacroPath, e.opts.Module, e.opts.Procedure)
	if err != nil {
		e.logf(fmt.Sprintf("ERROR: Exception running macro: %v", err))
		return []string{}, fmt.Errorf("%w: %w", host.ErrMacroExecutionFailed, err)
	}
	if !ok {
		e.logf("ERROR: Macro failed to run.")
		return []string{}, fmt.Errorf("%w: %s.%s", host.ErrMacroExecutionFailed, e.opts.Module, e.opts.Procedure)
	}

	err = watcher.WaitForFile(ctx, e.opts.OutputFile, watcher.Options{
		Interval: e.opts.PollInterval,
		Timeout:  e.opts.Timeout,
		Settle:   true,
	})
	if err != nil {
		if errors.Is(err, watcher.ErrTimeout) {
			e.logf(fmt.Sprintf("ERROR: Macro ran but %s was not created.", filepath.Base(e.opts.OutputFile)))
			return []string{}, fmt.Errorf("%w: %s after %s", host.ErrMacroTimeout, e.opts.OutputFile, e.opts.Timeout)
		}
		return []string{}, err
	}

	dims, err := e.readOutput()
	if err != nil {
		e.logf(fmt.Sprintf("ERROR: Failed to read output file: %v", err))
		return []string{}, err
	}
	e.logf(fmt.Sprintf("Successfully extracted %d unique dimensions.", len(dims)))
	return dims, nil
}

func (e *Extractor) readOutput() ([]string, error) {
	f, err := os.Open(e.opts.OutputFile)
	if err != nil {
		return []string{}, fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	dims, err := ParseNames(f)
	if err != nil {
		return []string{}, fmt.Errorf("read output file: %w", err)
	}
	for _, d := range dims {
		e.logf(fmt.Sprintf("  -> Found dimension: %s", d))
	}
	return dims, nil
}

// ParseNames reads one name per line, ignoring blank lines, and returns the
// distinct names sorted.
func ParseNames(r io.Reader) ([]string, error) {
	seen := make(map[string]struct{})
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		name := strings.TrimSpace(scanner.Text())
		if name == "" {
			continue
		}
		seen[name] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return []string{}, err
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Catalog runs extraction as its own short-lived session: connect, open
// path, extract, close. The session is closed on every path.
func Catalog(ctx context.Context, connector host.Connector, path string, opts Options, logf session.LogFunc) ([]string, error) {
	if logf == nil {
		logf = func(string) {}
	}
	s := session.New(connector, logf)
	defer s.Close()

	logf(fmt.Sprintf("Connecting to host to load part: %s", path))
	if err := s.Connect(ctx); err != nil {
		return []string{}, err
	}
	if err := s.Open(path); err != nil {
		return []string{}, err
	}

	logf("Part loaded successfully. Extracting dimensions...")
	dims, err := New(opts, logf).Extract(ctx, s)
	if err != nil {
		return dims, err
	}
	logf(fmt.Sprintf("Extracted %d dimensions.", len(dims)))
	return dims, nil
}
