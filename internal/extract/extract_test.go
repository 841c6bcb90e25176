package extract

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partbatch/internal/host"
	"partbatch/internal/host/hostfake"
)

type fixture struct {
	opts Options
	part string
	doc  *hostfake.Doc
	conn *hostfake.Connector
}

func newFixture(t *testing.T, dims ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	macro := filepath.Join(dir, DefaultMacroFile)
	require.NoError(t, os.WriteFile(macro, []byte("macro"), 0o644))
	part := filepath.Join(dir, "bracket.SLDPRT")
	require.NoError(t, os.WriteFile(part, []byte("part"), 0o644))

	doc := hostfake.NewDoc(part, dims...)
	return &fixture{
		opts: Options{
			IPCDir:       filepath.Join(dir, "ipc"),
			MacroPath:    macro,
			PollInterval: 10 * time.Millisecond,
			Timeout:      300 * time.Millisecond,
		},
		part: part,
		doc:  doc,
		conn: &hostfake.Connector{App: hostfake.NewApp(doc)},
	}
}

func (f *fixture) resolved() Options {
	return New(f.opts, nil).Options()
}

func TestCatalog_ReturnsSortedDimensions(t *testing.T) {
	f := newFixture(t, "D2@Boss-Extrude1", "D1@Sketch1")
	opts := f.resolved()
	f.conn.App.Macro = hostfake.DimensionMacro(opts.TargetFile, opts.OutputFile, 30*time.Millisecond)

	var lines []string
	dims, err := Catalog(context.Background(), f.conn, f.part, f.opts, func(l string) { lines = append(lines, l) })
	require.NoError(t, err)
	assert.Equal(t, []string{"D1@Sketch1", "D2@Boss-Extrude1"}, dims)

	target, err := os.ReadFile(opts.TargetFile)
	require.NoError(t, err)
	assert.Equal(t, f.part, string(target))

	assert.Equal(t, []string{"GetDimensions1.main"}, f.conn.App.Macros())
	assert.Equal(t, 1, f.conn.App.Released())
	assert.Equal(t, []string{"bracket.SLDPRT"}, f.conn.App.ClosedTitles())
	assert.Contains(t, strings.Join(lines, "\n"), "Successfully extracted 2 unique dimensions.")
}

func TestExtract_DeduplicatesAndSkipsBlanks(t *testing.T) {
	f := newFixture(t)
	opts := f.resolved()
	f.conn.App.Macro = hostfake.RawMacro(opts.OutputFile, "D2\n\n  D1  \nD2\r\n\n")

	dims, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"D1", "D2"}, dims)
}

func TestExtract_ClearsStaleOutput(t *testing.T) {
	f := newFixture(t)
	opts := f.resolved()
	require.NoError(t, os.MkdirAll(opts.IPCDir, 0o755))
	require.NoError(t, os.WriteFile(opts.OutputFile, []byte("STALE\n"), 0o644))
	require.NoError(t, os.WriteFile(opts.TargetFile, []byte("/old/part.SLDPRT"), 0o644))

	// The macro succeeds but never writes, so only a stale read could succeed.
	f.conn.App.Macro = func(*hostfake.App, string, string, string) (bool, error) { return true, nil }

	dims, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.ErrorIs(t, err, host.ErrMacroTimeout)
	assert.Empty(t, dims)
	assert.NotNil(t, dims)
}

func TestExtract_WaitsForOutputToSettle(t *testing.T) {
	f := newFixture(t)
	f.opts.PollInterval = 100 * time.Millisecond
	f.opts.Timeout = 2 * time.Second
	opts := f.resolved()

	// First half lands before the wait starts, the rest well inside one interval.
	f.conn.App.Macro = func(*hostfake.App, string, string, string) (bool, error) {
		if err := os.WriteFile(opts.OutputFile, []byte("D1\n"), 0o644); err != nil {
			return false, err
		}
		go func() {
			time.Sleep(20 * time.Millisecond)
			fh, err := os.OpenFile(opts.OutputFile, os.O_APPEND|os.O_WRONLY, 0o644)
			if err != nil {
				return
			}
			_, _ = fh.WriteString("D2\n")
			_ = fh.Close()
		}()
		return true, nil
	}

	dims, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"D1", "D2"}, dims)
}

func TestExtract_TimeoutIsBounded(t *testing.T) {
	f := newFixture(t, "D1")
	f.conn.App.Macro = func(*hostfake.App, string, string, string) (bool, error) { return true, nil }

	start := time.Now()
	dims, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.ErrorIs(t, err, host.ErrMacroTimeout)
	assert.Empty(t, dims)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, 1, f.conn.App.Released())
}

func TestExtract_MacroReportsFailure(t *testing.T) {
	f := newFixture(t, "D1")
	f.conn.App.Macro = func(*hostfake.App, string, string, string) (bool, error) { return false, nil }

	_, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.ErrorIs(t, err, host.ErrMacroExecutionFailed)
}

func TestExtract_MacroError(t *testing.T) {
	f := newFixture(t, "D1")
	f.conn.App.Macro = func(*hostfake.App, string, string, string) (bool, error) {
		return false, errors.New("type mismatch")
	}

	_, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.ErrorIs(t, err, host.ErrMacroExecutionFailed)
}

func TestExtract_MacroFileMissing(t *testing.T) {
	f := newFixture(t, "D1")
	f.opts.MacroPath = filepath.Join(t.TempDir(), "nope.swp")

	_, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.ErrorIs(t, err, host.ErrMacroExecutionFailed)
	assert.Empty(t, f.conn.App.Macros())
}

func TestCatalog_OpenFailureStillCloses(t *testing.T) {
	f := newFixture(t, "D1")
	f.conn.App.RejectOpen = true

	_, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.ErrorIs(t, err, host.ErrOpenFailed)
	assert.Equal(t, 1, f.conn.App.Released())
	assert.Empty(t, f.conn.App.Macros())
}

func TestCatalog_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.conn.Err = errors.New("not installed")

	_, err := Catalog(context.Background(), f.conn, f.part, f.opts, nil)
	require.ErrorIs(t, err, host.ErrConnectionFailed)
}

func TestParseNames(t *testing.T) {
	got, err := ParseNames(strings.NewReader("b\na\n\nb\n c \n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestNew_Defaults(t *testing.T) {
	opts := New(Options{IPCDir: "/ipc"}, nil).Options()
	assert.Equal(t, filepath.Join("/ipc", DefaultTargetFile), opts.TargetFile)
	assert.Equal(t, filepath.Join("/ipc", DefaultOutputFile), opts.OutputFile)
	assert.Equal(t, DefaultModule, opts.Module)
	assert.Equal(t, DefaultProcedure, opts.Procedure)
	assert.Equal(t, DefaultMacroFile, filepath.Base(opts.MacroPath))
}

func TestOptions_LogValue(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	opts := New(Options{IPCDir: "/ipc", MacroPath: "/m/GetDimensions.swp", Timeout: 2 * time.Second}, nil).Options()

	logger.Info("ready", "extract", opts)
	out := buf.String()
	assert.Contains(t, out, "extract.macro=/m/GetDimensions.swp")
	assert.Contains(t, out, "extract.entry=GetDimensions1.main")
	assert.Contains(t, out, "extract.output="+filepath.Join("/ipc", DefaultOutputFile))
	assert.Contains(t, out, "extract.timeout=2s")
}
