package batch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partbatch/internal/host"
	"partbatch/internal/host/hostfake"
)

type fixture struct {
	part string
	out  string
	doc  *hostfake.Doc
	conn *hostfake.Connector
}

func newFixture(t *testing.T, dims ...string) *fixture {
	t.Helper()
	dir := t.TempDir()
	part := filepath.Join(dir, "bracket.SLDPRT")
	require.NoError(t, os.WriteFile(part, []byte("part"), 0o644))
	doc := hostfake.NewDoc(part, dims...)
	return &fixture{
		part: part,
		out:  filepath.Join(dir, "out"),
		doc:  doc,
		conn: &hostfake.Connector{App: hostfake.NewApp(doc)},
	}
}

func (f *fixture) request(cfgs ...Configuration) Request {
	return Request{
		PartPath:       f.part,
		OutputRoot:     f.out,
		Format:         FormatSTEP,
		Configurations: cfgs,
	}
}

func runPipeline(t *testing.T, p *Pipeline, req Request) (Result, []Event) {
	t.Helper()
	events, results := p.Start(context.Background(), "test-batch", req)
	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	return <-results, got
}

func progressOf(events []Event, row int) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventProgress && ev.Row == row {
			out = append(out, ev.Status)
		}
	}
	return out
}

func logLines(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Kind == EventLog {
			out = append(out, ev.Line)
		}
	}
	return out
}

func requireSingleDoneLast(t *testing.T, events []Event) {
	t.Helper()
	require.NotEmpty(t, events)
	done := 0
	for _, ev := range events {
		if ev.Kind == EventDone {
			done++
		}
		assert.Equal(t, "test-batch", ev.BatchID)
	}
	assert.Equal(t, 1, done)
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(_ string, s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func TestPipeline_ExportsEveryConfiguration(t *testing.T) {
	f := newFixture(t, "D1@Sketch1", "D2@Boss-Extrude1")
	states := &stateRecorder{}
	p := &Pipeline{Connector: f.conn, OnState: states.record}

	res, events := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1@Sketch1": 10, "D2@Boss-Extrude1": 25}},
		Configuration{Row: 2, Filename: "B", Dims: map[string]float64{"D1@Sketch1": 12.5}},
	))

	require.NoError(t, res.Failures())
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []State{StateConnecting, StateOpening, StateReady, StatePerConfig, StateClosing, StateDone}, states.states)

	dir := filepath.Join(f.out, "bracket_batch_exports")
	require.NotNil(t, res.Original)
	assert.Equal(t, filepath.Join(dir, "bracket_original.step"), res.Original.Path)
	require.Len(t, res.Artifacts, 2)
	assert.Equal(t, Artifact{Row: 1, Path: filepath.Join(dir, "bracket_A.step"), Format: FormatSTEP}, res.Artifacts[0])
	assert.Equal(t, Artifact{Row: 2, Path: filepath.Join(dir, "bracket_B.step"), Format: FormatSTEP}, res.Artifacts[1])

	original, err := os.ReadFile(res.Original.Path)
	require.NoError(t, err)
	assert.Equal(t, "D1@Sketch1=0\nD2@Boss-Extrude1=0\n", string(original))

	a, err := os.ReadFile(res.Artifacts[0].Path)
	require.NoError(t, err)
	assert.Equal(t, "D1@Sketch1=0.01\nD2@Boss-Extrude1=0.025\n", string(a))

	b, err := os.ReadFile(res.Artifacts[1].Path)
	require.NoError(t, err)
	assert.Equal(t, "D1@Sketch1=0.0125\nD2@Boss-Extrude1=0.025\n", string(b))

	saves := f.doc.Saves()
	require.Len(t, saves, 3)
	assert.Equal(t, res.Original.Path, saves[0].Path, "original is exported first")
	for _, s := range saves {
		assert.Equal(t, host.SaveAsCurrentVersion, s.Version)
		assert.Equal(t, host.SaveAsOptionsSilent|host.SaveAsOptionsCopy, s.Options)
	}
	assert.Equal(t, 2, f.doc.Rebuilds())

	assert.Equal(t, []string{StatusProcessing, StatusSaved}, progressOf(events, 1))
	assert.Equal(t, []string{StatusProcessing, StatusSaved}, progressOf(events, 2))
	assert.Empty(t, progressOf(events, GlobalRow))
	requireSingleDoneLast(t, events)

	assert.Equal(t, []string{"bracket.SLDPRT"}, f.conn.App.ClosedTitles())
	assert.Equal(t, 1, f.conn.App.Released())
}

func TestPipeline_AppliesValuesInNameOrder(t *testing.T) {
	f := newFixture(t, "C", "A", "B")
	p := &Pipeline{Connector: f.conn}

	_, _ = runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "x", Dims: map[string]float64{"C": 3, "A": 1, "B": 2}},
	))

	sets := f.doc.Sets()
	require.Len(t, sets, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{sets[0].Name, sets[1].Name, sets[2].Name})
}

func TestPipeline_ExportFailureIsIsolated(t *testing.T) {
	f := newFixture(t, "D1")
	f.doc.SaveCodes = map[string]int{"bracket_A.step": 256}
	p := &Pipeline{Connector: f.conn}

	res, events := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10}},
		Configuration{Row: 2, Filename: "B", Dims: map[string]float64{"D1": 20}},
	))

	assert.Equal(t, []string{StatusProcessing, StatusError}, progressOf(events, 1))
	assert.Equal(t, []string{StatusProcessing, StatusSaved}, progressOf(events, 2))

	require.Contains(t, res.Failed, 1)
	var exportErr *host.ExportError
	require.ErrorAs(t, res.Failed[1], &exportErr)
	assert.Equal(t, 256, exportErr.Code)
	assert.ErrorIs(t, res.Failed[1], host.ErrExportFailed)

	require.Len(t, res.Artifacts, 1)
	assert.Equal(t, 2, res.Artifacts[0].Row)
	assert.NoFileExists(t, ConfigPath(f.out, f.part, "A", FormatSTEP))
	assert.FileExists(t, ConfigPath(f.out, f.part, "B", FormatSTEP))

	assert.ErrorIs(t, res.Failures(), host.ErrExportFailed)
	assert.Equal(t, StateDone, res.State)
	requireSingleDoneLast(t, events)
	assert.Len(t, f.conn.App.ClosedTitles(), 1)
}

func TestPipeline_UnknownDimensionSkipsExport(t *testing.T) {
	f := newFixture(t, "D1")
	p := &Pipeline{Connector: f.conn}

	res, events := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10, "Missing": 3}},
		Configuration{Row: 2, Filename: "B", Dims: map[string]float64{"D1": 20}},
	))

	assert.Equal(t, []string{StatusProcessing, StatusError}, progressOf(events, 1))
	assert.Equal(t, []string{StatusProcessing, StatusSaved}, progressOf(events, 2))
	assert.ErrorIs(t, res.Failed[1], host.ErrUnknownDimension)
	assert.NoFileExists(t, ConfigPath(f.out, f.part, "A", FormatSTEP))

	for _, s := range f.doc.Saves() {
		assert.NotEqual(t, "bracket_A.step", filepath.Base(s.Path))
	}
}

func TestPipeline_HostRejectsValue(t *testing.T) {
	f := newFixture(t, "D1")
	f.doc.SetErr = map[string]error{"D1": errors.New("value out of range")}
	p := &Pipeline{Connector: f.conn}

	res, events := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": -5}},
	))

	assert.Equal(t, []string{StatusProcessing, StatusError}, progressOf(events, 1))
	require.Contains(t, res.Failed, 1)
	assert.NotErrorIs(t, res.Failed[1], host.ErrUnknownDimension)
	assert.Equal(t, StateDone, res.State)
}

func TestPipeline_RebuildFailureStillExports(t *testing.T) {
	f := newFixture(t, "D1")
	f.doc.RebuildFail = true
	p := &Pipeline{Connector: f.conn}

	res, events := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10}},
	))

	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{StatusProcessing, StatusSaved}, progressOf(events, 1))

	var warned bool
	for _, line := range logLines(events) {
		if strings.HasPrefix(line, "WARNING: rebuild") {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestPipeline_ConnectFailure(t *testing.T) {
	f := newFixture(t, "D1")
	f.conn.Err = errors.New("class not registered")
	states := &stateRecorder{}
	p := &Pipeline{Connector: f.conn, OnState: states.record}

	res, events := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10}},
	))

	assert.ErrorIs(t, res.Err, host.ErrConnectionFailed)
	assert.True(t, IsFatal(res.Err))
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, []State{StateConnecting, StateFailed}, states.states)
	assert.Equal(t, []string{StatusConnectFailed}, progressOf(events, GlobalRow))
	assert.Empty(t, progressOf(events, 1))
	assert.NoDirExists(t, ExportDir(f.out, f.part))
	requireSingleDoneLast(t, events)
}

func TestPipeline_OpenFailureCreatesNothing(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  error
	}{
		{"host rejects", func(f *fixture) { f.conn.App.RejectOpen = true }, host.ErrOpenFailed},
		{"host errors", func(f *fixture) { f.conn.App.OpenErr = errors.New("locked") }, host.ErrOpenFailed},
		{"missing file", func(f *fixture) { require.NoError(t, os.Remove(f.part)) }, host.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, "D1")
			tt.setup(f)
			p := &Pipeline{Connector: f.conn}

			res, events := runPipeline(t, p, f.request(
				Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10}},
			))

			assert.ErrorIs(t, res.Err, tt.want)
			assert.Equal(t, StateFailed, res.State)
			assert.Equal(t, []string{StatusOpenFailed}, progressOf(events, GlobalRow))
			assert.Empty(t, progressOf(events, 1))
			assert.NoDirExists(t, ExportDir(f.out, f.part))
			assert.Empty(t, f.doc.Saves())
			assert.Nil(t, res.Original)
			requireSingleDoneLast(t, events)

			assert.Empty(t, f.conn.App.ClosedTitles(), "no document to close")
			assert.Equal(t, 1, f.conn.App.Released())
		})
	}
}

func TestPipeline_CrashStillClosesAndCompletes(t *testing.T) {
	f := newFixture(t, "D1", "D2")
	f.doc.PanicOn = "D2"
	p := &Pipeline{Connector: f.conn}

	res, events := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10}},
		Configuration{Row: 2, Filename: "B", Dims: map[string]float64{"D2": 10}},
		Configuration{Row: 3, Filename: "C", Dims: map[string]float64{"D1": 30}},
	))

	assert.True(t, res.Crashed)
	assert.ErrorIs(t, res.Err, ErrWorkerCrashed)
	assert.Equal(t, []string{StatusProcessing, StatusSaved}, progressOf(events, 1))
	assert.Equal(t, []string{StatusProcessing}, progressOf(events, 2))
	assert.Empty(t, progressOf(events, 3), "remaining rows are abandoned")
	assert.Equal(t, []string{StatusWorkerCrashed}, progressOf(events, GlobalRow))
	requireSingleDoneLast(t, events)

	assert.Equal(t, []string{"bracket.SLDPRT"}, f.conn.App.ClosedTitles())
	assert.Equal(t, 1, f.conn.App.Released())
}

func TestPipeline_InvalidRequest(t *testing.T) {
	f := newFixture(t, "D1")
	p := &Pipeline{Connector: f.conn}

	req := f.request(Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10}})
	req.Format = "obj"
	res, events := runPipeline(t, p, req)

	assert.ErrorIs(t, res.Err, ErrInvalidFormat)
	assert.Equal(t, StateFailed, res.State)
	assert.Zero(t, f.conn.Connects())
	requireSingleDoneLast(t, events)
}

func TestPipeline_RequestIsCopied(t *testing.T) {
	f := newFixture(t, "D1")
	p := &Pipeline{Connector: f.conn}

	dims := map[string]float64{"D1": 10}
	req := f.request(Configuration{Row: 1, Filename: "A", Dims: dims})
	events, results := p.Start(context.Background(), "test-batch", req)
	dims["D1"] = 99
	for range events {
	}
	<-results

	sets := f.doc.Sets()
	require.Len(t, sets, 1)
	assert.InDelta(t, 0.010, sets[0].Value, 1e-12)
}

type recordingPublisher struct {
	mu        sync.Mutex
	artifacts []Artifact
	err       error
}

func (r *recordingPublisher) Publish(_ context.Context, _ string, a Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.artifacts = append(r.artifacts, a)
	return r.err
}

func TestPipeline_PublishesArtifacts(t *testing.T) {
	f := newFixture(t, "D1")
	pub := &recordingPublisher{}
	p := &Pipeline{Connector: f.conn, Publisher: pub}

	res, _ := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10}},
	))

	require.Len(t, pub.artifacts, 2)
	assert.Equal(t, *res.Original, pub.artifacts[0])
	assert.Equal(t, res.Artifacts[0], pub.artifacts[1])
}

func TestPipeline_PublishFailureKeepsStatus(t *testing.T) {
	f := newFixture(t, "D1")
	pub := &recordingPublisher{err: errors.New("bucket unreachable")}
	p := &Pipeline{Connector: f.conn, Publisher: pub}

	res, events := runPipeline(t, p, f.request(
		Configuration{Row: 1, Filename: "A", Dims: map[string]float64{"D1": 10}},
	))

	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{StatusProcessing, StatusSaved}, progressOf(events, 1))
}
