package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"

	"partbatch/internal/host"
	"partbatch/internal/session"
)

// Publisher receives every artifact after it has been written locally.
type Publisher interface {
	Publish(ctx context.Context, batchID string, a Artifact) error
}

// Pipeline runs batches against a host.
type Pipeline struct {
	Connector host.Connector
	// Publisher is optional.
	Publisher Publisher
	// Logger receives operational logs; nil uses slog.Default().
	Logger *slog.Logger
	// OnState, if set, observes every state transition.
	OnState func(batchID string, s State)
}

// Result summarises a finished batch.
type Result struct {
	BatchID   string
	State     State
	Original  *Artifact
	Artifacts []Artifact
	// Failed maps a row to the error that failed it.
	Failed map[int]error
	// Err is the fatal error for a batch that never reached Ready, or
	// ErrWorkerCrashed.
	Err     error
	Crashed bool
}

// Failures aggregates every row failure and the fatal error, if any.
func (r Result) Failures() error {
	var merr *multierror.Error
	if r.Err != nil {
		merr = multierror.Append(merr, r.Err)
	}
	rows := make([]int, 0, len(r.Failed))
	for row := range r.Failed {
		rows = append(rows, row)
	}
	sort.Ints(rows)
	for _, row := range rows {
		merr = multierror.Append(merr, fmt.Errorf("row %d: %w", row, r.Failed[row]))
	}
	return merr.ErrorOrNil()
}

type emitter struct {
	batchID string
	out     chan<- Event
}

func (e *emitter) send(ev Event) {
	ev.BatchID = e.batchID
	ev.Timestamp = time.Now().UTC()
	e.out <- ev
}

func (e *emitter) progress(row int, status string) {
	e.send(Event{Kind: EventProgress, Row: row, Status: status})
}

func (e *emitter) log(line string) {
	e.send(Event{Kind: EventLog, Line: line})
}

func (e *emitter) done() {
	e.send(Event{Kind: EventDone})
}

// Run executes req synchronously, sending every event to out. Exactly one
// EventDone is sent, last. Run does not close out.
//
// The host session is closed before EventDone on every path: normal
// completion, connect or open failure, and a panic anywhere in the batch.
func (p *Pipeline) Run(ctx context.Context, batchID string, req Request, out chan<- Event) (res Result) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("batch", batchID)

	em := &emitter{batchID: batchID, out: out}
	res = Result{BatchID: batchID, State: StateIdle, Failed: make(map[int]error)}
	req = req.clone()

	setState := func(s State) {
		res.State = s
		logger.Debug("batch state", "state", s)
		if p.OnState != nil {
			p.OnState(batchID, s)
		}
	}

	defer em.done()

	em.log("Initializing host session...")
	s := session.New(p.Connector, em.log)
	defer func() {
		if res.State != StateFailed {
			setState(StateClosing)
		}
		s.Close()
		if res.State != StateFailed {
			setState(StateDone)
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch worker crashed", "panic", r)
			em.log(fmt.Sprintf("FATAL THREAD ERROR: %v", r))
			em.progress(GlobalRow, StatusWorkerCrashed)
			res.Crashed = true
			res.Err = fmt.Errorf("%w: %v", ErrWorkerCrashed, r)
		}
	}()

	if err := req.Check(); err != nil {
		em.log(fmt.Sprintf("ERROR: %v", err))
		em.progress(GlobalRow, err.Error())
		res.Err = err
		setState(StateFailed)
		return res
	}

	setState(StateConnecting)
	if err := s.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
		em.progress(GlobalRow, StatusConnectFailed)
		res.Err = err
		setState(StateFailed)
		return res
	}

	setState(StateOpening)
	em.log(fmt.Sprintf("Opening document: %s", req.PartPath))
	if err := s.Open(req.PartPath); err != nil {
		logger.Error("open failed", "path", req.PartPath, "error", err)
		em.progress(GlobalRow, StatusOpenFailed)
		em.log("ERROR: Failed to open document.")
		res.Err = err
		setState(StateFailed)
		return res
	}

	setState(StateReady)
	em.log("Host ready. Starting batch export...")

	dir := ExportDir(req.OutputRoot, req.PartPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		// Every export would fail the same way; report it and let the rows
		// record their own failures.
		em.log(fmt.Sprintf("ERROR: Failed to create export directory %s: %v", dir, err))
	} else {
		em.log(fmt.Sprintf("Created export directory: %s", dir))
	}

	p.exportOriginal(ctx, s, em, logger, req, &res)

	setState(StatePerConfig)
	for _, cfg := range req.Configurations {
		a, err := p.processRow(s, em, req, cfg)
		if err != nil {
			logger.Warn("configuration failed", "row", cfg.Row, "error", err)
			res.Failed[cfg.Row] = err
			continue
		}
		res.Artifacts = append(res.Artifacts, a)
		p.publish(ctx, em, logger, batchID, a)
	}

	em.log("Batch export completed. Closing document...")
	logger.Info("batch finished",
		"exported", len(res.Artifacts),
		"failed", len(res.Failed),
	)
	return res
}

func (p *Pipeline) exportOriginal(ctx context.Context, s *session.Session, em *emitter, logger *slog.Logger, req Request, res *Result) {
	out := OriginalPath(req.OutputRoot, req.PartPath, req.Format)
	name := PartStem(req.PartPath) + "_" + originalFilenameStem + "." + string(req.Format)
	em.log(fmt.Sprintf("--- Exporting original state to: %s ---", out))

	abs, err := s.Export(out)
	if err != nil {
		logger.Warn("original export failed", "path", out, "error", err)
		em.log(fmt.Sprintf("ERROR: Failed to save %s", name))
		return
	}
	em.log(fmt.Sprintf("SUCCESS: Saved %s", name))
	a := Artifact{Path: abs, Format: req.Format}
	res.Original = &a
	p.publish(ctx, em, logger, res.BatchID, a)
}

// processRow applies one configuration and exports it. A failed apply skips
// the export so no file is written under a name its geometry does not match.
func (p *Pipeline) processRow(s *session.Session, em *emitter, req Request, cfg Configuration) (Artifact, error) {
	em.progress(cfg.Row, StatusProcessing)

	fullName := PartStem(req.PartPath) + "_" + cfg.Filename
	em.log(fmt.Sprintf("--- Processing Row %d | File: %s ---", cfg.Row, fullName))

	names := make([]string, 0, len(cfg.Dims))
	for name := range cfg.Dims {
		names = append(names, name)
	}
	sort.Strings(names)

	var applyErr error
	for _, name := range names {
		val := cfg.Dims[name]
		em.log(fmt.Sprintf("Setting %s = %g", name, val))
		if err := s.Apply(name, val); err != nil {
			em.log(fmt.Sprintf("ERROR: Failed to set %s: %v", name, err))
			applyErr = multierror.Append(applyErr, err)
		}
	}
	if applyErr != nil {
		em.progress(cfg.Row, StatusError)
		em.log(fmt.Sprintf("ERROR: Skipping export of %s.%s", fullName, req.Format))
		return Artifact{}, applyErr
	}

	em.log("Rebuilding model...")
	if err := s.Rebuild(); err != nil {
		em.log(fmt.Sprintf("WARNING: %v", err))
	}

	out := ConfigPath(req.OutputRoot, req.PartPath, cfg.Filename, req.Format)
	em.log(fmt.Sprintf("Exporting to: %s", out))
	abs, err := s.Export(out)
	if err != nil {
		em.progress(cfg.Row, StatusError)
		em.log(fmt.Sprintf("ERROR: Failed to save %s.%s", fullName, req.Format))
		return Artifact{}, err
	}

	em.progress(cfg.Row, StatusSaved)
	em.log(fmt.Sprintf("SUCCESS: Saved %s.%s", fullName, req.Format))
	return Artifact{Row: cfg.Row, Path: abs, Format: req.Format}, nil
}

func (p *Pipeline) publish(ctx context.Context, em *emitter, logger *slog.Logger, batchID string, a Artifact) {
	if p.Publisher == nil {
		return
	}
	if err := p.Publisher.Publish(ctx, batchID, a); err != nil {
		logger.Warn("publish failed", "path", a.Path, "error", err)
		em.log(fmt.Sprintf("WARNING: Upload of %s failed: %v", a.Path, err))
		return
	}
	em.log(fmt.Sprintf("Uploaded %s", a.Path))
}

// IsFatal reports whether err ended a batch before any configuration ran.
func IsFatal(err error) bool {
	return errors.Is(err, host.ErrConnectionFailed) ||
		errors.Is(err, host.ErrOpenFailed) ||
		errors.Is(err, host.ErrNotFound) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrInvalidFormat) ||
		errors.Is(err, ErrNoValidConfigurations)
}

// Start runs req on a new goroutine. The event channel is closed after the
// EventDone event; the result channel then yields exactly one Result.
func (p *Pipeline) Start(ctx context.Context, batchID string, req Request) (<-chan Event, <-chan Result) {
	req = req.clone()
	events := make(chan Event, defaultEventBufCap)
	result := make(chan Result, 1)
	go func() {
		res := p.Run(ctx, batchID, req, events)
		close(events)
		result <- res
	}()
	return events, result
}
