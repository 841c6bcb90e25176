package batch

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"partbatch/internal/extract"
	"partbatch/internal/session"
)

const (
	defaultHistoryCap       = 1000
	defaultSubscriberBufCap = 256
	defaultEventBufCap      = 64
)

// Summary is a point-in-time view of a submitted batch.
type Summary struct {
	ID             string         `json:"id"`
	State          State          `json:"state"`
	Part           string         `json:"part"`
	Output         string         `json:"output"`
	Format         Format         `json:"format"`
	Configurations int            `json:"configurations"`
	Statuses       map[int]string `json:"statuses"`
	// Global is the last status reported on GlobalRow, if any.
	Global     string     `json:"global,omitempty"`
	Original   *Artifact  `json:"original,omitempty"`
	Artifacts  []Artifact `json:"artifacts,omitempty"`
	Failed     []int      `json:"failed,omitempty"`
	Crashed    bool       `json:"crashed,omitempty"`
	// HistoryDropped counts events evicted from the replay history.
	HistoryDropped int        `json:"historyDropped,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
}

// Running reports whether the batch has not finished yet.
func (s Summary) Running() bool {
	return s.FinishedAt == nil
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	// History is the number of recent events kept per batch for late
	// subscribers.
	History int
	// Extract configures catalog extraction.
	Extract extract.Options
	Logger  *slog.Logger
}

// Runner accepts batches one at a time and fans their events out to
// subscribers. Catalog extraction shares the host and is refused while a
// batch runs, and the other way round.
type Runner struct {
	pipeline *Pipeline
	opts     RunnerOptions
	logger   *slog.Logger

	mu         sync.RWMutex
	batches    map[string]*managedBatch
	order      []string
	running    *managedBatch
	cataloging bool
}

type managedBatch struct {
	mu          sync.Mutex
	summary     Summary
	history     *History
	subscribers map[string]chan Event
	done        chan struct{}
	logger      *slog.Logger
}

// NewRunner creates a Runner around p.
func NewRunner(p *Pipeline, opts RunnerOptions) *Runner {
	if opts.History <= 0 {
		opts.History = defaultHistoryCap
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		pipeline: p,
		opts:     opts,
		logger:   logger,
		batches:  make(map[string]*managedBatch),
	}
}

// Submit validates req and starts it on a background goroutine. It returns
// ErrBatchRunning while another batch or a catalog extraction is in
// progress.
func (r *Runner) Submit(req Request) (Summary, error) {
	if err := req.Check(); err != nil {
		return Summary{}, err
	}
	req = req.clone()

	r.mu.Lock()
	if r.running != nil || r.cataloging {
		r.mu.Unlock()
		return Summary{}, ErrBatchRunning
	}

	id := uuid.New().String()
	mb := &managedBatch{
		summary: Summary{
			ID:             id,
			State:          StateIdle,
			Part:           req.PartPath,
			Output:         req.OutputRoot,
			Format:         req.Format,
			Configurations: len(req.Configurations),
			Statuses:       make(map[int]string, len(req.Configurations)),
			CreatedAt:      time.Now().UTC(),
		},
		history:     NewHistory(r.opts.History),
		subscribers: make(map[string]chan Event),
		done:        make(chan struct{}),
		logger:      r.logger.With("batch", id),
	}
	r.batches[id] = mb
	r.order = append(r.order, id)
	r.running = mb
	r.mu.Unlock()

	r.logger.Info("batch submitted", "batch", id, "part", req.PartPath, "configurations", len(req.Configurations))

	p := *r.pipeline
	onState := p.OnState
	p.OnState = func(batchID string, s State) {
		mb.mu.Lock()
		mb.summary.State = s
		mb.mu.Unlock()
		if onState != nil {
			onState(batchID, s)
		}
	}

	events, results := p.Start(context.Background(), id, req)
	go r.forward(mb, events, results)

	return mb.snapshot(), nil
}

// forward records and fans out every event of one batch. The done event is
// held back until the result is stored, so a subscriber that sees it can
// immediately read the final summary.
func (r *Runner) forward(mb *managedBatch, events <-chan Event, results <-chan Result) {
	var doneEvent *Event
	for ev := range events {
		if ev.Kind == EventDone {
			e := ev
			doneEvent = &e
			continue
		}
		mb.publish(ev)
	}
	res := <-results

	r.mu.Lock()
	if r.running == mb {
		r.running = nil
	}
	r.mu.Unlock()

	if doneEvent == nil {
		doneEvent = &Event{BatchID: res.BatchID, Kind: EventDone, Timestamp: time.Now().UTC()}
	}
	mb.finish(res, *doneEvent)
	close(mb.done)

	r.logger.Info("batch done",
		"batch", res.BatchID,
		"state", res.State,
		"exported", len(res.Artifacts),
		"failed", len(res.Failed),
		"crashed", res.Crashed,
	)
}

func (mb *managedBatch) publish(ev Event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if ev.Kind == EventProgress {
		if ev.Row == GlobalRow {
			mb.summary.Global = ev.Status
		} else {
			mb.summary.Statuses[ev.Row] = ev.Status
		}
	}
	mb.history.Append(ev)
	for id, ch := range mb.subscribers {
		select {
		case ch <- ev:
		default:
			mb.dropped(id, ev)
		}
	}
}

func (mb *managedBatch) dropped(subscriber string, ev Event) {
	mb.logger.Warn("subscriber buffer full, event dropped",
		"subscriber", subscriber, "kind", ev.Kind, "row", ev.Row)
}

func (mb *managedBatch) finish(res Result, done Event) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	now := time.Now().UTC()
	mb.summary.State = res.State
	mb.summary.Original = res.Original
	mb.summary.Artifacts = append([]Artifact(nil), res.Artifacts...)
	mb.summary.Crashed = res.Crashed
	mb.summary.Failed = mb.summary.Failed[:0]
	for row := range res.Failed {
		mb.summary.Failed = append(mb.summary.Failed, row)
	}
	sort.Ints(mb.summary.Failed)
	mb.summary.FinishedAt = &now

	mb.history.Append(done)
	for id, ch := range mb.subscribers {
		// A full subscriber still observes completion through the close.
		select {
		case ch <- done:
		default:
			mb.dropped(id, done)
		}
		close(ch)
		delete(mb.subscribers, id)
	}
}

func (mb *managedBatch) snapshot() Summary {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	s := mb.summary
	s.Statuses = maps.Clone(mb.summary.Statuses)
	s.Artifacts = append([]Artifact(nil), mb.summary.Artifacts...)
	s.Failed = append([]int(nil), mb.summary.Failed...)
	s.HistoryDropped = mb.history.Dropped()
	if mb.summary.Original != nil {
		o := *mb.summary.Original
		s.Original = &o
	}
	return s
}

// Get returns a batch by ID.
func (r *Runner) Get(id string) (Summary, error) {
	r.mu.RLock()
	mb, ok := r.batches[id]
	r.mu.RUnlock()

	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}
	return mb.snapshot(), nil
}

// List returns every batch in submission order.
func (r *Runner) List() []Summary {
	r.mu.RLock()
	batches := make([]*managedBatch, 0, len(r.order))
	for _, id := range r.order {
		batches = append(batches, r.batches[id])
	}
	r.mu.RUnlock()

	result := make([]Summary, 0, len(batches))
	for _, mb := range batches {
		result = append(result, mb.snapshot())
	}
	return result
}

// Active returns the ID of the running batch, if any.
func (r *Runner) Active() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.running == nil {
		return "", false
	}
	return r.running.summary.ID, true
}

// Subscribe returns a channel that receives a batch's future events, plus
// the buffered history that precedes them. The channel is closed after the
// done event. For a finished batch the channel is already closed.
func (r *Runner) Subscribe(id string) (string, <-chan Event, []Event, error) {
	r.mu.RLock()
	mb, ok := r.batches[id]
	r.mu.RUnlock()

	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	mb.mu.Lock()
	defer mb.mu.Unlock()

	history := mb.history.Events()
	if mb.summary.FinishedAt != nil {
		close(ch)
		return subID, ch, history, nil
	}
	mb.subscribers[subID] = ch
	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a batch.
func (r *Runner) Unsubscribe(batchID, subID string) {
	r.mu.RLock()
	mb, ok := r.batches[batchID]
	r.mu.RUnlock()

	if !ok {
		return
	}

	mb.mu.Lock()
	if ch, exists := mb.subscribers[subID]; exists {
		close(ch)
		delete(mb.subscribers, subID)
	}
	mb.mu.Unlock()
}

// Wait blocks until the batch finishes or ctx is done.
func (r *Runner) Wait(ctx context.Context, id string) (Summary, error) {
	r.mu.RLock()
	mb, ok := r.batches[id]
	r.mu.RUnlock()

	if !ok {
		return Summary{}, fmt.Errorf("%w: %s", ErrBatchNotFound, id)
	}

	select {
	case <-mb.done:
		return mb.snapshot(), nil
	case <-ctx.Done():
		return mb.snapshot(), ctx.Err()
	}
}

// Shutdown waits for the running batch, if any, to finish. Batches cannot be
// interrupted; ctx bounds only the wait.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.RLock()
	mb := r.running
	r.mu.RUnlock()

	if mb == nil {
		return nil
	}
	r.logger.Info("waiting for running batch", "batch", mb.summary.ID)
	select {
	case <-mb.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Catalog extracts the dimension names of the part at path in a short-lived
// session of its own. logf may be nil.
func (r *Runner) Catalog(ctx context.Context, path string, logf session.LogFunc) ([]string, error) {
	r.mu.Lock()
	if r.running != nil || r.cataloging {
		r.mu.Unlock()
		return []string{}, ErrBatchRunning
	}
	r.cataloging = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.cataloging = false
		r.mu.Unlock()
	}()

	r.logger.Info("extracting dimensions", "path", path)
	dims, err := extract.Catalog(ctx, r.pipeline.Connector, path, r.opts.Extract, logf)
	if err != nil {
		r.logger.Warn("dimension extraction failed", "path", path, "error", err)
		return dims, err
	}
	return dims, nil
}
