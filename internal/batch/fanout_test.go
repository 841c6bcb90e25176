package batch

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManaged(t *testing.T, history int, logs *bytes.Buffer) *managedBatch {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(logs, nil))
	return &managedBatch{
		summary:     Summary{ID: "b1", Statuses: make(map[int]string)},
		history:     NewHistory(history),
		subscribers: make(map[string]chan Event),
		done:        make(chan struct{}),
		logger:      logger.With("batch", "b1"),
	}
}

func TestManagedBatch_LogsDroppedEvents(t *testing.T) {
	var logs bytes.Buffer
	mb := newManaged(t, 10, &logs)
	ch := make(chan Event, 1)
	mb.subscribers["s1"] = ch

	mb.publish(Event{Kind: EventProgress, Row: 1, Status: StatusProcessing})
	assert.Empty(t, logs.String())

	mb.publish(Event{Kind: EventProgress, Row: 2, Status: StatusProcessing})
	out := logs.String()
	assert.Contains(t, out, "subscriber buffer full, event dropped")
	assert.Contains(t, out, "batch=b1")
	assert.Contains(t, out, "subscriber=s1")
	assert.Contains(t, out, "kind=progress")
	assert.Contains(t, out, "row=2")

	// The done event is dropped too, but the close still reaches the reader.
	logs.Reset()
	mb.finish(Result{State: StateDone}, Event{Kind: EventDone})
	assert.Contains(t, logs.String(), "kind=done")

	ev, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, 1, ev.Row)
	_, ok = <-ch
	assert.False(t, ok)
	assert.Empty(t, mb.subscribers)
}

func TestManagedBatch_SnapshotReportsHistoryDropped(t *testing.T) {
	var logs bytes.Buffer
	mb := newManaged(t, 3, &logs)

	for i := range 5 {
		mb.publish(Event{Kind: EventLog, Line: "line", Row: i + 1})
	}
	assert.Equal(t, 2, mb.snapshot().HistoryDropped)
	assert.Len(t, mb.history.Events(), 3)
}
