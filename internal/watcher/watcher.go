// Package watcher waits for files written by another process to appear.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/hashicorp/go-multierror"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultTimeout  = 5 * time.Second
)

// ErrTimeout is returned when the file never appears within the wait window.
var ErrTimeout = errors.New("timed out waiting for file")

// Options bound a wait.
type Options struct {
	// Interval between existence checks.
	Interval time.Duration
	// Timeout for the whole wait, including settling.
	Timeout time.Duration
	// Settle waits until the file's size and mtime stop changing across one
	// interval before returning.
	Settle bool
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// WaitForFile blocks until path exists, the timeout elapses or ctx is done.
//
// Existence is polled every Interval. A filesystem watch on the parent
// directory wakes the check early; when the watch cannot be set up the wait
// falls back to polling alone.
func WaitForFile(ctx context.Context, path string, opts Options) error {
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	var (
		events  <-chan fsnotify.Event
		watchEr <-chan error
	)
	fsW, err := fsnotify.NewWatcher()
	if err == nil {
		defer fsW.Close()
		if err := fsW.Add(filepath.Dir(path)); err == nil {
			events = fsW.Events
			watchEr = fsW.Errors
		} else {
			slog.Debug("watch unavailable, polling only", "dir", filepath.Dir(path), "error", err)
		}
	} else {
		slog.Debug("watcher unavailable, polling only", "error", err)
	}

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	var last os.FileInfo
	check := func() bool {
		info, err := os.Stat(path)
		if err != nil {
			last = nil
			return false
		}
		if !opts.Settle {
			return true
		}
		settled := last != nil && last.Size() == info.Size() && last.ModTime().Equal(info.ModTime())
		last = info
		return settled
	}

	if check() {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimeout
			}
			return ctx.Err()

		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				// Settling still needs a second observation on the ticker.
				if check() {
					return nil
				}
			}

		case err, ok := <-watchEr:
			if !ok {
				watchEr = nil
				continue
			}
			slog.Debug("watch error", "path", path, "error", err)

		case <-ticker.C:
			if check() {
				return nil
			}
		}
	}
}

// RemoveStale deletes each path if present. Missing files are not an error.
func RemoveStale(paths ...string) error {
	var merr *multierror.Error
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}
