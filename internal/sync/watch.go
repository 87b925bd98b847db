package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rjeczalik/notify"
	"golang.org/x/sync/errgroup"
)

// DefaultWatchInterval is how often the watch loop turns accumulated events
// into an incremental sync.
const DefaultWatchInterval = 5 * time.Second

// Watch runs continuous synchronization until ctx is cancelled. Each root
// gets a recursive event subscription; touched paths are coalesced into a
// per-root set, and every interval the touched paths are inspected and a
// sync that trusts the previous cycle is run.
//
// This is explicitly best-effort: event delivery races the ticker and
// concurrent writers, and the periodic re-inspection is what bounds anything
// that slips through.
func (s *Synchronizer) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	touched := make([]mapset.Set[string], len(s.roots))
	watchers := make([]*FileWatcher, len(s.roots))
	for i, root := range s.roots {
		touched[i] = mapset.NewSet[string]()
		watchers[i] = NewFileWatcher(root.Path())
		if err := watchers[i].Start(); err != nil {
			for _, started := range watchers[:i] {
				started.Stop()
			}
			return err
		}
	}
	defer func() {
		for _, fw := range watchers {
			fw.Stop()
		}
	}()

	// Settle anything that changed before the watchers came up.
	if err := s.Sync(false); err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)

	for i, root := range s.roots {
		i, root := i, root
		eg.Go(func() error {
			return collectEvents(egCtx, root, watchers[i].Events(), touched[i])
		})
	}

	eg.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-egCtx.Done():
				return egCtx.Err()
			case <-ticker.C:
				if err := s.syncTouched(touched); err != nil {
					return err
				}
			}
		}
	})

	err := eg.Wait()
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return nil
	}
	return err
}

// collectEvents normalizes raw event paths to root-relative form and adds
// them to the root's touched set. The set coalesces event bursts for free.
func collectEvents(ctx context.Context, root *SyncRoot, events <-chan notify.EventInfo, touched mapset.Set[string]) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			relPath, err := root.RelPath(event.Path())
			if err != nil {
				continue // outside the root, e.g. a rename target elsewhere
			}
			if root.ShouldIgnore(relPath) {
				continue
			}
			touched.Add(relPath)
		}
	}
}

// syncTouched inspects every touched path, then runs an incremental sync
// that skips the catch-up pass: the previous cycle already reconciled the
// stored records, only the fresh events matter. A tick with no events still
// syncs when some root carries pending changes left over from an earlier
// cycle (a revisit-cap abort, a failed resolution).
func (s *Synchronizer) syncTouched(touched []mapset.Set[string]) error {
	any := false
	for i, root := range s.roots {
		for _, relPath := range touched[i].ToSlice() {
			touched[i].Remove(relPath)
			any = true
			if err := root.Inspect(relPath, false); err != nil {
				slog.Warn("inspect failed, will retry next tick", "root", root.Path(), "path", relPath, "error", err)
				touched[i].Add(relPath)
			}
		}
	}
	if !any {
		for _, root := range s.roots {
			if len(root.pending) > 0 {
				any = true
				break
			}
		}
	}
	if !any {
		return nil
	}
	return s.Sync(true)
}
