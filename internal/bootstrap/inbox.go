package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/protocore/internal/ir"
	"github.com/roach88/protocore/internal/store"
)

// replayNotifications re-drives the event of every inbox message according
// to its status. It returns the number of events emitted.
func (c *Coordinator) replayNotifications(ctx context.Context) (int, error) {
	msgs, err := c.store.InboxMessages(ctx)
	if err != nil {
		return 0, err
	}

	var (
		mu    sync.Mutex
		total int
		errs  []error
		g     errgroup.Group
	)
	g.SetLimit(c.workers)
	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			n, err := c.notify(ctx, m)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil {
				errs = append(errs, fmt.Errorf("message %x: %w", m.ID, err))
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return total, errors.Join(errs...)
}

func (c *Coordinator) notify(ctx context.Context, m store.InboxMessage) (int, error) {
	switch m.Status {
	case store.InboxUnprocessed:
		if c.notifier == nil {
			return 1, nil
		}
		return 1, c.notifier.Reprocess(ctx, m)
	case store.InboxPendingDelete:
		if c.notifier == nil {
			return 1, nil
		}
		return 1, c.notifier.Delete(ctx, m)
	case store.InboxProcessed:
		n := 1
		if c.notifier != nil {
			if err := c.notifier.PayloadSet(ctx, m); err != nil {
				return 0, err
			}
		}
		for _, a := range m.Attachments {
			if a.Status != store.InboxProcessed {
				continue
			}
			if c.notifier != nil {
				if err := c.notifier.AttachmentReady(ctx, m.ID, a.Number); err != nil {
					return n, fmt.Errorf("attachment %d: %w", a.Number, err)
				}
			}
			n++
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unknown inbox status %s", m.Status)
	}
}

// deleteOrphanAttachmentDirs removes attachment directories no database
// record expects. A directory is expected when its name is the
// AttachmentDirName of a message owning at least one attachment.
func (c *Coordinator) deleteOrphanAttachmentDirs(ctx context.Context) (int, error) {
	if c.attachmentsDir == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(c.attachmentsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("list attachment dirs: %w", err)
	}

	ids, err := c.store.AttachmentMessageIDs(ctx)
	if err != nil {
		return 0, err
	}
	expected := make(map[string]bool, len(ids))
	for _, id := range ids {
		expected[ir.AttachmentDirName(id)] = true
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		if !e.IsDir() || expected[e.Name()] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(c.attachmentsDir, e.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		c.log.Debug("removed orphan attachment dir", "dir", e.Name())
		removed++
	}
	return removed, errors.Join(errs...)
}
