package session

import (
	"context"
	"errors"

	"mdetruth/pkg/review"
)

// Run processes images in order and closes the surface when the list is
// done. Quitting from the surface ends the run without error.
func (c *Controller) Run(ctx context.Context, images []ImageRecord) error {
	ch := make(chan ImageRecord, len(images))
	for _, rec := range images {
		ch <- rec
	}
	close(ch)
	return c.RunStream(ctx, ch)
}

// RunStream is Run over a channel; it returns once the channel closes.
// Watch mode feeds the initial scan followed by watcher events through it.
func (c *Controller) RunStream(ctx context.Context, images <-chan ImageRecord) error {
	defer c.Surface.Close()
	done := 0
	for {
		var rec ImageRecord
		var ok bool
		select {
		case <-ctx.Done():
			c.Logger.Info("session interrupted", "processed", done)
			return nil
		case rec, ok = <-images:
		}
		if !ok {
			c.Logger.Info("no more images", "processed", done)
			return nil
		}
		if _, err := c.Process(ctx, rec); err != nil {
			if errors.Is(err, review.ErrClosed) {
				c.Logger.Info("review closed by operator", "processed", done, "current", rec.Name)
				return nil
			}
			c.Logger.Error("session stopped", "image", rec.Name, "err", err)
			return err
		}
		done++
	}
}

// Feed merges the initial scan with a live stream, initial images first.
// The result closes when live closes or ctx is done.
func Feed(ctx context.Context, initial []ImageRecord, live <-chan ImageRecord) <-chan ImageRecord {
	out := make(chan ImageRecord)
	go func() {
		defer close(out)
		seen := make(map[string]bool, len(initial))
		for _, rec := range initial {
			seen[rec.Path()] = true
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
		for rec := range live {
			if seen[rec.Path()] {
				continue
			}
			seen[rec.Path()] = true
			select {
			case out <- rec:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
