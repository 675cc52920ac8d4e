package discovery

import (
	"context"
	"sync"

	"github.com/wyatt727/fartlooper/pkg/logging"
)

// Discoverer is the shared capability of the heterogeneous discovery
// sources. Discover returns a bounded stream terminating no later than
// the context deadline.
type Discoverer interface {
	Source() Source
	Discover(ctx context.Context) (<-chan Renderer, error)
}

// Progress is reported once per renderer arrival on the merged stream.
type Progress struct {
	Source    Source
	Seen      int
	New       int
	Duplicate bool
}

// Bus merges the discoverer streams into one deduplicated stream.
type Bus struct {
	logger     logging.Logger
	onProgress func(Progress)
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithProgress registers a callback invoked for every arrival on the
// merged stream, deduplicated or not.
func WithProgress(fn func(Progress)) BusOption {
	return func(b *Bus) { b.onProgress = fn }
}

// NewBus creates a discovery bus.
func NewBus(logger logging.Logger, opts ...BusOption) *Bus {
	b := &Bus{logger: logger}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// DiscoverAll runs all discoverers concurrently and returns a single
// stream of renderers deduplicated by (ip, port). The first renderer for
// a given key wins; later duplicates are dropped with their source and
// metadata ignored. The stream closes when every child completes or the
// context deadline elapses, whichever comes first. Per-child arrival
// order is preserved; interleaving between children is unspecified.
func (b *Bus) DiscoverAll(ctx context.Context, discoverers []Discoverer) <-chan Renderer {
	out := make(chan Renderer, 64)
	merged := make(chan Renderer, 64)

	var wg sync.WaitGroup
	for _, d := range discoverers {
		stream, err := d.Discover(ctx)
		if err != nil {
			b.logger.WithError(err).WithField("source", d.Source()).Warn("Discoverer failed to start")
			continue
		}
		wg.Add(1)
		go func(src Source, stream <-chan Renderer) {
			defer wg.Done()
			for r := range stream {
				select {
				case merged <- r:
				case <-ctx.Done():
					return
				}
			}
		}(d.Source(), stream)
	}

	go func() {
		wg.Wait()
		close(merged)
	}()

	go func() {
		defer close(out)
		seen := make(map[string]Source)
		perSource := make(map[Source]int)
		for {
			select {
			case r, ok := <-merged:
				if !ok {
					return
				}
				perSource[r.Source]++
				key := r.Key()
				if prev, dup := seen[key]; dup {
					b.logger.WithFields(logging.Fields{
						"renderer": key,
						"source":   r.Source,
						"kept":     prev,
					}).Debug("Dropping duplicate renderer")
					b.reportProgress(r.Source, perSource[r.Source], len(seen), true)
					continue
				}
				seen[key] = r.Source
				b.reportProgress(r.Source, perSource[r.Source], len(seen), false)
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}

func (b *Bus) reportProgress(src Source, seen, uniq int, dup bool) {
	if b.onProgress != nil {
		b.onProgress(Progress{Source: src, Seen: seen, New: uniq, Duplicate: dup})
	}
}
