package entropy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Collector drives a fixed set of sources concurrently, one goroutine per
// source, and joins all of them before handing the batch to validation.
// A failed source is dropped from the batch with a warning; collection as a
// whole fails only when every source fails.
type Collector struct {
	log     *slog.Logger
	sources []Source
}

// NewCollector creates a collector over a closed set of sources.
func NewCollector(log *slog.Logger, sources ...Source) (*Collector, error) {
	if len(sources) == 0 {
		return nil, errors.New("collector requires at least one source")
	}
	return &Collector{log: log, sources: sources}, nil
}

// Sources returns the configured source set.
func (c *Collector) Sources() []Source {
	return c.sources
}

// Collect gathers bytesPerSource raw bytes from every source, running the
// continuous health tests over each contribution. It blocks until all
// sources finish or ctx expires; there is no first-available shortcut
// because validation needs every source's report.
func (c *Collector) Collect(ctx context.Context, bytesPerSource int) ([]Sample, error) {
	var mu sync.Mutex
	samples := make([]Sample, 0, len(c.sources))
	var failures []error

	g, ctx := errgroup.WithContext(ctx)
	for _, src := range c.sources {
		g.Go(func() error {
			start := time.Now()
			buf := make([]byte, bytesPerSource)

			err := src.Fill(buf)
			if err == nil {
				err = NewHealthTester().ObserveAll(buf)
			}
			if err == nil && ctx.Err() != nil {
				err = ctx.Err()
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				c.log.Warn("entropy collection failed for source",
					"source", src.Name(), "err", err)
				failures = append(failures, fmt.Errorf("%s: %w", src.Name(), err))
				return nil
			}

			c.log.Debug("entropy collected",
				"source", src.Name(),
				"bytes", len(buf),
				"elapsed", time.Since(start))
			samples = append(samples, Sample{
				Source:      src.Name(),
				CollectedAt: time.Now(),
				Data:        buf,
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("entropy collection produced nothing: %w", errors.Join(failures...))
	}
	return samples, nil
}
