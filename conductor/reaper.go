package conductor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"keel/model"
	"keel/store"
)

// Reaper fails images that have been in flight longer than staleAfter.
// A worker that dies mid-job never reports a terminal state.
type Reaper struct {
	reg        store.Registry
	prop       *Propagator
	staleAfter time.Duration
	cron       *cron.Cron
	logger     *slog.Logger
	now        func() time.Time
}

func NewReaper(reg store.Registry, prop *Propagator, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		reg:        reg,
		prop:       prop,
		staleAfter: staleAfter,
		cron:       cron.New(),
		logger:     logger.With("component", "reaper"),
		now:        time.Now,
	}
}

// Start schedules Sweep on spec, a robfig/cron expression such as "@every 5m".
func (r *Reaper) Start(spec string) error {
	if _, err := r.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if n, err := r.Sweep(ctx); err != nil {
			r.logger.Error("sweep failed", "error", err)
		} else if n > 0 {
			r.logger.Info("reaped stale images", "count", n)
		}
	}); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Reaper) Stop() {
	<-r.cron.Stop().Done()
}

// Sweep marks every stale image ERROR and returns how many it touched.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	stale, err := r.reg.ListStaleImages(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, img := range stale {
		err := r.prop.UpdateImage(ctx, ImageUpdate{
			ImageID:    img.UUID,
			AssemblyID: img.AssemblyUUID,
			State:      model.ImageError,
			Message:    "build timed out",
		})
		if err != nil {
			r.logger.Warn("reap image", "image", img.UUID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
