package quotaledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultSweepLimit is the number of expired jobs examined per sweep.
const DefaultSweepLimit = 200

// BlobStore deletes stored job artifacts.
type BlobStore interface {
	// DeleteBlob removes the artifact at path. A missing artifact is not
	// an error.
	DeleteBlob(ctx context.Context, path string) error
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int `json:"scanned"`
	Deleted int `json:"deleted"`
	Errors  int `json:"errors"`
}

// Sweeper deletes jobs whose retention period has ended.
type Sweeper struct {
	store  Store
	blobs  BlobStore
	meter  Meter
	logger *slog.Logger
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithBlobStore sets where job artifacts are deleted from.
func WithBlobStore(b BlobStore) SweeperOption {
	return func(s *Sweeper) { s.blobs = b }
}

// WithSweepMeter sets the meter.
func WithSweepMeter(m Meter) SweeperOption {
	return func(s *Sweeper) { s.meter = m }
}

// WithSweepLogger sets the logger.
func WithSweepLogger(l *slog.Logger) SweeperOption {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a Sweeper on top of store.
func NewSweeper(store Store, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{store: store}
	for _, opt := range opts {
		opt(s)
	}
	if s.meter == nil {
		s.meter = &noopMeter{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Sweep deletes up to limit jobs with DeleteAt at or before now. Artifact
// deletion is best effort; a failed record deletion is counted in Errors
// and the job is picked up again by a later sweep.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time, limit int) (SweepResult, error) {
	if limit <= 0 {
		limit = DefaultSweepLimit
	}
	start := time.Now()

	jobs, err := s.store.ExpiredJobs(ctx, now, limit)
	if err != nil {
		return SweepResult{}, fmt.Errorf("quotaledger: sweep: %w", err)
	}

	var res SweepResult
	blobFailures := 0
	for _, j := range jobs {
		res.Scanned++
		if j.StoragePath != "" && s.blobs != nil {
			if err := s.blobs.DeleteBlob(ctx, j.StoragePath); err != nil {
				blobFailures++
				s.logger.Warn("delete job artifact failed", "job", j.ID, "path", j.StoragePath, "error", err)
			}
		}
		if err := s.store.DeleteJob(ctx, j.ID); err != nil {
			res.Errors++
			s.logger.Error("delete expired job failed", "job", j.ID, "error", err)
			continue
		}
		res.Deleted++
	}

	s.meter.OnSweep(SweepEvent{
		Scanned:      res.Scanned,
		Deleted:      res.Deleted,
		Errors:       res.Errors,
		BlobFailures: blobFailures,
		Duration:     time.Since(start),
	})
	return res, nil
}
