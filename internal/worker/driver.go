package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"content-repurposer/internal/models"
	"content-repurposer/internal/telemetry"
)

// Jobs is the slice of the store the driver needs.
type Jobs interface {
	ClaimNextPending(ctx context.Context) (*models.Generation, error)
	SaveTranscript(ctx context.Context, id, transcript string) error
	MarkCompleted(ctx context.Context, id string, outputs *models.ContentOutputs, processingMS int64) error
	ScheduleRetry(ctx context.Context, id string, retryCount int, runAt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, retryCount int, errMsg string) error
	RequeueStuck(ctx context.Context, lease time.Duration) (int, error)
	CountPending(ctx context.Context) (int64, error)
}

// Resolver obtains transcript text for a claimed generation.
type Resolver interface {
	Resolve(ctx context.Context, gen *models.Generation) (string, error)
}

// Synthesizer produces the content artifacts from a transcript.
type Synthesizer interface {
	Generate(ctx context.Context, transcript string) (*models.ContentOutputs, error)
}

// Driver runs worker ticks: claim one pending generation, resolve its
// transcript, synthesize outputs, and write back completion or a retry.
type Driver struct {
	jobs     Jobs
	resolver Resolver
	synth    Synthesizer
	log      *logrus.Logger

	maxRetries int
	backoff    time.Duration
	claimLease time.Duration
	nowFunc    func() time.Time
}

func NewDriver(jobs Jobs, resolver Resolver, synth Synthesizer, log *logrus.Logger, maxRetries int, backoff, claimLease time.Duration) *Driver {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if backoff <= 0 {
		backoff = time.Minute
	}
	return &Driver{
		jobs:       jobs,
		resolver:   resolver,
		synth:      synth,
		log:        log,
		maxRetries: maxRetries,
		backoff:    backoff,
		claimLease: claimLease,
		nowFunc:    time.Now,
	}
}

// RunTick processes at most one generation. Returns whether a job was
// claimed. Every tick is bounded: the next pending job waits for the next
// tick, keeping external API spend per tick predictable.
func (d *Driver) RunTick(ctx context.Context) (bool, error) {
	if d.claimLease > 0 {
		n, err := d.jobs.RequeueStuck(ctx, d.claimLease)
		if err != nil {
			d.log.WithError(err).Warn("requeue stuck generations")
		} else if n > 0 {
			d.log.WithField("count", n).Warn("requeued generations with expired claim leases")
		}
	}
	if depth, err := d.jobs.CountPending(ctx); err != nil {
		d.log.WithError(err).Warn("count pending generations")
	} else {
		telemetry.PendingDepth.Set(float64(depth))
	}

	gen, err := d.jobs.ClaimNextPending(ctx)
	if err != nil {
		return false, err
	}
	if gen == nil {
		return false, nil
	}

	start := d.nowFunc()
	log := d.log.WithFields(logrus.Fields{
		"generation_id": gen.ID,
		"input_type":    gen.InputType,
		"retry_count":   gen.RetryCount,
	})
	log.Info("claimed generation")

	transcript, err := d.ensureTranscript(ctx, gen, log)
	if err != nil {
		d.retryOrFail(ctx, gen, err, log)
		return true, nil
	}

	outputs, err := d.synth.Generate(ctx, transcript)
	if err != nil {
		d.retryOrFail(ctx, gen, err, log)
		return true, nil
	}

	elapsed := d.nowFunc().Sub(start)
	if err := d.jobs.MarkCompleted(ctx, gen.ID, outputs, elapsed.Milliseconds()); err != nil {
		log.WithError(err).Error("persist completion")
		d.retryOrFail(ctx, gen, err, log)
		return true, nil
	}

	telemetry.Completions.Inc()
	telemetry.ProcessingSeconds.Observe(elapsed.Seconds())
	log.WithField("processing_ms", elapsed.Milliseconds()).Info("generation completed")
	return true, nil
}

// ensureTranscript resolves and persists the transcript once. A retry tick
// finds it already populated and skips resolution.
func (d *Driver) ensureTranscript(ctx context.Context, gen *models.Generation, log *logrus.Entry) (string, error) {
	if gen.Transcript != nil && *gen.Transcript != "" {
		return *gen.Transcript, nil
	}

	transcript, err := d.resolver.Resolve(ctx, gen)
	if err != nil {
		return "", err
	}

	if err := d.jobs.SaveTranscript(ctx, gen.ID, transcript); err != nil {
		return "", err
	}
	gen.Transcript = &transcript
	log.WithField("transcript_chars", len(transcript)).Info("transcript resolved")
	return transcript, nil
}

// retryOrFail applies linear backoff up to the retry ceiling, then fails the
// generation permanently with the last error surfaced to the user.
func (d *Driver) retryOrFail(ctx context.Context, gen *models.Generation, cause error, log *logrus.Entry) {
	retryCount := gen.RetryCount + 1
	maxRetries := gen.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.maxRetries
	}

	if retryCount < maxRetries {
		runAt := d.nowFunc().Add(d.backoff * time.Duration(retryCount))
		if err := d.jobs.ScheduleRetry(ctx, gen.ID, retryCount, runAt, cause.Error()); err != nil {
			log.WithError(err).Error("schedule retry")
			return
		}
		telemetry.Retries.Inc()
		log.WithFields(logrus.Fields{
			"retry_count": retryCount,
			"run_at":      runAt.UTC().Format(time.RFC3339),
		}).WithError(cause).Warn("generation attempt failed, retry scheduled")
		return
	}

	if err := d.jobs.MarkFailed(ctx, gen.ID, retryCount, cause.Error()); err != nil {
		log.WithError(err).Error("mark failed")
		return
	}
	telemetry.Failures.Inc()
	log.WithError(cause).Error("generation failed permanently")
}

// Run drives ticks on an interval until context cancellation. When a tick
// claimed a job, the next tick starts immediately to drain the backlog.
func (d *Driver) Run(ctx context.Context, interval time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := d.RunTick(ctx)
		if err != nil {
			d.log.WithError(err).Error("worker tick")
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
