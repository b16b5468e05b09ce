package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/galois26/page-weight-monitor/internal/metrics"
	"github.com/galois26/page-weight-monitor/internal/model"
	"github.com/galois26/page-weight-monitor/internal/session"
	"github.com/galois26/page-weight-monitor/internal/sink"
)

// ErrNoJobs is returned when a run is started without any job.
var ErrNoJobs = errors.New("no jobs to run")

// PageDriver loads one page. *session.Driver implements it.
type PageDriver interface {
	Run(ctx context.Context, job model.Job) (session.Result, error)
}

// Labeler adds derived labels to a sample before it is saved.
type Labeler interface {
	Apply(model.Sample) model.Sample
}

type Options struct {
	Concurrency   int     // parallel page loads; <= 1 runs jobs in order
	RatePerSecond float64 // job starts per second; 0 = unlimited
	Burst         int
	Labeler       Labeler
	Metrics       *metrics.Metrics
	SaveTimeout   time.Duration // bound on persisting one job's samples; default 10s
	Now           func() time.Time
}

// Summary describes a finished run.
type Summary struct {
	RunID      string
	Jobs       int
	Failed     int // jobs without stats (page could not be opened)
	NavErrors  int // jobs with partial stats
	SinkErrors int
	Duration   time.Duration
}

// Runner dispatches jobs to the driver and forwards their stats to a sink.
// It never retries a job.
type Runner struct {
	driver  PageDriver
	sink    sink.Sink
	log     *slog.Logger
	opts    Options
	limiter *rate.Limiter
}

// New creates a Runner.
func New(driver PageDriver, s sink.Sink, log *slog.Logger, opts Options) *Runner {
	if log == nil {
		log = slog.Default()
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Runner{driver: driver, sink: s, log: log, opts: opts}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return r
}

// Run executes every job once. Job and sink failures are logged and counted
// in the summary; the returned error is only ErrNoJobs or the context error
// when the run was cancelled before all jobs started.
func (r *Runner) Run(ctx context.Context, jobs []model.Job) (Summary, error) {
	if len(jobs) == 0 {
		return Summary{}, ErrNoJobs
	}
	start := r.opts.Now()
	sum := Summary{RunID: uuid.NewString(), Jobs: len(jobs)}
	log := r.log.With("run_id", sum.RunID)
	log.Info("run started", "jobs", len(jobs), "concurrency", r.opts.Concurrency)

	var failed, navErrs, sinkErrs atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Concurrency)

	var runErr error
	for _, job := range jobs {
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				runErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		job := job
		g.Go(func() error {
			res, err := r.driver.Run(ctx, job)
			switch {
			case err != nil:
				failed.Add(1)
				r.opts.Metrics.ObserveJob(metrics.ResultFailed, 0)
				log.Error("job failed", "url", job.URL, "label", job.Label, "error", err)
				return nil
			case res.Err != nil:
				navErrs.Add(1)
				r.opts.Metrics.ObserveJob(metrics.ResultNavigationError, res.Duration)
			default:
				r.opts.Metrics.ObserveJob(metrics.ResultOK, res.Duration)
			}
			// Stats of a page interrupted by shutdown are still saved.
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.SaveTimeout)
			sinkErrs.Add(int64(r.emit(saveCtx, log, job, res.Stats)))
			cancel()
			return nil
		})
	}
	_ = g.Wait()

	sum.Failed = int(failed.Load())
	sum.NavErrors = int(navErrs.Load())
	sum.SinkErrors = int(sinkErrs.Load())
	sum.Duration = r.opts.Now().Sub(start)
	r.opts.Metrics.RunFinished(r.opts.Now())
	log.Info("run finished",
		"jobs", sum.Jobs, "failed", sum.Failed, "navigation_errors", sum.NavErrors,
		"sink_errors", sum.SinkErrors, "duration", sum.Duration.Truncate(time.Millisecond))
	return sum, runErr
}

// emit saves the two category samples of a job and returns the number of
// failed sink writes.
func (r *Runner) emit(ctx context.Context, log *slog.Logger, job model.Job, stats model.PageStats) int {
	now := r.opts.Now()
	failures := 0
	for _, c := range []struct {
		cat   model.Category
		stats model.StatsRecord
	}{
		{model.CategoryImage, stats.Images},
		{model.CategoryBundle, stats.Bundle},
	} {
		smp := model.Sample{
			Time:     now,
			URL:      job.URL,
			Category: c.cat,
			Label:    job.Label,
			Tag:      job.SampleTag(),
			Labels:   job.Labels,
			Stats:    c.stats,
		}
		if r.opts.Labeler != nil {
			smp = r.opts.Labeler.Apply(smp)
		}
		err := r.sink.Save(ctx, smp)
		if err == nil {
			continue
		}
		names := sink.FailedSinks(err)
		if len(names) == 0 {
			names = []string{r.sink.Name()}
		}
		for _, n := range names {
			r.opts.Metrics.SinkError(n)
		}
		failures += len(names)
		log.Error("persist failed", "url", job.URL, "category", c.cat.Name(), "sinks", names, "error", err)
	}
	return failures
}
