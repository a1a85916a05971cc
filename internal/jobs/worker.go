package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

type RunOutcome string

const (
	RunSent        RunOutcome = "sent"
	RunSkipped     RunOutcome = "skipped"
	RunAlreadySent RunOutcome = "already-sent"
	RunApplied     RunOutcome = "applied"
)

// Report is what a processor did on success. Skipped runs did nothing on
// purpose and must stay distinguishable from sends in the logs.
type Report struct {
	Outcome RunOutcome
	Reason  string
}

type Processor interface {
	Process(ctx context.Context, j *Job) (Report, error)
}

type ProcessorFunc func(ctx context.Context, j *Job) (Report, error)

func (f ProcessorFunc) Process(ctx context.Context, j *Job) (Report, error) { return f(ctx, j) }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying; the job fails immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

type deferredError struct {
	err   error
	until time.Time
}

func (e *deferredError) Error() string { return e.err.Error() }
func (e *deferredError) Unwrap() error { return e.err }

// Defer asks the pool to run the job again at until without spending an
// attempt. Processors use it while waiting on an outside confirmation.
func Defer(err error, until time.Time) error {
	if err == nil {
		return nil
	}
	return &deferredError{err: err, until: until.UTC()}
}

type PoolConfig struct {
	WorkerID           string
	Concurrency        int
	PollInterval       time.Duration
	StallThreshold     time.Duration
	CompletedRetention time.Duration
	FailedRetention    time.Duration
	PruneInterval      time.Duration
}

func DefaultPoolConfig() PoolConfig {
	host, _ := os.Hostname()
	return PoolConfig{
		WorkerID:           fmt.Sprintf("%s-%d", host, os.Getpid()),
		Concurrency:        4,
		PollInterval:       time.Second,
		StallThreshold:     5 * time.Minute,
		CompletedRetention: time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
		PruneInterval:      10 * time.Minute,
	}
}

// Pool polls the job store for due jobs and runs them through the processor
// registered for their type.
type Pool struct {
	repo   *Repo
	procs  map[JobType]Processor
	policy RetryPolicy
	cfg    PoolConfig
	log    zerolog.Logger
}

func NewPool(repo *Repo, policy RetryPolicy, cfg PoolConfig, log zerolog.Logger) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Pool{
		repo:   repo,
		procs:  make(map[JobType]Processor),
		policy: policy,
		cfg:    cfg,
		log:    log.With().Str("component", "worker").Str("worker_id", cfg.WorkerID).Logger(),
	}
}

func (p *Pool) Register(t JobType, proc Processor) {
	p.procs[t] = proc
}

// Run polls until ctx is cancelled. Jobs already claimed run to completion.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				for {
					n, err := p.Tick(ctx)
					if err != nil {
						p.log.Error().Err(err).Msg("poll failed")
						break
					}
					if n < p.cfg.Concurrency || ctx.Err() != nil {
						break
					}
				}
			}
		}
	})

	if p.cfg.PruneInterval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(p.cfg.PruneInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if _, err := p.Prune(ctx); err != nil {
						p.log.Error().Err(err).Msg("prune failed")
					}
				}
			}
		})
	}

	return g.Wait()
}

// Tick runs one poll cycle: requeue stalled jobs, claim a batch and execute
// it. It returns the number of jobs claimed.
func (p *Pool) Tick(ctx context.Context) (int, error) {
	if p.cfg.StallThreshold > 0 {
		requeued, failed, err := p.repo.RequeueStalled(ctx, p.cfg.StallThreshold)
		if err != nil {
			return 0, fmt.Errorf("requeue stalled: %w", err)
		}
		if requeued > 0 {
			p.log.Warn().Int64("count", requeued).Msg("requeued stalled jobs")
		}
		if failed > 0 {
			p.log.Error().Int64("count", failed).Msg("stalled jobs out of attempts, marked failed")
		}
	}

	batch, err := p.repo.Claim(ctx, p.cfg.WorkerID, p.cfg.Concurrency)
	if err != nil && len(batch) == 0 {
		return 0, fmt.Errorf("claim: %w", err)
	}

	// claimed jobs are finished even if the pool is shutting down
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(p.cfg.Concurrency)
	for i := range batch {
		j := batch[i]
		g.Go(func() error {
			p.execute(runCtx, &j)
			return nil
		})
	}
	_ = g.Wait()

	return len(batch), err
}

func (p *Pool) Prune(ctx context.Context) (int64, error) {
	now := p.repo.now()
	n, err := p.repo.Prune(ctx, now.Add(-p.cfg.CompletedRetention), now.Add(-p.cfg.FailedRetention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.log.Info().Int64("count", n).Msg("pruned finished jobs")
	}
	return n, nil
}

func (p *Pool) run(ctx context.Context, proc Processor, j *Job) (rep Report, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return proc.Process(ctx, j)
}

func (p *Pool) execute(ctx context.Context, j *Job) {
	log := p.log.With().
		Str("job_id", j.ID).
		Str("job_type", string(j.Type)).
		Int("attempt", j.Attempts+1).
		Logger()

	proc, ok := p.procs[j.Type]
	if !ok {
		if _, err := p.repo.Fail(ctx, j, j.Attempts, "unknown job type"); err != nil {
			log.Error().Err(err).Msg("mark failed")
		}
		log.Error().Msg("no processor for job type")
		return
	}

	rep, err := p.run(ctx, proc, j)
	if err != nil {
		p.fail(ctx, j, err, log)
		return
	}

	done, err := p.repo.Complete(ctx, j)
	if err != nil {
		// left ACTIVE; stall detection will hand it out again
		log.Error().Err(err).Msg("mark completed")
		return
	}
	if !done {
		log.Info().Str("status", string(StatusCancelled)).Str("outcome", string(rep.Outcome)).Msg("job cancelled while running")
		return
	}
	log.Info().Str("outcome", string(rep.Outcome)).Str("reason", rep.Reason).Msg("job completed")
}

func (p *Pool) fail(ctx context.Context, j *Job, cause error, log zerolog.Logger) {
	msg := cause.Error()

	var de *deferredError
	if errors.As(cause, &de) {
		if _, err := p.repo.RetryLater(ctx, j, j.Attempts, de.until, msg); err != nil {
			log.Error().Err(err).Msg("defer job")
			return
		}
		log.Info().Err(cause).Time("next_attempt_at", de.until).Msg("job deferred")
		return
	}

	attempts := j.Attempts + 1
	if IsPermanent(cause) || p.policy.Exhausted(attempts, j.MaxAttempts) {
		if _, err := p.repo.Fail(ctx, j, attempts, msg); err != nil {
			log.Error().Err(err).Msg("mark failed")
			return
		}
		log.Error().Err(cause).Int("attempts", attempts).Msg("job failed permanently")
		return
	}

	next := p.repo.now().Add(p.policy.Backoff(attempts))
	if _, err := p.repo.RetryLater(ctx, j, attempts, next, msg); err != nil {
		log.Error().Err(err).Msg("schedule retry")
		return
	}
	log.Warn().Err(cause).Time("next_attempt_at", next).Msg("job failed, will retry")
}
