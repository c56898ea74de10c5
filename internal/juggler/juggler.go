// Package juggler runs claimed jobs one at a time and owns the two-phase
// enqueue path that makes new jobs eligible for it.
package juggler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"horus-server/internal/jobs"
	"horus-server/internal/models"
	"horus-server/internal/store"
	"horus-server/internal/telemetry"
)

const defaultThrottle = time.Second

// Juggler drives the worker loop. All jobs run serially on one goroutine.
type Juggler struct {
	id       string
	store    store.JobStore
	registry *jobs.Registry
	env      jobs.Env
	queue    *Queue
	throttle time.Duration
	log      logrus.FieldLogger

	// pending holds final updates the store rejected. Owned by the loop.
	pending []finalization

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

type finalization struct {
	id        int64
	status    models.JobStatus
	logs      string
	failLabel string
	log       logrus.FieldLogger
}

// Option customizes a Juggler.
type Option func(*Juggler)

func WithID(id string) Option {
	return func(j *Juggler) {
		if id != "" {
			j.id = id
		}
	}
}

func WithCapacity(n int) Option {
	return func(j *Juggler) { j.queue = NewQueue(n) }
}

func WithThrottle(d time.Duration) Option {
	return func(j *Juggler) {
		if d > 0 {
			j.throttle = d
		}
	}
}

func WithRegistry(r *jobs.Registry) Option {
	return func(j *Juggler) {
		if r != nil {
			j.registry = r
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(j *Juggler) {
		if l != nil {
			j.log = l
		}
	}
}

func New(st store.JobStore, env jobs.Env, opts ...Option) *Juggler {
	j := &Juggler{
		id:       uuid.NewString(),
		store:    st,
		registry: jobs.DefaultRegistry(),
		env:      env,
		queue:    NewQueue(DefaultCapacity),
		throttle: defaultThrottle,
		log:      logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = j.log.WithField("juggler_id", j.id)
	if j.env.Logger == nil {
		j.env.Logger = j.log
	}
	return j
}

func (j *Juggler) ID() string { return j.id }

// Start loads the initial batch and launches the loop. Jobs left Queued by a
// previous process are picked up alongside Waiting ones. If another juggler
// still holds one of them, whichever moves it to Running first executes it.
func (j *Juggler) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return errors.New("juggler already started")
	}

	if err := j.fill(ctx, j.queue.Free(), models.StatusWaiting, models.StatusQueued); err != nil {
		return fmt.Errorf("initial claim: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j.cancel = cancel
	j.done = make(chan struct{})
	go func() {
		defer close(j.done)
		j.Run(loopCtx)
	}()
	j.log.WithField("queued", j.queue.Len()).Info("juggler started")
	return nil
}

// Shutdown stops the loop after the job in flight finishes, then moves every
// Queued job back to Waiting so the next process reconsiders it.
func (j *Juggler) Shutdown(ctx context.Context) error {
	j.mu.Lock()
	if j.stopped {
		j.mu.Unlock()
		return nil
	}
	j.stopped = true
	cancel, done := j.cancel, j.done
	j.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
			if !j.flush(context.WithoutCancel(ctx)) {
				j.log.WithField("pending", len(j.pending)).Error("final job statuses not persisted; jobs stay running")
			}
		case <-ctx.Done():
			j.log.Warn("shutdown deadline reached with a job still in flight")
		}
	}

	n, err := j.store.ResetStatus(context.WithoutCancel(ctx), models.StatusQueued, models.StatusWaiting)
	if err != nil {
		return fmt.Errorf("reset queued jobs: %w", err)
	}
	telemetry.QueueDepth.Set(0)
	j.log.WithField("reset", n).Info("queued jobs returned to waiting")
	return nil
}

// Run loops until ctx is cancelled. A cancelled ctx never interrupts a job
// that has already been popped.
func (j *Juggler) Run(ctx context.Context) {
	for {
		j.step(ctx)

		timer := time.NewTimer(j.throttle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if j.queue.Free() > 0 {
			if err := j.fill(ctx, 1, models.StatusWaiting); err != nil {
				j.log.WithError(err).Warn("refill failed; retrying next tick")
			}
		}
	}
}

// fill claims up to n jobs in one store operation and queues them.
func (j *Juggler) fill(ctx context.Context, n int, from ...models.JobStatus) error {
	if n <= 0 {
		return nil
	}
	claimed, err := j.store.ClaimJobs(ctx, n, from...)
	if err != nil {
		return err
	}
	for _, job := range claimed {
		if !j.queue.Push(job) {
			// Cannot happen while n <= Free; leave the row Queued for the
			// shutdown reset rather than lose track of it.
			j.log.WithField("job_id", job.ID).Error("claimed job did not fit in queue")
			continue
		}
	}
	telemetry.JobsClaimed.Add(float64(len(claimed)))
	telemetry.QueueDepth.Set(float64(j.queue.Len()))
	return nil
}

// step processes the head of the queue, if any. It reports whether a job was
// taken. No job is taken while an earlier final update is still unpersisted.
func (j *Juggler) step(ctx context.Context) bool {
	if !j.flush(context.WithoutCancel(ctx)) {
		return false
	}
	job, ok := j.queue.Pop()
	if !ok {
		return false
	}
	telemetry.QueueDepth.Set(float64(j.queue.Len()))
	j.process(context.WithoutCancel(ctx), job)
	return true
}

func (j *Juggler) process(ctx context.Context, job models.Job) {
	log := j.log.WithFields(logrus.Fields{"job_id": job.ID, "job_name": job.Name})

	started, err := j.store.StartJob(ctx, job.ID)
	if err != nil {
		log.WithError(err).Warn("could not mark job running; will retry")
		j.queue.PushFront(job)
		return
	}
	if !started {
		log.Warn("job is no longer queued; skipping")
		return
	}

	exec, err := j.registry.Dispatch(job.Name, job.Payload)
	if err != nil {
		log.WithError(err).Error("cannot dispatch job")
		j.finish(ctx, log, job.ID, models.StatusFailed, fmt.Sprintf("\ncannot dispatch job: %v", err), telemetry.FailDecode)
		return
	}
	telemetry.JobsRunning.Inc()
	defer telemetry.JobsRunning.Dec()

	result, panicked := execute(ctx, exec, j.env)

	status := models.StatusComplete
	failLabel := ""
	switch result.Outcome {
	case jobs.OutcomeFailed:
		status, failLabel = models.StatusFailed, telemetry.FailExecute
	case jobs.OutcomeFailedWithReason:
		status, failLabel = models.StatusFailed, telemetry.FailExecute
		exec.Log(result.Reason)
	}
	if panicked {
		failLabel = telemetry.FailPanic
	}
	exec.Log(fmt.Sprintf("job finished with status %s", status))

	log.WithField("status", status).Info("job finished")
	j.finish(ctx, log, job.ID, status, exec.Logs(), failLabel)
}

func (j *Juggler) finish(ctx context.Context, log logrus.FieldLogger, id int64, status models.JobStatus, logs, failLabel string) {
	f := finalization{id: id, status: status, logs: logs, failLabel: failLabel, log: log}
	if !j.persist(ctx, f) {
		j.pending = append(j.pending, f)
	}
}

// flush retries rejected final updates in order and reports whether none remain.
func (j *Juggler) flush(ctx context.Context) bool {
	for len(j.pending) > 0 {
		if !j.persist(ctx, j.pending[0]) {
			return false
		}
		j.pending = j.pending[1:]
	}
	return true
}

// persist writes a final update. A transient failure reports false so the
// update is retried; a missing row is dropped.
func (j *Juggler) persist(ctx context.Context, f finalization) bool {
	if err := j.store.FinishJob(ctx, f.id, f.status, f.logs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			f.log.WithError(err).Error("job row vanished before its final status was written")
			return true
		}
		f.log.WithError(err).Warn("could not persist final job status; will retry")
		return false
	}
	if f.status == models.StatusComplete {
		telemetry.JobsCompleted.Inc()
		return true
	}
	telemetry.JobsFailed.WithLabelValues(f.failLabel).Inc()
	return true
}

func execute(ctx context.Context, exec jobs.Executable, env jobs.Env) (res jobs.Result, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			res = jobs.FailedWithReason(fmt.Sprintf("job panicked: %v", r))
			panicked = true
		}
	}()
	return exec.Execute(ctx, env), false
}
