package juggler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"horus-server/internal/jobs"
	"horus-server/internal/models"
	"horus-server/internal/store"
	"horus-server/internal/telemetry"
)

// ErrEnqueue wraps failures to write the metadata row.
var ErrEnqueue = errors.New("enqueue job")

const (
	DefaultBackfillDelay = 3 * time.Second
	backfillTimeout      = 30 * time.Second
)

// Named is a job value that knows the name it is stored under.
type Named interface {
	JobName() string
}

// Request describes a job to enqueue.
type Request struct {
	Owner    int64
	Name     string
	Payload  []byte
	Priority models.JobPriority
}

type backfill struct {
	id       int64
	payload  []byte
	priority models.JobPriority
}

// Gateway inserts a payload-less row synchronously and attaches the payload
// on a background supervisor after a delay. Until then the row carries
// DoNotProcess and cannot be claimed.
type Gateway struct {
	store store.JobStore
	delay time.Duration
	log   logrus.FieldLogger

	cmds    chan backfill
	closing chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewGateway(st store.JobStore, delay time.Duration, log logrus.FieldLogger) *Gateway {
	if delay < 0 {
		delay = DefaultBackfillDelay
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	g := &Gateway{
		store:   st,
		delay:   delay,
		log:     log.WithField("component", "enqueue"),
		cmds:    make(chan backfill),
		closing: make(chan struct{}),
	}
	g.wg.Add(1)
	go g.supervise()
	return g
}

// EnqueueJob encodes job and enqueues it under its own name.
func (g *Gateway) EnqueueJob(ctx context.Context, owner int64, job Named, priority models.JobPriority) (models.Job, error) {
	payload, err := jobs.Encode(job)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}
	return g.Enqueue(ctx, Request{Owner: owner, Name: job.JobName(), Payload: payload, Priority: priority})
}

// Enqueue returns as soon as the metadata row exists. The returned job has
// no payload and DoNotProcess priority; phase two may still be pending.
func (g *Gateway) Enqueue(ctx context.Context, req Request) (models.Job, error) {
	if req.Name == "" {
		return models.Job{}, fmt.Errorf("%w: job name is required", ErrEnqueue)
	}
	if !req.Priority.Valid() || req.Priority == models.PriorityDoNotProcess {
		return models.Job{}, fmt.Errorf("%w: invalid priority %d", ErrEnqueue, req.Priority)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return models.Job{}, fmt.Errorf("%w: gateway closed", ErrEnqueue)
	}

	row, err := g.store.InsertJob(ctx, models.NewJob{Owner: req.Owner, Name: req.Name}.WithoutPayload())
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", ErrEnqueue, err)
	}
	telemetry.JobsEnqueued.Inc()

	g.cmds <- backfill{id: row.ID, payload: req.Payload, priority: req.Priority}
	return row, nil
}

// Close flushes pending backfills immediately and waits for them to land.
func (g *Gateway) Close() {
	g.once.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		close(g.closing)
		close(g.cmds)
	})
	g.wg.Wait()
}

func (g *Gateway) supervise() {
	defer g.wg.Done()
	for cmd := range g.cmds {
		g.wg.Add(1)
		go func(cmd backfill) {
			defer g.wg.Done()
			g.wait()
			g.apply(cmd)
		}(cmd)
	}
}

func (g *Gateway) wait() {
	if g.delay == 0 {
		return
	}
	timer := time.NewTimer(g.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-g.closing:
	}
}

// apply attaches the payload. Every failure path ends in a Failed row or,
// failing that, an error log.
func (g *Gateway) apply(cmd backfill) {
	ctx, cancel := context.WithTimeout(context.Background(), backfillTimeout)
	defer cancel()
	log := g.log.WithField("job_id", cmd.id)

	err := g.store.BackfillJob(ctx, cmd.id, cmd.payload, cmd.priority)
	if err == nil {
		log.Debug("payload attached")
		return
	}

	telemetry.BackfillFailures.Inc()
	log.WithError(err).Warn("payload backfill failed; marking job failed")
	if ferr := g.store.FinishJob(ctx, cmd.id, models.StatusFailed, fmt.Sprintf("\ncould not attach payload: %v", err)); ferr != nil {
		log.WithError(ferr).Error("could not mark job failed after backfill error")
	}
}
