package juggler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"horus-server/internal/jobs"
	"horus-server/internal/logging"
	"horus-server/internal/models"
	"horus-server/internal/store"
	"horus-server/internal/store/memory"
)

// recorder is a test job kind that records the order jobs run in.
type recorder struct {
	mu    sync.Mutex
	order []string
}

type recordJob struct {
	Label string `json:"label"`
	Panic bool   `json:"panic"`
	Fail  string `json:"fail"`

	rec *recorder
	jobs.LogBuffer
}

func (r *recordJob) Execute(context.Context, jobs.Env) jobs.Result {
	if r.Panic {
		panic("boom")
	}
	r.rec.mu.Lock()
	r.rec.order = append(r.rec.order, r.Label)
	r.rec.mu.Unlock()
	r.Log("ran " + r.Label)
	if r.Fail != "" {
		return jobs.FailedWithReason(r.Fail)
	}
	return jobs.Complete()
}

func newRecorderRegistry(rec *recorder) *jobs.Registry {
	reg := jobs.DefaultRegistry()
	reg.RegisterFunc("test:record", func(payload []byte) (jobs.Executable, error) {
		j, err := jobs.Decode[recordJob](payload)
		if err != nil {
			return nil, err
		}
		j.rec = rec
		return &j, nil
	})
	return reg
}

func steppingClock() func() time.Time {
	var mu sync.Mutex
	t := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		t = t.Add(time.Second)
		return t
	}
}

func insertReady(t *testing.T, st *memory.Store, name string, payload any, prio models.JobPriority) models.Job {
	t.Helper()
	ctx := context.Background()
	row, err := st.InsertJob(ctx, models.NewJob{Owner: 1, Name: name}.WithoutPayload())
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	b, err := jobs.Encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := st.BackfillJob(ctx, row.ID, b, prio); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	return row
}

func status(t *testing.T, st *memory.Store, id int64) models.JobStatus {
	t.Helper()
	job, err := st.GetJob(context.Background(), id)
	if err != nil {
		t.Fatalf("get job %d: %v", id, err)
	}
	return job.Status
}

func TestQueueIsBoundedFIFO(t *testing.T) {
	q := NewQueue(2)
	if !q.Push(models.Job{ID: 1}) || !q.Push(models.Job{ID: 2}) {
		t.Fatalf("expected pushes to succeed")
	}
	if q.Push(models.Job{ID: 3}) {
		t.Fatalf("push beyond capacity must fail")
	}
	if j, _ := q.Pop(); j.ID != 1 {
		t.Fatalf("expected FIFO order, got %d", j.ID)
	}
	if q.Free() != 1 {
		t.Fatalf("expected one free slot, got %d", q.Free())
	}
	if NewQueue(0).Capacity() != DefaultCapacity {
		t.Fatalf("zero capacity must fall back to default")
	}
}

func TestJugglerRunsHigherPriorityFirstThenOldest(t *testing.T) {
	ctx := context.Background()
	st := memory.New(memory.WithClock(steppingClock()))
	rec := &recorder{}
	j := New(st, jobs.Env{}, WithRegistry(newRecorderRegistry(rec)), WithLogger(logging.Discard()))

	insertReady(t, st, "test:record", recordJob{Label: "normal-1"}, models.PriorityNormal)
	insertReady(t, st, "test:record", recordJob{Label: "high"}, models.PriorityHigh)
	insertReady(t, st, "test:record", recordJob{Label: "normal-3"}, models.PriorityNormal)

	if err := j.fill(ctx, j.queue.Free(), models.StatusWaiting, models.StatusQueued); err != nil {
		t.Fatalf("fill: %v", err)
	}
	for j.step(ctx) {
	}

	want := []string{"high", "normal-1", "normal-3"}
	if strings.Join(rec.order, ",") != strings.Join(want, ",") {
		t.Fatalf("expected order %v, got %v", want, rec.order)
	}
}

func TestStartupClaimIsBoundedByCapacity(t *testing.T) {
	ctx := context.Background()
	st := memory.New(memory.WithClock(steppingClock()))
	j := New(st, jobs.Env{}, WithRegistry(newRecorderRegistry(&recorder{})), WithLogger(logging.Discard()))

	for i := 0; i < 6; i++ {
		insertReady(t, st, "test:record", recordJob{Label: "x"}, models.PriorityNormal)
	}
	if err := j.fill(ctx, j.queue.Free(), models.StatusWaiting, models.StatusQueued); err != nil {
		t.Fatalf("fill: %v", err)
	}
	if j.queue.Len() != DefaultCapacity {
		t.Fatalf("expected %d materialized jobs, got %d", DefaultCapacity, j.queue.Len())
	}
	counts, _ := st.CountJobsByStatus(ctx)
	if counts[models.StatusQueued] != 4 || counts[models.StatusWaiting] != 2 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestJugglerOnlyOneJobRunningAtATime(t *testing.T) {
	ctx := context.Background()
	st := memory.New(memory.WithClock(steppingClock()))

	var (
		mu      sync.Mutex
		maxSeen int64
	)
	reg := jobs.NewRegistry()
	reg.RegisterFunc("test:check", func([]byte) (jobs.Executable, error) {
		return &runningCheckJob{check: func() {
			counts, _ := st.CountJobsByStatus(ctx)
			mu.Lock()
			if counts[models.StatusRunning] > maxSeen {
				maxSeen = counts[models.StatusRunning]
			}
			mu.Unlock()
		}}, nil
	})
	j := New(st, jobs.Env{}, WithRegistry(reg), WithLogger(logging.Discard()))
	for i := 0; i < 3; i++ {
		insertReady(t, st, "test:check", map[string]int{"n": i}, models.PriorityNormal)
	}
	_ = j.fill(ctx, 4)
	for j.step(ctx) {
	}
	if maxSeen != 1 {
		t.Fatalf("expected exactly one running job at a time, saw %d", maxSeen)
	}
}

type runningCheckJob struct {
	check func()
	jobs.LogBuffer
}

func (c *runningCheckJob) Execute(context.Context, jobs.Env) jobs.Result {
	c.check()
	return jobs.Complete()
}

func TestJugglerFailedWithReasonLandsInLogs(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	j := New(st, jobs.Env{}, WithRegistry(newRecorderRegistry(&recorder{})), WithLogger(logging.Discard()))

	row := insertReady(t, st, "test:record", recordJob{Label: "a", Fail: "disk on fire"}, models.PriorityNormal)
	_ = j.fill(ctx, 1)
	j.step(ctx)

	job, _ := st.GetJob(ctx, row.ID)
	if job.Status != models.StatusFailed {
		t.Fatalf("expected Failed, got %s", job.Status)
	}
	reason := strings.Index(job.Logs, "disk on fire")
	final := strings.Index(job.Logs, "job finished with status failed")
	if reason < 0 || final < 0 || reason > final {
		t.Fatalf("reason must precede the final line, logs %q", job.Logs)
	}
}

func TestJugglerRecoversFromPanic(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	j := New(st, jobs.Env{}, WithRegistry(newRecorderRegistry(&recorder{})), WithLogger(logging.Discard()))

	row := insertReady(t, st, "test:record", recordJob{Panic: true}, models.PriorityNormal)
	_ = j.fill(ctx, 1)
	j.step(ctx)

	job, _ := st.GetJob(ctx, row.ID)
	if job.Status != models.StatusFailed || !strings.Contains(job.Logs, "job panicked: boom") {
		t.Fatalf("expected recovered failure, got %s %q", job.Status, job.Logs)
	}
}

func TestJugglerFailsUndecodableJobs(t *testing.T) {
	ctx := context.Background()
	st := memory.New(memory.WithClock(steppingClock()))
	j := New(st, jobs.Env{}, WithLogger(logging.Discard()))

	unknown := insertReady(t, st, "video:transcode", map[string]string{"a": "b"}, models.PriorityNormal)
	garbage, _ := st.InsertJob(ctx, models.NewJob{Owner: 1, Name: "thumbnail:image"}.WithoutPayload())
	if err := st.BackfillJob(ctx, garbage.ID, []byte("not json"), models.PriorityNormal); err != nil {
		t.Fatalf("backfill: %v", err)
	}

	_ = j.fill(ctx, 4)
	for j.step(ctx) {
	}

	for _, id := range []int64{unknown.ID, garbage.ID} {
		job, _ := st.GetJob(ctx, id)
		if job.Status != models.StatusFailed || !strings.Contains(job.Logs, "cannot dispatch job") {
			t.Fatalf("job %d: expected Failed with dispatch log, got %s %q", id, job.Status, job.Logs)
		}
	}
}

func TestShutdownReturnsQueuedJobsToWaiting(t *testing.T) {
	ctx := context.Background()
	st := memory.New(memory.WithClock(steppingClock()))
	rec := &recorder{}
	j := New(st, jobs.Env{},
		WithRegistry(newRecorderRegistry(rec)),
		WithLogger(logging.Discard()),
		WithThrottle(time.Hour),
	)

	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, insertReady(t, st, "test:record", recordJob{Label: "x"}, models.PriorityNormal).ID)
	}
	if err := j.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := j.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	counts, _ := st.CountJobsByStatus(ctx)
	if counts[models.StatusQueued] != 0 || counts[models.StatusRunning] != 0 {
		t.Fatalf("no job may stay queued or running after shutdown: %v", counts)
	}
	if counts[models.StatusWaiting]+counts[models.StatusComplete] != 3 {
		t.Fatalf("unexpected counts %v", counts)
	}

	// A fresh juggler can pick the reset jobs back up.
	next := New(st, jobs.Env{}, WithRegistry(newRecorderRegistry(rec)), WithLogger(logging.Discard()))
	if err := next.fill(ctx, next.queue.Free(), models.StatusWaiting, models.StatusQueued); err != nil {
		t.Fatalf("refill: %v", err)
	}
	for next.step(ctx) {
	}
	for _, id := range ids {
		if s := status(t, st, id); s != models.StatusComplete {
			t.Fatalf("job %d: expected Complete after restart, got %s", id, s)
		}
	}
}

func TestStartTwiceFails(t *testing.T) {
	j := New(memory.New(), jobs.Env{}, WithLogger(logging.Discard()), WithThrottle(time.Hour))
	if err := j.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer j.Shutdown(context.Background())
	if err := j.Start(context.Background()); err == nil {
		t.Fatalf("second start must fail")
	}
}

var errBackfill = errors.New("payload too large for connection")

type failingBackfillStore struct {
	*memory.Store
}

func (f failingBackfillStore) BackfillJob(context.Context, int64, []byte, models.JobPriority) error {
	return errBackfill
}

// flakyStore fails the first finishFailures FinishJob calls and the first
// startFailures StartJob calls with a transient error.
type flakyStore struct {
	*memory.Store
	finishFailures atomic.Int32
	startFailures  atomic.Int32
}

func (f *flakyStore) FinishJob(ctx context.Context, id int64, status models.JobStatus, logs string) error {
	if f.finishFailures.Add(-1) >= 0 {
		return store.ErrUnavailable
	}
	return f.Store.FinishJob(ctx, id, status, logs)
}

func (f *flakyStore) StartJob(ctx context.Context, id int64) (bool, error) {
	if f.startFailures.Add(-1) >= 0 {
		return false, store.ErrUnavailable
	}
	return f.Store.StartJob(ctx, id)
}

func waitTerminal(t *testing.T, st *memory.Store, id int64) models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, _ := st.GetJob(context.Background(), id)
		if job.Status.Terminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := st.GetJob(context.Background(), id)
	t.Fatalf("job %d never reached a terminal status, last %s", id, job.Status)
	return job
}

func TestFinalStatusRetriedAfterTransientStoreError(t *testing.T) {
	ctx := context.Background()
	mem := memory.New(memory.WithClock(steppingClock()))
	st := &flakyStore{Store: mem}
	st.finishFailures.Store(2)
	rec := &recorder{}
	j := New(st, jobs.Env{}, WithRegistry(newRecorderRegistry(rec)), WithLogger(logging.Discard()))

	first := insertReady(t, mem, "test:record", recordJob{Label: "first", Fail: "quota exceeded"}, models.PriorityHigh)
	second := insertReady(t, mem, "test:record", recordJob{Label: "second"}, models.PriorityNormal)
	_ = j.fill(ctx, 2)

	if !j.step(ctx) {
		t.Fatalf("expected the first job to be taken")
	}
	if s := status(t, mem, first.ID); s != models.StatusRunning {
		t.Fatalf("expected Running while the final update is rejected, got %s", s)
	}
	if j.step(ctx) {
		t.Fatalf("no job may be taken while a final update is pending")
	}
	if s := status(t, mem, second.ID); s != models.StatusQueued {
		t.Fatalf("second job must wait, got %s", s)
	}

	for j.step(ctx) {
	}
	job, _ := mem.GetJob(ctx, first.ID)
	if job.Status != models.StatusFailed || !strings.Contains(job.Logs, "quota exceeded") || !strings.Contains(job.Logs, "ran first") {
		t.Fatalf("expected Failed with the job's logs kept, got %s %q", job.Status, job.Logs)
	}
	if s := status(t, mem, second.ID); s != models.StatusComplete {
		t.Fatalf("expected second job Complete, got %s", s)
	}
	if strings.Join(rec.order, ",") != "first,second" {
		t.Fatalf("each job must run exactly once, got %v", rec.order)
	}
}

func TestFinalStatusRetriedByRunningLoop(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	st := &flakyStore{Store: mem}
	st.finishFailures.Store(1)
	j := New(st, jobs.Env{},
		WithRegistry(newRecorderRegistry(&recorder{})),
		WithLogger(logging.Discard()),
		WithThrottle(10*time.Millisecond),
	)

	row := insertReady(t, mem, "test:record", recordJob{Label: "a"}, models.PriorityNormal)
	if err := j.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer j.Shutdown(ctx)

	job := waitTerminal(t, mem, row.ID)
	if job.Status != models.StatusComplete || !strings.Contains(job.Logs, "job finished with status complete") {
		t.Fatalf("expected Complete with logs, got %s %q", job.Status, job.Logs)
	}
}

func TestRunningTransitionRetriedAfterTransientStoreError(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	st := &flakyStore{Store: mem}
	st.startFailures.Store(1)
	rec := &recorder{}
	j := New(st, jobs.Env{}, WithRegistry(newRecorderRegistry(rec)), WithLogger(logging.Discard()))

	row := insertReady(t, mem, "test:record", recordJob{Label: "only"}, models.PriorityNormal)
	_ = j.fill(ctx, 1)

	j.step(ctx)
	if s := status(t, mem, row.ID); s != models.StatusQueued {
		t.Fatalf("expected job back in the queue, got %s", s)
	}
	if j.queue.Len() != 1 {
		t.Fatalf("expected the job at the head of the queue, len %d", j.queue.Len())
	}

	for j.step(ctx) {
	}
	if s := status(t, mem, row.ID); s != models.StatusComplete {
		t.Fatalf("expected Complete after retry, got %s", s)
	}
	if len(rec.order) != 1 {
		t.Fatalf("expected a single execution, got %v", rec.order)
	}
}

func TestTwoJugglersNeverRunTheSameJob(t *testing.T) {
	ctx := context.Background()
	st := memory.New(memory.WithClock(steppingClock()))
	rec := &recorder{}
	a := New(st, jobs.Env{}, WithID("a"), WithRegistry(newRecorderRegistry(rec)), WithLogger(logging.Discard()))
	b := New(st, jobs.Env{}, WithID("b"), WithRegistry(newRecorderRegistry(rec)), WithLogger(logging.Discard()))

	var ids []int64
	for _, label := range []string{"j1", "j2", "j3", "j4"} {
		ids = append(ids, insertReady(t, st, "test:record", recordJob{Label: label}, models.PriorityNormal).ID)
	}

	// b starts after a and reclaims the rows a still holds as Queued.
	if err := a.fill(ctx, a.queue.Free(), models.StatusWaiting, models.StatusQueued); err != nil {
		t.Fatalf("fill a: %v", err)
	}
	if err := b.fill(ctx, b.queue.Free(), models.StatusWaiting, models.StatusQueued); err != nil {
		t.Fatalf("fill b: %v", err)
	}
	if a.queue.Len() != 4 || b.queue.Len() != 4 {
		t.Fatalf("expected both queues full, got %d and %d", a.queue.Len(), b.queue.Len())
	}

	for a.step(ctx) || b.step(ctx) {
	}

	if strings.Join(rec.order, ",") != "j1,j2,j3,j4" {
		t.Fatalf("every job must run exactly once, got %v", rec.order)
	}
	for _, id := range ids {
		if s := status(t, st, id); s != models.StatusComplete {
			t.Fatalf("job %d: expected Complete, got %s", id, s)
		}
	}
}
