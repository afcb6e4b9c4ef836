package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/db"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/eventstore"
	"github.com/jdziat/durable-etl/pkg/internal/testdb"
	"github.com/jdziat/durable-etl/pkg/queue"
	"github.com/jdziat/durable-etl/pkg/registry"
)

const (
	hostA = "host-a"
	hostB = "host-b"
)

type fixture struct {
	m     *db.Manager
	store *eventstore.Store
	reg   *registry.Registry
	ctx   context.Context
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m := testdb.Manager(t)
	store := eventstore.New(m)
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New()
	reg.MustRegister("test:worker", func(ctx context.Context, ev *core.Event) (*core.Event, error) {
		return &core.Event{Type: ":FINAL"}, nil
	})
	return &fixture{
		m:     m,
		store: store,
		reg:   reg,
		ctx:   etlctx.With(context.Background(), etlctx.ExecutionContext{Environment: testdb.Env}),
	}
}

func (f *fixture) queue(t *testing.T, hostID string, opts ...queue.NewOption) *queue.Queue {
	t.Helper()
	opts = append([]queue.NewOption{queue.WithRegistry(f.reg)}, opts...)
	q, err := queue.New(f.store, testdb.Env, hostID, opts...)
	require.NoError(t, err)
	require.NoError(t, q.RegisterQueue("census", queue.QueueOptions{}))
	return q
}

func (f *fixture) countContexts(t *testing.T) int64 {
	t.Helper()
	gdb, err := f.m.Get(context.Background(), testdb.Env)
	require.NoError(t, err)
	var n int64
	require.NoError(t, gdb.Model(&core.EtlContext{}).Count(&n).Error)
	return n
}

func descriptor(payload string) core.TaskDescriptor {
	return core.TaskDescriptor{
		Queue:        "census",
		WorkerRef:    "test:worker",
		InitialEvent: &core.Event{Type: ":INITIAL", Payload: datatypes.JSON(payload)},
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Registration
// ──────────────────────────────────────────────────────────────────────────────

func TestNew_RejectsInvalidHostID(t *testing.T) {
	f := newFixture(t)
	_, err := queue.New(f.store, testdb.Env, "")
	assert.ErrorIs(t, err, core.ErrInvalidHostID)
	_, err = queue.New(f.store, testdb.Env, "bad host/id")
	assert.ErrorIs(t, err, core.ErrInvalidHostID)
}

func TestRegisterQueue_StateMachine(t *testing.T) {
	f := newFixture(t)
	q, err := queue.New(f.store, testdb.Env, hostA)
	require.NoError(t, err)

	assert.Equal(t, queue.Unregistered, q.State("nightly"))
	require.NoError(t, q.RegisterQueue("nightly", queue.QueueOptions{Retries: 3}))
	assert.Equal(t, queue.Registered, q.State("nightly"))

	require.NoError(t, q.RegisterQueue("nightly", queue.QueueOptions{Retries: 3}), "identical options are a no-op")
	err = q.RegisterQueue("nightly", queue.QueueOptions{Retries: 4})
	assert.ErrorIs(t, err, core.ErrIncompatibleQueueOptions)

	release, err := q.AttachWorker("nightly")
	require.NoError(t, err)
	assert.Equal(t, queue.Working, q.State("nightly"))
	release()
	release()
	assert.Equal(t, queue.Registered, q.State("nightly"))

	_, err = q.AttachWorker("unknown")
	assert.ErrorIs(t, err, core.ErrQueueNotRegistered)

	assert.Equal(t, []string{"nightly"}, q.Queues())
}

func TestRegisterQueue_InvalidName(t *testing.T) {
	f := newFixture(t)
	q, err := queue.New(f.store, testdb.Env, hostA)
	require.NoError(t, err)

	assert.ErrorIs(t, q.RegisterQueue("", queue.QueueOptions{}), core.ErrInvalidQueueName)
	assert.ErrorIs(t, q.RegisterQueue("9lives", queue.QueueOptions{}), core.ErrInvalidQueueName)
}

func TestNamespacedQueue(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)
	assert.Equal(t, "host-a__census", q.NamespacedQueue("census"))
}

// ──────────────────────────────────────────────────────────────────────────────
// QueueTask
// ──────────────────────────────────────────────────────────────────────────────

func TestQueueTask(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	handle, err := q.QueueTask(f.ctx, descriptor(`{"year":2020}`), queue.Priority(5), queue.Retries(7), queue.ExpireIn(time.Hour))
	require.NoError(t, err)
	assert.NotZero(t, handle.EtlContextID)
	assert.NotEmpty(t, handle.JobID)

	initial, err := f.store.GetInitialEvent(f.ctx, handle.EtlContextID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"year":2020}`, string(initial.Payload))

	meta, err := initial.DecodeMeta()
	require.NoError(t, err)
	assert.Equal(t, "test:worker", meta.WorkerRef)
	assert.Equal(t, hostA, meta.HostID)
	assert.Equal(t, "host-a__census", meta.Queue)
	require.NotNil(t, meta.SendOptions)
	assert.Equal(t, 5, meta.SendOptions.Priority)
	assert.Equal(t, 7, meta.SendOptions.MaxRetries)
	assert.Equal(t, time.Hour, meta.SendOptions.ExpireIn)

	job, err := q.Storage().GetJob(context.Background(), handle.JobID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "host-a__census", job.Queue)
	require.NotNil(t, job.EtlContextID)
	assert.Equal(t, handle.EtlContextID, *job.EtlContextID)
	assert.Equal(t, 5, job.Priority)
	assert.Equal(t, 7, job.MaxRetries)
	assert.Equal(t, time.Hour, job.Timeout)

	c, err := f.store.GetEtlContext(f.ctx, handle.EtlContextID)
	require.NoError(t, err)
	require.NotNil(t, c.EtlTaskID)
	assert.Equal(t, handle.JobID, *c.EtlTaskID)
	assert.Equal(t, core.EtlStatusOpen, c.EtlStatus)
}

func TestQueueTask_KeepsCallerMeta(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	d := descriptor("")
	d.InitialEvent.Meta = datatypes.JSON(`{"requested_by":"api","host_id":"spoofed"}`)
	handle, err := q.QueueTask(f.ctx, d)
	require.NoError(t, err)

	initial, err := f.store.GetInitialEvent(f.ctx, handle.EtlContextID)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(initial.Meta, &raw))
	assert.Equal(t, "api", raw["requested_by"])
	assert.Equal(t, hostA, raw["host_id"])
}

func TestQueueTask_RejectsNonInitialType(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	d := descriptor("")
	d.InitialEvent.Type = ":FOO"
	_, err := q.QueueTask(f.ctx, d)
	assert.ErrorIs(t, err, core.ErrInvalidTaskDescriptor)
	assert.Zero(t, f.countContexts(t), "no context created")
}

func TestQueueTask_RejectsBadDescriptor(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	cases := map[string]func(*core.TaskDescriptor){
		"relative worker":  func(d *core.TaskDescriptor) { d.WorkerRef = "./load" },
		"unknown worker":   func(d *core.TaskDescriptor) { d.WorkerRef = "test:missing" },
		"no initial event": func(d *core.TaskDescriptor) { d.InitialEvent = nil },
		"invalid queue":    func(d *core.TaskDescriptor) { d.Queue = "bad queue" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			d := descriptor("")
			mutate(&d)
			_, err := q.QueueTask(f.ctx, d)
			assert.ErrorIs(t, err, core.ErrInvalidTaskDescriptor)
		})
	}
	assert.Zero(t, f.countContexts(t))
}

func TestQueueTask_UnregisteredQueue(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	d := descriptor("")
	d.Queue = "elsewhere"
	_, err := q.QueueTask(f.ctx, d)
	assert.ErrorIs(t, err, core.ErrQueueNotRegistered)
}

func TestQueueTask_QueueDefaults(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)
	require.NoError(t, q.RegisterQueue("nightly", queue.QueueOptions{Retries: 9, ExpireIn: time.Minute}))

	d := descriptor("")
	d.Queue = "nightly"
	handle, err := q.QueueTask(f.ctx, d, queue.Delay(time.Hour))
	require.NoError(t, err)

	job, err := q.Storage().GetJob(context.Background(), handle.JobID)
	require.NoError(t, err)
	assert.Equal(t, 9, job.MaxRetries)
	assert.Equal(t, time.Minute, job.Timeout)
	require.NotNil(t, job.RunAt)
	assert.True(t, job.RunAt.After(time.Now().Add(50*time.Minute)))
}

func TestQueueTask_ChildContext(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	parent, err := q.QueueTask(f.ctx, descriptor(""))
	require.NoError(t, err)

	d := descriptor("")
	d.ParentContextID = &parent.EtlContextID
	child, err := q.QueueTask(f.ctx, d)
	require.NoError(t, err)

	c, err := f.store.GetEtlContext(f.ctx, child.EtlContextID)
	require.NoError(t, err)
	require.NotNil(t, c.ParentContextID)
	assert.Equal(t, parent.EtlContextID, *c.ParentContextID)

	tree, err := f.store.QueryEvents(f.ctx, 0, child.EtlContextID)
	require.NoError(t, err)
	assert.Len(t, tree, 2)
}

type failingStorage struct {
	core.Storage
}

func (failingStorage) Enqueue(context.Context, *core.Job) error {
	return errors.New("backend unavailable")
}

func TestQueueTask_EnqueueFailureRollsBackContext(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA, queue.WithStorage(failingStorage{}))

	_, err := q.QueueTask(f.ctx, descriptor(""))
	require.ErrorContains(t, err, "backend unavailable")
	assert.Zero(t, f.countContexts(t), "context and :INITIAL rolled back with the failed submission")
}

func TestQueueTask_JoinsAmbientTransaction(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	boom := errors.New("boom")
	var handle queue.TaskHandle
	err := f.m.RunInTransaction(f.ctx, testdb.Env, func(ctx context.Context) error {
		var err error
		handle, err = q.QueueTask(ctx, descriptor(""))
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NotZero(t, handle.EtlContextID)
	assert.Zero(t, f.countContexts(t))

	job, err := q.Storage().GetJob(context.Background(), handle.JobID)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestQueueTask_HostNamespacing(t *testing.T) {
	f := newFixture(t)
	qa := f.queue(t, hostA)
	qb := f.queue(t, hostB)

	_, err := qa.QueueTask(f.ctx, descriptor(""))
	require.NoError(t, err)

	job, err := qb.Storage().Dequeue(context.Background(), []string{qb.NamespacedQueue("census")}, "worker-b")
	require.NoError(t, err)
	assert.Nil(t, job, "host B never receives host A's task")

	job, err = qa.Storage().Dequeue(context.Background(), []string{qa.NamespacedQueue("census")}, "worker-a")
	require.NoError(t, err)
	assert.NotNil(t, job)
}

// ──────────────────────────────────────────────────────────────────────────────
// ScheduleTask
// ──────────────────────────────────────────────────────────────────────────────

func TestScheduleTask(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	require.NoError(t, q.ScheduleTask(f.ctx, descriptor(`{"full":true}`), "0 3 * * *", queue.Retries(1)))
	assert.Zero(t, f.countContexts(t), "no context before the schedule fires")

	scheds, err := q.Storage().GetSchedules(context.Background(), []string{q.NamespacedQueue("census")})
	require.NoError(t, err)
	require.Len(t, scheds, 1)
	s := scheds[0]
	assert.Equal(t, "0 3 * * *", s.Cron)
	assert.Equal(t, "test:worker", s.WorkerRef)
	assert.Equal(t, 1, s.MaxRetries)
	assert.True(t, s.NextRunAt.After(time.Now()))

	var template core.Event
	require.NoError(t, json.Unmarshal(s.InitialEvent, &template))
	assert.Equal(t, ":INITIAL", template.Type)
	assert.JSONEq(t, `{"full":true}`, string(template.Payload))

	require.NoError(t, q.Unschedule(f.ctx, "census"))
	scheds, err = q.Storage().GetSchedules(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, scheds)
}

func TestScheduleTask_Rejects(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	err := q.ScheduleTask(f.ctx, descriptor(""), "not cron")
	assert.ErrorIs(t, err, core.ErrInvalidTaskDescriptor)

	d := descriptor("")
	parent := int64(1)
	d.ParentContextID = &parent
	err = q.ScheduleTask(f.ctx, d, "@hourly")
	assert.ErrorIs(t, err, core.ErrInvalidTaskDescriptor)
}

func TestMaterializeScheduledJob(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)
	bg := context.Background()

	src, err := f.store.CreateSource(f.ctx, "census-2020", "census")
	require.NoError(t, err)
	d := descriptor(`{"full":true}`)
	d.SourceID = &src.SourceID
	require.NoError(t, q.ScheduleTask(f.ctx, d, "@daily", queue.Retries(4)))

	ns := q.NamespacedQueue("census")
	jobs, err := q.Storage().FireDueSchedules(bg, []string{ns}, time.Now().Add(48*time.Hour),
		func(*core.Schedule) (time.Time, error) { return time.Now().Add(72 * time.Hour), nil })
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	require.True(t, job.Scheduled())
	require.Nil(t, job.EtlContextID)

	id, err := q.MaterializeScheduledJob(bg, job)
	require.NoError(t, err)
	require.NotNil(t, job.EtlContextID)
	assert.Equal(t, id, *job.EtlContextID)

	c, err := f.store.GetEtlContext(f.ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c.EtlTaskID)
	assert.Equal(t, job.ID, *c.EtlTaskID)
	require.NotNil(t, c.SourceID)
	assert.Equal(t, src.SourceID, *c.SourceID)

	initial, err := f.store.GetInitialEvent(f.ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"full":true}`, string(initial.Payload))
	meta, err := initial.DecodeMeta()
	require.NoError(t, err)
	assert.Equal(t, hostA, meta.HostID)
	assert.Equal(t, ns, meta.Queue)
	assert.Equal(t, "test:worker", meta.WorkerRef)
	require.NotNil(t, meta.SendOptions)
	assert.Equal(t, 4, meta.SendOptions.MaxRetries)

	stored, err := q.Storage().GetJob(bg, job.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.EtlContextID)
	assert.Equal(t, id, *stored.EtlContextID)

	// A redelivered copy without the in-memory context id reuses the row's.
	stored.EtlContextID = nil
	again, err := q.MaterializeScheduledJob(bg, stored)
	require.NoError(t, err)
	assert.Equal(t, id, again)
	assert.EqualValues(t, 1, f.countContexts(t))
}

func TestMaterializeScheduledJob_NoTemplate(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	_, err := q.MaterializeScheduledJob(context.Background(), &core.Job{ID: "j-1", Queue: "host-a__census"})
	assert.ErrorIs(t, err, core.ErrInvalidTaskDescriptor)
}

// ──────────────────────────────────────────────────────────────────────────────
// SweepOrphans
// ──────────────────────────────────────────────────────────────────────────────

func orphan(t *testing.T, f *fixture, hostID string) int64 {
	t.Helper()
	id, err := f.store.SpawnContext(f.ctx, nil, nil)
	require.NoError(t, err)
	meta, err := core.MergeMeta(nil, core.EventMeta{
		WorkerRef:   "test:worker",
		HostID:      hostID,
		Queue:       hostID + "__census",
		SendOptions: &core.SendOptions{Priority: 2, MaxRetries: 6},
	})
	require.NoError(t, err)
	_, err = f.store.Dispatch(f.ctx, &core.Event{EtlContextID: id, Type: ":INITIAL", Meta: meta})
	require.NoError(t, err)
	return id
}

func backdate(t *testing.T, f *fixture, ids ...int64) {
	t.Helper()
	gdb, err := f.m.Get(context.Background(), testdb.Env)
	require.NoError(t, err)
	require.NoError(t, gdb.Exec(
		"UPDATE etl_contexts SET _created_timestamp = ? WHERE etl_context_id IN ?",
		time.Now().Add(-time.Hour), ids).Error)
}

func TestSweepOrphans(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	mine := orphan(t, f, hostA)
	theirs := orphan(t, f, hostB)
	queued, err := q.QueueTask(f.ctx, descriptor(""))
	require.NoError(t, err)

	n, err := q.SweepOrphans(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh contexts are left alone")

	backdate(t, f, mine, theirs, queued.EtlContextID)
	n, err = q.SweepOrphans(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	c, err := f.store.GetEtlContext(f.ctx, mine)
	require.NoError(t, err)
	require.NotNil(t, c.EtlTaskID)
	job, err := q.Storage().GetJob(context.Background(), *c.EtlTaskID)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "host-a__census", job.Queue)
	assert.Equal(t, 2, job.Priority)
	assert.Equal(t, 6, job.MaxRetries)

	other, err := f.store.GetEtlContext(f.ctx, theirs)
	require.NoError(t, err)
	assert.Nil(t, other.EtlTaskID, "another host's orphan is not touched")

	n, err = q.SweepOrphans(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ──────────────────────────────────────────────────────────────────────────────
// Hooks and events
// ──────────────────────────────────────────────────────────────────────────────

func TestHooks(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)
	job := &core.Job{ID: "j"}

	var started, completed, failed, retried int
	q.OnTaskStart(func(context.Context, *core.Job) { started++ })
	q.OnTaskComplete(func(context.Context, *core.Job) { completed++ })
	q.OnTaskFail(func(context.Context, *core.Job, error) { failed++ })
	q.OnRetry(func(_ context.Context, _ *core.Job, attempt int, _ error) { retried += attempt })

	ctx := context.Background()
	q.CallStartHooks(ctx, job)
	q.CallCompleteHooks(ctx, job)
	q.CallFailHooks(ctx, job, errors.New("x"))
	q.CallRetryHooks(ctx, job, 3, errors.New("x"))

	assert.Equal(t, 1, started)
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 3, retried)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	q := f.queue(t, hostA)

	ch := q.Events()
	q.Emit(&core.TaskStarted{Job: &core.Job{ID: "j"}})

	select {
	case e := <-ch:
		started, ok := e.(*core.TaskStarted)
		require.True(t, ok)
		assert.Equal(t, "j", started.Job.ID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	q.Unsubscribe(ch)
	q.Emit(&core.TaskStarted{})
	select {
	case <-ch:
		t.Fatal("unsubscribed channel received an event")
	default:
	}
}
