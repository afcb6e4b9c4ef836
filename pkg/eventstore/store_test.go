package eventstore_test

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
)

func newTestStore(t *testing.T) (*eventstore.Store, *db.Manager, context.Context) {
	t.Helper()
	m := testdb.Manager(t)
	s := eventstore.New(m, eventstore.WithPollInterval(20*time.Millisecond))
	t.Cleanup(func() { _ = s.Close() })
	ctx := etlctx.With(context.Background(), etlctx.ExecutionContext{Environment: testdb.Env})
	return s, m, ctx
}

func spawn(t *testing.T, s *eventstore.Store, ctx context.Context) int64 {
	t.Helper()
	id, err := s.SpawnContext(ctx, nil, nil)
	require.NoError(t, err)
	return id
}

func dispatch(t *testing.T, s *eventstore.Store, ctx context.Context, id int64, eventType string, payload any) *core.Event {
	t.Helper()
	ev, err := core.NewEvent(eventType, payload)
	require.NoError(t, err)
	ev.EtlContextID = id
	stored, err := s.Dispatch(ctx, ev)
	require.NoError(t, err)
	return stored
}

func eventTypes(events []core.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestStore_RequiresEnvironment(t *testing.T) {
	s, _, _ := newTestStore(t)
	_, err := s.SpawnContext(context.Background(), nil, nil)
	assert.ErrorIs(t, err, core.ErrNoContext)
}

func TestDispatch_LifecycleScenario(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)

	dispatch(t, s, ctx, id, ":INITIAL", nil)
	dispatch(t, s, ctx, id, ":FACT", map[string]int{"n": 1})
	final := dispatch(t, s, ctx, id, ":FINAL", nil)

	events, err := s.GetAllEtlContextEvents(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{":INITIAL", ":FACT", ":FINAL"}, eventTypes(events))
	assert.Less(t, events[0].EventID, events[1].EventID)
	assert.Less(t, events[1].EventID, events[2].EventID)
	assert.JSONEq(t, `{"n":1}`, string(events[1].Payload))

	got, err := s.GetEtlContextFinalEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, final.EventID, got.EventID)

	initial, err := s.GetInitialEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ":INITIAL", initial.Type)

	c, err := s.GetEtlContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.EtlStatusDone, c.EtlStatus)
	require.NotNil(t, c.InitialEventID)
	assert.Equal(t, initial.EventID, *c.InitialEventID)
	require.NotNil(t, c.LatestEventID)
	assert.Equal(t, final.EventID, *c.LatestEventID)
}

func TestDispatch_FirstEventMustBeInitial(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)

	for _, typ := range []string{":FACT", ":FINAL", ":ERROR", "census:INITIAL_LOAD"} {
		_, err := s.Dispatch(ctx, &core.Event{EtlContextID: id, Type: typ})
		assert.ErrorIs(t, err, core.ErrInvalidFirstEvent, typ)
	}

	events, err := s.GetAllEtlContextEvents(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = s.GetInitialEvent(ctx, id)
	assert.ErrorIs(t, err, core.ErrNoInitialEvent)
}

func TestDispatch_SecondInitialRejected(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)
	dispatch(t, s, ctx, id, ":INITIAL", nil)

	_, err := s.Dispatch(ctx, &core.Event{EtlContextID: id, Type: "other:INITIAL"})
	assert.ErrorIs(t, err, core.ErrDuplicateInitialEvent)

	events, err := s.GetAllEtlContextEvents(ctx, id)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestDispatch_NothingFollowsFinal(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)
	dispatch(t, s, ctx, id, ":INITIAL", nil)
	dispatch(t, s, ctx, id, ":FINAL", nil)

	for _, typ := range []string{":FACT", ":FINAL", ":ERROR"} {
		_, err := s.Dispatch(ctx, &core.Event{EtlContextID: id, Type: typ})
		assert.ErrorIs(t, err, core.ErrContextAlreadyFinalized, typ)
	}
	_, err := s.Dispatch(ctx, &core.Event{EtlContextID: id, Type: ":INITIAL"})
	assert.ErrorIs(t, err, core.ErrDuplicateInitialEvent, "duplicate check runs before finality check")

	events, err := s.GetAllEtlContextEvents(ctx, id)
	require.NoError(t, err)
	assert.Len(t, events, 2)
}

func TestDispatch_ErrorIsReenterable(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)
	dispatch(t, s, ctx, id, ":INITIAL", nil)
	dispatch(t, s, ctx, id, ":ERROR", map[string]string{"message": "boom"})

	status, err := s.GetEtlStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.EtlStatusError, status)

	final, err := s.GetEtlContextFinalEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ":ERROR", final.Type)

	dispatch(t, s, ctx, id, ":RETRY", nil)
	status, err = s.GetEtlStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.EtlStatusOpen, status)

	flagged, err := s.Dispatch(ctx, &core.Event{EtlContextID: id, Type: ":WARN", Error: true})
	require.NoError(t, err)
	assert.True(t, flagged.Error)
	status, err = s.GetEtlStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.EtlStatusError, status)
}

func TestDispatch_UsesAmbientContextID(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)

	err := etlctx.Run(ctx, etlctx.ExecutionContext{Environment: testdb.Env, EtlContextID: id}, func(ctx context.Context) error {
		_, err := s.Dispatch(ctx, &core.Event{Type: ":INITIAL"})
		return err
	})
	require.NoError(t, err)

	_, err = s.Dispatch(ctx, &core.Event{Type: ":FACT"})
	assert.ErrorIs(t, err, core.ErrMissingRequiredField)
}

func TestDispatch_UnknownContext(t *testing.T) {
	s, _, ctx := newTestStore(t)
	_, err := s.Dispatch(ctx, &core.Event{EtlContextID: 999999, Type: ":INITIAL"})
	assert.ErrorIs(t, err, core.ErrEtlContextNotFound)
}

func TestDispatch_ArrayPayloadStoredAsString(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)

	stored, err := s.Dispatch(ctx, &core.Event{
		EtlContextID: id,
		Type:         ":INITIAL",
		Payload:      datatypes.JSON(`[1, 2, 3]`),
	})
	require.NoError(t, err)

	var raw string
	require.NoError(t, json.Unmarshal(stored.Payload, &raw))
	assert.Equal(t, "[1, 2, 3]", raw)

	events, err := s.GetAllEtlContextEvents(ctx, id)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(events[0].Payload, &raw))
	assert.Equal(t, "[1, 2, 3]", raw)
}

func TestDispatch_ArrayPayloadDecodesBack(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)
	dispatch(t, s, ctx, id, "x:INITIAL", nil)
	dispatch(t, s, ctx, id, "x:FINAL", []int{1, 2, 3})

	final, err := s.GetEtlContextFinalEvent(ctx, id)
	require.NoError(t, err)
	var nums []int
	require.NoError(t, final.DecodePayload(&nums))
	assert.Equal(t, []int{1, 2, 3}, nums)
}

func TestGetEtlContextFinalEvent_SuffixIsCaseSensitive(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)
	dispatch(t, s, ctx, id, "x:INITIAL", nil)
	dispatch(t, s, ctx, id, "x:final", map[string]int{"n": 1})

	_, err := s.GetEtlContextFinalEvent(ctx, id)
	require.ErrorIs(t, err, core.ErrNoFinalEvent)
	status, err := s.GetEtlStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, core.EtlStatusOpen, status)

	// Not a second :INITIAL either.
	dispatch(t, s, ctx, id, "x:initial", nil)

	stored := dispatch(t, s, ctx, id, "x:FINAL", nil)
	final, err := s.GetEtlContextFinalEvent(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, stored.EventID, final.EventID)
}

func TestDispatch_RolledBackTransactionLeavesNoEvents(t *testing.T) {
	s, m, ctx := newTestStore(t)
	id := spawn(t, s, ctx)
	dispatch(t, s, ctx, id, ":INITIAL", nil)

	boom := errors.New("boom")
	err := m.RunInTransaction(ctx, testdb.Env, func(ctx context.Context) error {
		if _, err := s.Dispatch(ctx, &core.Event{EtlContextID: id, Type: ":CHECKPOINT"}); err != nil {
			return err
		}
		inside, err := s.GetAllEtlContextEvents(ctx, id)
		require.NoError(t, err)
		assert.Len(t, inside, 2, "visible inside the transaction")
		return boom
	})
	require.ErrorIs(t, err, boom)

	events, err := s.GetAllEtlContextEvents(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{":INITIAL"}, eventTypes(events))

	c, err := s.GetEtlContext(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, events[0].EventID, *c.LatestEventID, "context bookkeeping rolled back too")
}

func TestQueryEvents_WholeTree(t *testing.T) {
	s, _, ctx := newTestStore(t)

	root := spawn(t, s, ctx)
	child, err := s.SpawnContext(ctx, nil, &root)
	require.NoError(t, err)
	grandchild, err := s.SpawnContext(ctx, nil, &child)
	require.NoError(t, err)
	sibling, err := s.SpawnContext(ctx, nil, &root)
	require.NoError(t, err)
	unrelated := spawn(t, s, ctx)

	e1 := dispatch(t, s, ctx, root, ":INITIAL", nil)
	dispatch(t, s, ctx, child, "child:INITIAL", nil)
	dispatch(t, s, ctx, unrelated, "other:INITIAL", nil)
	dispatch(t, s, ctx, grandchild, "grandchild:INITIAL", nil)
	dispatch(t, s, ctx, sibling, "sibling:INITIAL", nil)
	dispatch(t, s, ctx, child, "child:FINAL", nil)

	want := []string{":INITIAL", "child:INITIAL", "grandchild:INITIAL", "sibling:INITIAL", "child:FINAL"}
	for _, from := range []int64{root, child, grandchild, sibling} {
		events, err := s.QueryEvents(ctx, 0, from)
		require.NoError(t, err)
		assert.Equal(t, want, eventTypes(events), "from context %d", from)
	}

	since, err := s.QueryEvents(ctx, e1.EventID, grandchild)
	require.NoError(t, err)
	assert.Equal(t, want[1:], eventTypes(since))
}

func TestSourceTypeQueries(t *testing.T) {
	s, _, ctx := newTestStore(t)

	acs, err := s.CreateSource(ctx, "census acs", "census")
	require.NoError(t, err)
	other, err := s.CreateSource(ctx, "npmrds", "traffic")
	require.NoError(t, err)

	open, err := s.SpawnContext(ctx, &acs.SourceID, nil)
	require.NoError(t, err)
	done, err := s.SpawnContext(ctx, &acs.SourceID, nil)
	require.NoError(t, err)
	failed, err := s.SpawnContext(ctx, &acs.SourceID, nil)
	require.NoError(t, err)
	traffic, err := s.SpawnContext(ctx, &other.SourceID, nil)
	require.NoError(t, err)

	dispatch(t, s, ctx, open, ":INITIAL", nil)
	openLatest := dispatch(t, s, ctx, open, ":PROGRESS", nil)
	dispatch(t, s, ctx, done, ":INITIAL", nil)
	doneLatest := dispatch(t, s, ctx, done, ":FINAL", nil)
	dispatch(t, s, ctx, failed, ":INITIAL", nil)
	failedLatest := dispatch(t, s, ctx, failed, ":ERROR", nil)
	dispatch(t, s, ctx, traffic, ":INITIAL", nil)

	openEvents, err := s.QueryOpenProcessesLatestEventForSourceType(ctx, "census")
	require.NoError(t, err)
	require.Len(t, openEvents, 1)
	assert.Equal(t, openLatest.EventID, openEvents[0].EventID)

	closed, err := s.QueryNonOpenProcessesLatestEventForSourceType(ctx, "census")
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, doneLatest.EventID, closed[0].EventID)
	assert.Equal(t, failedLatest.EventID, closed[1].EventID)
}

func TestSetEtlTaskID(t *testing.T) {
	s, _, ctx := newTestStore(t)
	id := spawn(t, s, ctx)

	require.NoError(t, s.SetEtlTaskID(ctx, id, "job-1"))
	c, err := s.GetEtlContext(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, c.EtlTaskID)
	assert.Equal(t, "job-1", *c.EtlTaskID)

	assert.ErrorIs(t, s.SetEtlTaskID(ctx, 424242, "job-2"), core.ErrEtlContextNotFound)
}
