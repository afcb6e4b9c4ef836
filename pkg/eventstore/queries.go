package eventstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gorm.io/gorm"

	"github.com/jdziat/durable-etl/pkg/core"
)

// treeEventsSQL selects the events of every context in the tree that
// contains the given context: walk up to the root, then down to all
// descendants.
const treeEventsSQL = `
WITH RECURSIVE ancestors(etl_context_id, parent_context_id) AS (
    SELECT etl_context_id, parent_context_id FROM etl_contexts WHERE etl_context_id = ?
    UNION
    SELECT c.etl_context_id, c.parent_context_id
    FROM etl_contexts c
    JOIN ancestors a ON c.etl_context_id = a.parent_context_id
),
root AS (
    SELECT etl_context_id FROM ancestors
    WHERE parent_context_id IS NULL
       OR parent_context_id NOT IN (SELECT etl_context_id FROM etl_contexts)
),
tree(etl_context_id) AS (
    SELECT etl_context_id FROM root
    UNION
    SELECT c.etl_context_id
    FROM etl_contexts c
    JOIN tree t ON c.parent_context_id = t.etl_context_id
)
SELECT e.*
FROM event_store e
WHERE e.etl_context_id IN (SELECT etl_context_id FROM tree)
  AND e.event_id > ?
ORDER BY e.event_id ASC`

const latestEventForSourceTypeSQL = `
SELECT e.*
FROM etl_contexts c
JOIN etl_sources s ON s.source_id = c.source_id
JOIN event_store e ON e.event_id = c.latest_event_id
WHERE s.type = ?
  AND %s
ORDER BY e.event_id ASC`

// QueryEvents returns every event with event_id > sinceEventID belonging to
// the context tree of etlContextID, in ascending event_id order.
func (s *Store) QueryEvents(ctx context.Context, sinceEventID, etlContextID int64) ([]core.Event, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var events []core.Event
	if err := conn.Raw(treeEventsSQL, etlContextID, sinceEventID).Scan(&events).Error; err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

// GetAllEtlContextEvents returns the events of exactly one context in
// ascending order.
func (s *Store) GetAllEtlContextEvents(ctx context.Context, etlContextID int64) ([]core.Event, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var events []core.Event
	err = conn.Where("etl_context_id = ?", etlContextID).
		Order("event_id ASC").
		Find(&events).Error
	return events, err
}

// GetInitialEvent returns the first event of a context, which is always its
// :INITIAL.
func (s *Store) GetInitialEvent(ctx context.Context, etlContextID int64) (*core.Event, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var ev core.Event
	err = conn.Where("etl_context_id = ?", etlContextID).
		Order("event_id ASC").
		First(&ev).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: context %d", core.ErrNoInitialEvent, etlContextID)
	}
	if err != nil {
		return nil, err
	}
	if ev.Kind() != core.KindInitial {
		return nil, fmt.Errorf("%w: context %d starts with %q", core.ErrNoInitialEvent, etlContextID, ev.Type)
	}
	return &ev, nil
}

// GetEtlContextFinalEvent returns the latest terminal (:FINAL or :ERROR)
// event of a context.
func (s *Store) GetEtlContextFinalEvent(ctx context.Context, etlContextID int64) (*core.Event, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	ev, err := terminalEvent(conn, etlContextID, core.KindFinal, core.KindError)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: context %d", core.ErrNoFinalEvent, etlContextID)
	}
	return ev, nil
}

// terminalEvent returns the latest event of the context whose kind is one of
// kinds. SQL narrows the rows by suffix; Kind has the final say.
func terminalEvent(conn *gorm.DB, etlContextID int64, kinds ...core.EventKind) (*core.Event, error) {
	conds := make([]string, len(kinds))
	args := make([]any, len(kinds))
	for i, k := range kinds {
		conds[i] = "type LIKE ?"
		args[i] = k.LikePattern()
	}
	var events []core.Event
	err := conn.Where("etl_context_id = ?", etlContextID).
		Where("("+strings.Join(conds, " OR ")+")", args...).
		Order("event_id DESC").
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	for i := range events {
		if slices.Contains(kinds, events[i].Kind()) {
			return &events[i], nil
		}
	}
	return nil, nil
}

// QueryOpenProcessesLatestEventForSourceType returns the latest event of
// every OPEN context whose source has the given type.
func (s *Store) QueryOpenProcessesLatestEventForSourceType(ctx context.Context, sourceType string) ([]core.Event, error) {
	return s.latestForSourceType(ctx, sourceType, "c.etl_status = 'OPEN'")
}

// QueryNonOpenProcessesLatestEventForSourceType returns the latest event of
// every DONE or ERROR context whose source has the given type.
func (s *Store) QueryNonOpenProcessesLatestEventForSourceType(ctx context.Context, sourceType string) ([]core.Event, error) {
	return s.latestForSourceType(ctx, sourceType, "c.etl_status <> 'OPEN'")
}

func (s *Store) latestForSourceType(ctx context.Context, sourceType, statusFilter string) ([]core.Event, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var events []core.Event
	err = conn.Raw(fmt.Sprintf(latestEventForSourceTypeSQL, statusFilter), sourceType).Scan(&events).Error
	return events, err
}

// QueueStatus reads the etl_queue_status view. An empty queue returns all rows.
func (s *Store) QueueStatus(ctx context.Context, queue string) ([]core.QueueStatus, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	q := conn.Table("etl_queue_status")
	if queue != "" {
		q = q.Where("queue = ?", queue)
	}
	var rows []core.QueueStatus
	err = q.Order("created_at ASC").Find(&rows).Error
	return rows, err
}
