package eventstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/db"
	"github.com/jdziat/durable-etl/pkg/etlctx"
	"github.com/jdziat/durable-etl/pkg/security"
)

const tracerName = "github.com/jdziat/durable-etl/pkg/eventstore"

// Store is the event log.
type Store struct {
	dbm          *db.Manager
	tracer       trace.Tracer
	logger       *slog.Logger
	pollInterval time.Duration

	mu        sync.Mutex
	notifiers map[string]Notifier
	newNotify func(ctx context.Context, env string) (Notifier, error)
}

// Option configures a Store.
type Option func(*Store)

// WithPollInterval sets how often the polling notifier re-checks for
// committed :FINAL events on dialects without LISTEN/NOTIFY.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		s.pollInterval = d
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a Store on top of dbm.
func New(dbm *db.Manager, opts ...Option) *Store {
	s := &Store{
		dbm:          dbm,
		tracer:       otel.Tracer(tracerName),
		logger:       slog.Default(),
		pollInterval: 500 * time.Millisecond,
		notifiers:    make(map[string]Notifier),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.newNotify = s.defaultNotifier
	return s
}

// DB returns the underlying manager.
func (s *Store) DB() *db.Manager {
	return s.dbm
}

// SpawnContext creates a new ETL context and returns its id. No event is
// written.
func (s *Store) SpawnContext(ctx context.Context, sourceID, parentContextID *int64) (int64, error) {
	env, err := etlctx.RequireDatabaseEnvironment(ctx)
	if err != nil {
		return 0, err
	}

	c := &core.EtlContext{
		SourceID:        sourceID,
		ParentContextID: parentContextID,
		EtlStatus:       core.EtlStatusOpen,
	}
	err = s.dbm.Atomic(ctx, env, func(tx *gorm.DB) error {
		return tx.Create(c).Error
	})
	if err != nil {
		return 0, fmt.Errorf("spawn etl context: %w", err)
	}
	return c.EtlContextID, nil
}

// Dispatch appends ev to its context. The context is ev.EtlContextID, or the
// ambient context id when that is zero. The stored event is returned.
func (s *Store) Dispatch(ctx context.Context, ev *core.Event) (*core.Event, error) {
	env, err := etlctx.RequireDatabaseEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", core.ErrInvalidEventType)
	}
	id := ev.EtlContextID
	if id == 0 {
		if id, err = etlctx.RequireContextID(ctx); err != nil {
			return nil, err
		}
	}
	if err := security.ValidateEventType(ev.Type); err != nil {
		return nil, fmt.Errorf("%w: %q", err, ev.Type)
	}
	if err := security.ValidatePayloadSize(len(ev.Payload) + len(ev.Meta)); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "eventstore.Dispatch", trace.WithAttributes(
		attribute.Int64("etl.context_id", id),
		attribute.String("etl.event_type", ev.Type),
	))
	defer span.End()

	row := &core.Event{
		EtlContextID: id,
		Type:         ev.Type,
		Payload:      normalizePayload(ev.Payload),
		Meta:         ev.Meta,
		Error:        ev.Error,
	}

	err = s.dbm.Atomic(ctx, env, func(tx *gorm.DB) error {
		var c core.EtlContext
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("etl_context_id = ?", id).
			First(&c).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %d", core.ErrEtlContextNotFound, id)
		}
		if err != nil {
			return err
		}

		kind := row.Kind()
		switch {
		case c.LatestEventID == nil && kind != core.KindInitial:
			return fmt.Errorf("%w: got %q", core.ErrInvalidFirstEvent, row.Type)
		case c.InitialEventID != nil && kind == core.KindInitial:
			return fmt.Errorf("%w: context %d", core.ErrDuplicateInitialEvent, id)
		case c.EtlStatus == core.EtlStatusDone:
			return fmt.Errorf("%w: context %d", core.ErrContextAlreadyFinalized, id)
		}

		if err := tx.Create(row).Error; err != nil {
			return err
		}

		updates := map[string]any{
			"latest_event_id": row.EventID,
			"etl_status":      core.NextEtlStatus(row),
		}
		if kind == core.KindInitial {
			updates["initial_event_id"] = row.EventID
		}
		return tx.Model(&core.EtlContext{}).
			Where("etl_context_id = ?", id).
			Updates(updates).Error
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int64("etl.event_id", row.EventID))
	return row, nil
}

// normalizePayload stores top-level JSON arrays as a JSON string so the
// column always holds an object or scalar.
func normalizePayload(p datatypes.JSON) datatypes.JSON {
	trimmed := bytes.TrimSpace(p)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return p
	}
	encoded, err := json.Marshal(string(trimmed))
	if err != nil {
		return p
	}
	return encoded
}

// GetEtlContext loads a context row.
func (s *Store) GetEtlContext(ctx context.Context, etlContextID int64) (*core.EtlContext, error) {
	conn, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	var c core.EtlContext
	err = conn.Where("etl_context_id = ?", etlContextID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %d", core.ErrEtlContextNotFound, etlContextID)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetEtlStatus returns the computed status of a context.
func (s *Store) GetEtlStatus(ctx context.Context, etlContextID int64) (core.EtlStatus, error) {
	c, err := s.GetEtlContext(ctx, etlContextID)
	if err != nil {
		return "", err
	}
	return c.EtlStatus, nil
}

// SetEtlTaskID records the queue backend's job id on a context.
func (s *Store) SetEtlTaskID(ctx context.Context, etlContextID int64, taskID string) error {
	env, err := etlctx.RequireDatabaseEnvironment(ctx)
	if err != nil {
		return err
	}
	return s.dbm.Atomic(ctx, env, func(tx *gorm.DB) error {
		res := tx.Model(&core.EtlContext{}).
			Where("etl_context_id = ?", etlContextID).
			Update("etl_task_id", taskID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: %d", core.ErrEtlContextNotFound, etlContextID)
		}
		return nil
	})
}

// CreateSource registers a data source classification.
func (s *Store) CreateSource(ctx context.Context, name, sourceType string) (*core.Source, error) {
	env, err := etlctx.RequireDatabaseEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	src := &core.Source{Name: name, Type: sourceType}
	err = s.dbm.Atomic(ctx, env, func(tx *gorm.DB) error {
		return tx.Create(src).Error
	})
	if err != nil {
		return nil, err
	}
	return src, nil
}

// conn returns the ambient transaction or the pool for the ambient environment.
func (s *Store) conn(ctx context.Context) (*gorm.DB, error) {
	env, err := etlctx.RequireDatabaseEnvironment(ctx)
	if err != nil {
		return nil, err
	}
	return s.dbm.GetConnection(ctx, env)
}

// Close stops every notifier.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for env, n := range s.notifiers {
		if err := n.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.notifiers, env)
	}
	return errors.Join(errs...)
}
