package eventstore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/jdziat/durable-etl/pkg/core"
	"github.com/jdziat/durable-etl/pkg/db"
	"github.com/jdziat/durable-etl/pkg/etlctx"
)

// FinalEventChannel is the PostgreSQL NOTIFY channel fed by the event_store
// trigger. Payloads are "<etl_context_id>:<event_id>".
const FinalEventChannel = "etl_final_event"

// Notifier wakes subscribers when a :FINAL event may have been committed for
// their context. A wake-up is only a hint; the Store re-reads committed state.
type Notifier interface {
	Subscribe(etlContextID int64) (<-chan struct{}, func())
	Close() error
}

type subscription struct {
	ch chan struct{}
}

// hub fans wake-ups out to per-context subscribers.
type hub struct {
	mu   sync.Mutex
	subs map[int64]map[*subscription]struct{}
}

func (h *hub) Subscribe(etlContextID int64) (<-chan struct{}, func()) {
	sub := &subscription{ch: make(chan struct{}, 1)}

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[int64]map[*subscription]struct{})
	}
	if h.subs[etlContextID] == nil {
		h.subs[etlContextID] = make(map[*subscription]struct{})
	}
	h.subs[etlContextID][sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[etlContextID], sub)
			if len(h.subs[etlContextID]) == 0 {
				delete(h.subs, etlContextID)
			}
		})
	}
}

func (h *hub) wake(etlContextID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[etlContextID] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

func (h *hub) wakeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.subs {
		for sub := range subs {
			select {
			case sub.ch <- struct{}{}:
			default:
			}
		}
	}
}

// PGNotifier consumes the final-event channel through a pq.Listener.
// NOTIFY is delivered only when the inserting transaction commits, so rolled
// back :FINAL events never wake anyone.
type PGNotifier struct {
	hub
	listener *pq.Listener
	logger   *slog.Logger
	resync   time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewPGNotifier connects a listener to dsn.
func NewPGNotifier(dsn string, logger *slog.Logger) (*PGNotifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	n := &PGNotifier{
		logger: logger,
		resync: 5 * time.Second,
		done:   make(chan struct{}),
	}
	n.listener = pq.NewListener(dsn, 100*time.Millisecond, 10*time.Second, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			n.logger.Warn("final event listener connection problem", "event", int(ev), "error", err)
		}
	})
	if err := n.listener.Listen(FinalEventChannel); err != nil {
		_ = n.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", FinalEventChannel, err)
	}

	n.wg.Add(1)
	go n.loop()
	return n, nil
}

func (n *PGNotifier) loop() {
	defer n.wg.Done()
	// Periodic resync covers the window before LISTEN is established and any
	// notification lost while reconnecting.
	ticker := time.NewTicker(n.resync)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case <-ticker.C:
			n.wakeAll()
			go func() { _ = n.listener.Ping() }()
		case notification, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if notification == nil {
				// Reconnected; anything may have been missed.
				n.wakeAll()
				continue
			}
			id, err := parseFinalPayload(notification.Extra)
			if err != nil {
				n.logger.Warn("malformed final event notification", "payload", notification.Extra, "error", err)
				continue
			}
			n.wake(id)
		}
	}
}

// Close stops the listener.
func (n *PGNotifier) Close() error {
	close(n.done)
	err := n.listener.Close()
	n.wg.Wait()
	return err
}

func parseFinalPayload(payload string) (int64, error) {
	ctxPart, _, ok := strings.Cut(payload, ":")
	if !ok {
		return 0, fmt.Errorf("missing separator")
	}
	return strconv.ParseInt(ctxPart, 10, 64)
}

// PollingNotifier wakes every subscriber on a fixed interval.
type PollingNotifier struct {
	hub
	done chan struct{}
	wg   sync.WaitGroup
}

// NewPollingNotifier starts a notifier that ticks every interval.
func NewPollingNotifier(interval time.Duration) *PollingNotifier {
	n := &PollingNotifier{done: make(chan struct{})}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-n.done:
				return
			case <-ticker.C:
				n.wakeAll()
			}
		}
	}()
	return n
}

// Close stops the ticker.
func (n *PollingNotifier) Close() error {
	close(n.done)
	n.wg.Wait()
	return nil
}

func (s *Store) defaultNotifier(ctx context.Context, env string) (Notifier, error) {
	gdb, err := s.dbm.Get(ctx, env)
	if err != nil {
		return nil, err
	}
	if !db.IsPostgres(gdb) {
		return NewPollingNotifier(s.pollInterval), nil
	}
	dbc, ok := s.dbm.Config().Environments[env]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownEnvironment, env)
	}
	return NewPGNotifier(dbc.URL, s.logger)
}

func (s *Store) notifierFor(ctx context.Context, env string) (Notifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.notifiers[env]; ok {
		return n, nil
	}
	n, err := s.newNotify(ctx, env)
	if err != nil {
		return nil, err
	}
	s.notifiers[env] = n
	return n, nil
}

// RegisterFinalEventListener calls fn exactly once with the context's :FINAL
// event after it has been committed, or never if ctx ends first. A :FINAL
// that is already committed fires fn right away. Registration returns
// immediately; fn runs on its own goroutine.
func (s *Store) RegisterFinalEventListener(ctx context.Context, etlContextID int64, fn func(*core.Event)) error {
	env, err := etlctx.RequireDatabaseEnvironment(ctx)
	if err != nil {
		return err
	}
	n, err := s.notifierFor(ctx, env)
	if err != nil {
		return fmt.Errorf("final event notifier: %w", err)
	}

	// Subscribe before the first check so a commit between the two is not lost.
	signals, unsubscribe := n.Subscribe(etlContextID)
	go func() {
		defer unsubscribe()
		for {
			ev, err := s.committedFinal(ctx, env, etlContextID)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("final event check failed", "etl_context_id", etlContextID, "error", err)
			}
			if ev != nil {
				fn(ev)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-signals:
			}
		}
	}()
	return nil
}

// AwaitFinalEvent blocks until the context's :FINAL event is committed.
func (s *Store) AwaitFinalEvent(ctx context.Context, etlContextID int64) (*core.Event, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	got := make(chan *core.Event, 1)
	if err := s.RegisterFinalEventListener(ctx, etlContextID, func(ev *core.Event) {
		got <- ev
	}); err != nil {
		return nil, err
	}
	select {
	case ev := <-got:
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// committedFinal reads through the pool, never an ambient transaction, so
// only committed rows are visible.
func (s *Store) committedFinal(ctx context.Context, env string, etlContextID int64) (*core.Event, error) {
	gdb, err := s.dbm.Get(ctx, env)
	if err != nil {
		return nil, err
	}
	return terminalEvent(gdb.WithContext(ctx), etlContextID, core.KindFinal)
}
