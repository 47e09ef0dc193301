// Package audit records security and business events with sanitized details,
// keeps a bounded history, persists it to a key/value store and notifies
// listeners synchronously.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/diagnosis/bus-reserve/internal/domain"
	"github.com/diagnosis/bus-reserve/internal/repo"
	"github.com/diagnosis/bus-reserve/pkg/config"
	"github.com/diagnosis/bus-reserve/pkg/logger"
	"github.com/diagnosis/bus-reserve/pkg/metrics"
)

// Listener is called synchronously after every logged event.
type Listener func(ev domain.AuditEvent)

type Logger struct {
	store      repo.KVStore
	storageKey string
	sessionKey string
	maxEvents  int
	maxAge     time.Duration
	prune      time.Duration
	source     string
	version    string
	now        func() time.Time

	mu        sync.RWMutex
	events    []domain.AuditEvent // oldest first
	sessionID string
	revision  uint64

	persistMu sync.Mutex
	persisted uint64

	listenMu  sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

type Option func(*Logger)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) { l.now = now }
}

func NewLogger(cfg config.AuditConfig, store repo.KVStore, opts ...Option) *Logger {
	if store == nil {
		store = repo.NewMemoryStore()
	}
	l := &Logger{
		store:      store,
		storageKey: cfg.StorageKey,
		sessionKey: cfg.SessionKey,
		maxEvents:  cfg.MaxEvents,
		maxAge:     cfg.MaxAge,
		prune:      cfg.PruneInterval,
		source:     cfg.Source,
		version:    cfg.Version,
		now:        time.Now,
		listeners:  make(map[int]Listener),
	}
	if l.maxEvents <= 0 {
		l.maxEvents = 10000
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load restores persisted events and the session id. A missing session id is
// generated once and persisted. Storage errors are logged and leave the
// logger empty but usable.
func (l *Logger) Load(ctx context.Context) error {
	var loadErr error

	data, err := l.store.Get(ctx, l.storageKey)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		loadErr = fmt.Errorf("load audit events: %w", err)
	default:
		var events []domain.AuditEvent
		if err := json.Unmarshal(data, &events); err != nil {
			loadErr = fmt.Errorf("decode audit events: %w", err)
		} else {
			l.mu.Lock()
			l.events = events
			l.trimLocked()
			l.mu.Unlock()
		}
	}

	sid, err := l.store.Get(ctx, l.sessionKey)
	if err == nil && len(sid) > 0 {
		l.mu.Lock()
		l.sessionID = string(sid)
		l.mu.Unlock()
	} else {
		id := uuid.NewString()
		l.mu.Lock()
		l.sessionID = id
		l.mu.Unlock()
		if err := l.store.Set(ctx, l.sessionKey, []byte(id)); err != nil {
			logger.WarnContext(ctx, "Failed to persist audit session id", "error", err)
		}
	}

	if loadErr != nil {
		logger.ErrorContext(ctx, "Failed to restore audit log", "error", loadErr)
	}
	return loadErr
}

// SessionID is the identifier generated once per store and reused afterwards.
func (l *Logger) SessionID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.sessionID
}

type logOptions struct {
	resourceType string
	resourceID   string
	action       string
	network      *domain.NetworkContext
}

type LogOption func(*logOptions)

func WithResource(resourceType, resourceID string) LogOption {
	return func(o *logOptions) {
		o.resourceType = resourceType
		o.resourceID = resourceID
	}
}

func WithAction(action string) LogOption {
	return func(o *logOptions) { o.action = action }
}

// WithNetworkContext overrides the network context taken from ctx.
func WithNetworkContext(n domain.NetworkContext) LogOption {
	return func(o *logOptions) { o.network = &n }
}

// Log records one event. It never fails: persistence errors are logged.
func (l *Logger) Log(ctx context.Context, eventType domain.EventType, severity domain.Severity, details map[string]any, opts ...LogOption) domain.AuditEvent {
	var o logOptions
	for _, opt := range opts {
		opt(&o)
	}

	network := NetworkFrom(ctx)
	if o.network != nil {
		network = *o.network
	}
	if network.SessionID == "" {
		network.SessionID = l.SessionID()
	}

	correlationID := logger.CorrelationID(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	var actor *domain.Actor
	if a := ActorFrom(ctx); a != nil {
		cp := *a
		actor = &cp
	}

	ev := domain.AuditEvent{
		ID:           uuid.NewString(),
		Timestamp:    l.now().UTC(),
		EventType:    eventType,
		Severity:     severity,
		Actor:        actor,
		Network:      network,
		ResourceType: o.resourceType,
		ResourceID:   o.resourceID,
		Action:       o.action,
		Details:      Sanitize(details),
		Metadata: domain.EventMetadata{
			RequestID:     logger.RequestID(ctx),
			CorrelationID: correlationID,
			Source:        l.source,
			Version:       l.version,
		},
	}

	l.mu.Lock()
	l.events = append(l.events, ev)
	l.trimLocked()
	snapshot, rev := l.snapshotLocked()
	l.mu.Unlock()

	metrics.AuditEventsTotal.WithLabelValues(string(severity)).Inc()
	logger.DebugContext(ctx, "Audit event",
		"event_type", eventType,
		"severity", severity,
		"resource_type", o.resourceType,
		"resource_id", o.resourceID,
	)

	l.persist(ctx, snapshot, rev)
	l.notify(ev)
	return ev
}

func (l *Logger) trimLocked() {
	if over := len(l.events) - l.maxEvents; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}
}

func (l *Logger) snapshotLocked() ([]domain.AuditEvent, uint64) {
	l.revision++
	return append([]domain.AuditEvent(nil), l.events...), l.revision
}

// persist writes snapshot unless a newer revision has already been written.
func (l *Logger) persist(ctx context.Context, snapshot []domain.AuditEvent, rev uint64) {
	l.persistMu.Lock()
	defer l.persistMu.Unlock()
	if rev <= l.persisted {
		return
	}

	if snapshot == nil {
		snapshot = []domain.AuditEvent{}
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		logger.ErrorContext(ctx, "Failed to encode audit events", "error", err)
		return
	}
	if err := l.store.Set(context.WithoutCancel(ctx), l.storageKey, data); err != nil {
		logger.ErrorContext(ctx, "Failed to persist audit events", "error", err)
		return
	}
	l.persisted = rev
}

// Subscribe registers a listener and returns a function that removes it.
func (l *Logger) Subscribe(fn Listener) func() {
	l.listenMu.Lock()
	id := l.nextID
	l.nextID++
	l.listeners[id] = fn
	l.listenMu.Unlock()

	return func() {
		l.listenMu.Lock()
		delete(l.listeners, id)
		l.listenMu.Unlock()
	}
}

func (l *Logger) notify(ev domain.AuditEvent) {
	l.listenMu.RLock()
	fns := make([]Listener, 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.listenMu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("Audit listener panicked", "panic", r, "event_type", ev.EventType)
				}
			}()
			fn(ev)
		}()
	}
}

// Clear drops every event and records who cleared the log.
func (l *Logger) Clear(ctx context.Context) int {
	l.mu.Lock()
	n := len(l.events)
	l.events = nil
	snapshot, rev := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, snapshot, rev)
	l.Log(ctx, domain.EventDataCleared, domain.SeverityHigh, map[string]any{"events_removed": n},
		WithResource("audit_log", ""), WithAction("clear"))
	return n
}

// Prune removes events older than the configured maximum age.
func (l *Logger) Prune(ctx context.Context) int {
	if l.maxAge <= 0 {
		return 0
	}
	cutoff := l.now().Add(-l.maxAge)

	l.mu.Lock()
	kept := l.events[:0:0]
	for _, ev := range l.events {
		if !ev.Timestamp.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	removed := len(l.events) - len(kept)
	if removed == 0 {
		l.mu.Unlock()
		return 0
	}
	l.events = kept
	snapshot, rev := l.snapshotLocked()
	l.mu.Unlock()

	l.persist(ctx, snapshot, rev)
	logger.InfoContext(ctx, "Pruned audit events", "removed", removed)
	return removed
}

// Run prunes on the configured interval until ctx is cancelled.
func (l *Logger) Run(ctx context.Context) {
	interval := l.prune
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	l.Prune(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Prune(ctx)
		}
	}
}

// Len returns the number of retained events.
func (l *Logger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
