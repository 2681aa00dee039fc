// Package audit persists gateway lifecycle events to SQLite so operators can
// reconstruct what the worker fleet did after the fact.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

type EventType string

const (
	EventGatewayStarted  EventType = "gateway_started"
	EventGatewayStopped  EventType = "gateway_stopped"
	EventWorkerStarted   EventType = "worker_started"
	EventWorkerReady     EventType = "worker_ready"
	EventWorkerCrashed   EventType = "worker_crashed"
	EventWorkerRestarted EventType = "worker_restarted"
	EventWorkerGaveUp    EventType = "worker_gave_up"
	EventWorkerStopped   EventType = "worker_stopped"
	EventAccessDenied    EventType = "access_denied"
)

// Event is one audit record.
type Event struct {
	ID         string `db:"id" json:"id"`
	EventType  string `db:"event_type" json:"event_type"`
	Timestamp  int64  `db:"timestamp" json:"timestamp"`
	WorkerID   *int   `db:"worker_id" json:"worker_id,omitempty"`
	PID        *int   `db:"pid" json:"pid,omitempty"`
	Detail     string `db:"detail" json:"detail,omitempty"`
	RemoteAddr string `db:"remote_addr" json:"remote_addr,omitempty"`
}

// Logger writes audit events. All methods are safe for concurrent use; the
// underlying sqlx.DB serializes access.
type Logger struct {
	db *sqlx.DB
}

// NewLogger initializes the audit schema and returns a logger over db.
func NewLogger(db *sqlx.DB) (*Logger, error) {
	if err := DBInit(db); err != nil {
		return nil, err
	}
	return &Logger{db: db}, nil
}

// DBInit creates the audit table and its indexes if they do not exist.
func DBInit(db *sqlx.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		worker_id INTEGER,
		pid INTEGER,
		detail TEXT NOT NULL DEFAULT '',
		remote_addr TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_timestamp ON audit_events(timestamp);
	CREATE INDEX IF NOT EXISTS idx_audit_events_event_type ON audit_events(event_type);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create audit_events table: %w", err)
	}
	return nil
}

func (l *Logger) insertEvent(event *Event) error {
	query := `
	INSERT INTO audit_events (id, event_type, timestamp, worker_id, pid, detail, remote_addr)
	VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := l.db.Exec(query,
		event.ID, event.EventType, event.Timestamp,
		event.WorkerID, event.PID, event.Detail, event.RemoteAddr)
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}

func newEvent(eventType EventType) *Event {
	return &Event{
		ID:        uuid.New().String(),
		EventType: string(eventType),
		Timestamp: time.Now().Unix(),
	}
}

// LogGatewayStarted records the gateway binding its listen address.
func (l *Logger) LogGatewayStarted(listen string) error {
	event := newEvent(EventGatewayStarted)
	event.Detail = listen
	return l.insertEvent(event)
}

// LogGatewayStopped records a clean shutdown.
func (l *Logger) LogGatewayStopped() error {
	return l.insertEvent(newEvent(EventGatewayStopped))
}

// LogWorkerEvent records one worker lifecycle transition.
func (l *Logger) LogWorkerEvent(eventType EventType, workerID, pid int, detail string) error {
	event := newEvent(eventType)
	event.WorkerID = &workerID
	if pid > 0 {
		event.PID = &pid
	}
	event.Detail = detail
	return l.insertEvent(event)
}

// LogAccessDenied records a rejected operator API request.
func (l *Logger) LogAccessDenied(path, remoteAddr, reason string) error {
	event := newEvent(EventAccessDenied)
	event.Detail = path + ": " + reason
	event.RemoteAddr = remoteAddr
	return l.insertEvent(event)
}

// GetRecentEvents returns the newest events, most recent first.
func (l *Logger) GetRecentEvents(limit int) ([]Event, error) {
	var events []Event
	query := `
	SELECT id, event_type, timestamp, worker_id, pid, detail, remote_addr
	FROM audit_events
	ORDER BY timestamp DESC
	LIMIT $1`
	if err := l.db.Select(&events, query, limit); err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	return events, nil
}

// GetEventsByType returns the newest events of one type, most recent first.
func (l *Logger) GetEventsByType(eventType EventType, limit int) ([]Event, error) {
	var events []Event
	query := `
	SELECT id, event_type, timestamp, worker_id, pid, detail, remote_addr
	FROM audit_events
	WHERE event_type = $1
	ORDER BY timestamp DESC
	LIMIT $2`
	if err := l.db.Select(&events, query, string(eventType), limit); err != nil {
		return nil, fmt.Errorf("failed to get events by type: %w", err)
	}
	return events, nil
}

// DeleteOldEvents removes events older than the retention window and returns
// how many were dropped.
func (l *Logger) DeleteOldEvents(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	result, err := l.db.Exec(`DELETE FROM audit_events WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows, nil
}

// PurgeLoop deletes expired events on a ticker until ctx is cancelled.
func (l *Logger) PurgeLoop(ctx context.Context, interval, retention time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := l.DeleteOldEvents(retention)
			if err != nil {
				logger.Error("audit purge failed", "error", err)
			} else if deleted > 0 {
				logger.Info("purged expired audit events", "deleted", deleted)
			}
		}
	}
}
