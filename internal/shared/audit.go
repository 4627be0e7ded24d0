package shared

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs.
type AuditLog struct {
	ActorID    int64          `json:"actor_id"`
	LocationID int64          `json:"location_id"`
	Action     string         `json:"action"`
	Entity     string         `json:"entity"`
	EntityID   string         `json:"entity_id"`
	Meta       map[string]any `json:"meta,omitempty"`
	At         time.Time      `json:"at"`
}

var errAuditIncomplete = errors.New("audit log requires action/entity/entity_id")

func (l AuditLog) validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errAuditIncomplete
	}
	return nil
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	pool *pgxpool.Pool
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	return &AuditLogger{pool: pool}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx, `INSERT INTO audit_logs (actor_id, location_id, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, NULLIF($2, 0), $3, $4, $5, $6, $7)`,
		log.ActorID, log.LocationID, log.Action, log.Entity, log.EntityID, metaJSON, log.At)
	return err
}

// Recent returns the newest entries for a location.
func (l *AuditLogger) Recent(ctx context.Context, locationID int64, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.pool.Query(ctx, `SELECT actor_id, COALESCE(location_id, 0), action, entity, entity_id, meta, occurred_at
		FROM audit_logs WHERE location_id = $1 ORDER BY occurred_at DESC, id DESC LIMIT $2`, locationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AuditLog
	for rows.Next() {
		var entry AuditLog
		var meta []byte
		if err := rows.Scan(&entry.ActorID, &entry.LocationID, &entry.Action, &entry.Entity, &entry.EntityID, &meta, &entry.At); err != nil {
			return nil, err
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &entry.Meta)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// MemoryAuditLog keeps entries in process and mirrors them to the logger.
// It backs the sqlite and memory store drivers.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditLog
	logger  *slog.Logger
}

// NewMemoryAuditLog builds an in-process audit sink.
func NewMemoryAuditLog(logger *slog.Logger) *MemoryAuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryAuditLog{logger: logger}
}

// Record appends the entry.
func (m *MemoryAuditLog) Record(ctx context.Context, log AuditLog) error {
	if err := log.validate(); err != nil {
		return err
	}
	if log.At.IsZero() {
		log.At = time.Now().UTC()
	}
	m.mu.Lock()
	m.entries = append(m.entries, log)
	m.mu.Unlock()
	m.logger.InfoContext(ctx, "audit",
		slog.String("action", log.Action),
		slog.String("entity", log.Entity),
		slog.String("entity_id", log.EntityID),
		slog.Int64("actor_id", log.ActorID),
		slog.Int64("location_id", log.LocationID),
	)
	return nil
}

// Recent returns the newest entries for a location.
func (m *MemoryAuditLog) Recent(_ context.Context, locationID int64, limit int) ([]AuditLog, error) {
	if limit <= 0 {
		limit = 20
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AuditLog, 0, limit)
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].LocationID == locationID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}
