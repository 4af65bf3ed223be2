package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gersonrivera27/STACKPOS/types"
)

const (
	DefaultAuditLimit = 50
	MaxAuditLimit     = 500
)

// AuditLogRepository persists audit events consumed from the queues.
type AuditLogRepository struct {
	db *sql.DB
}

func NewAuditLogRepository(db *sql.DB) *AuditLogRepository {
	return &AuditLogRepository{db: db}
}

// Insert stores one event. The whole event is kept as the details document.
// Events are unique by ID, so a redelivered event returns ErrConflict.
func (r *AuditLogRepository) Insert(ctx context.Context, event types.AuditEvent) (int64, error) {
	details, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("encode audit details: %w", err)
	}
	name := event.Event
	if name == "" {
		name = "unknown"
	}
	createdAt := event.Timestamp
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var userID sql.NullInt64
	if event.UserID != nil {
		userID = sql.NullInt64{Int64: int64(*event.UserID), Valid: true}
	}

	const query = `
		INSERT INTO audit_logs (event_id, event, username, user_id, ip_address, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id`
	var id int64
	err = r.db.QueryRowContext(
		ctx,
		query,
		nullString(event.ID),
		name,
		nullString(event.Username),
		userID,
		nullString(event.IPAddress),
		string(details),
		createdAt.UTC(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// List returns the most recent entries matching filter. Username matches are
// case-insensitive substrings.
func (r *AuditLogRepository) List(ctx context.Context, filter types.AuditLogFilter) ([]types.AuditLog, error) {
	var (
		conditions []string
		args       []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.Event != "" {
		add("event = $%d", filter.Event)
	}
	if filter.Username != "" {
		add("username ILIKE $%d", "%"+filter.Username+"%")
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("created_at < $%d", filter.Until.UTC())
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	args = append(args, limit)

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	query := fmt.Sprintf(`
		SELECT id, event, username, user_id, ip_address, details, created_at
		FROM audit_logs
		%s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, where, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []types.AuditLog{}
	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// EachInRange streams entries created in [since, until) in insertion order.
func (r *AuditLogRepository) EachInRange(ctx context.Context, since, until time.Time, fn func(types.AuditLog) error) error {
	const query = `
		SELECT id, event, username, user_id, ip_address, details, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at, id`
	rows, err := r.db.QueryContext(ctx, query, since.UTC(), until.UTC())
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		entry, err := scanAuditLog(rows)
		if err != nil {
			return err
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanAuditLog(row rowScanner) (types.AuditLog, error) {
	var (
		entry     types.AuditLog
		username  sql.NullString
		userID    sql.NullInt64
		ipAddress sql.NullString
		details   []byte
	)
	if err := row.Scan(&entry.ID, &entry.Event, &username, &userID, &ipAddress, &details, &entry.CreatedAt); err != nil {
		return types.AuditLog{}, err
	}
	if username.Valid {
		entry.Username = &username.String
	}
	if userID.Valid {
		id := int(userID.Int64)
		entry.UserID = &id
	}
	if ipAddress.Valid {
		entry.IPAddress = &ipAddress.String
	}
	if len(details) > 0 {
		entry.Details = json.RawMessage(details)
	} else {
		entry.Details = json.RawMessage("null")
	}
	return entry, nil
}
