package types

import (
	"encoding/json"
	"time"
)

// AuditEvent is a security-relevant occurrence published to the audit queues.
type AuditEvent struct {
	// ID uniquely identifies the event across retries and redeliveries.
	ID string `json:"id"`

	// Event is the machine-readable event name, e.g. "login_success".
	Event string `json:"event"`

	// Username is the identifier presented by the caller, if any.
	Username string `json:"username,omitempty"`

	// UserID is the account the event refers to, when it is known.
	UserID *int `json:"user_id,omitempty"`

	// IPAddress is the client address the request originated from.
	IPAddress string `json:"ip_address,omitempty"`

	// Success reports whether the audited action succeeded.
	Success bool `json:"success"`

	// Details carries free-form event attributes. It must never hold secrets.
	Details map[string]any `json:"details,omitempty"`

	// Timestamp is when the event happened.
	Timestamp time.Time `json:"timestamp"`
}

// AuditLog is a persisted audit event as stored in the audit_logs table.
type AuditLog struct {
	ID        int64           `json:"id" db:"id"`
	Event     string          `json:"event" db:"event"`
	Username  *string         `json:"username,omitempty" db:"username"`
	UserID    *int            `json:"user_id,omitempty" db:"user_id"`
	IPAddress *string         `json:"ip_address,omitempty" db:"ip_address"`
	Details   json.RawMessage `json:"details" db:"details"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// AuditLogFilter narrows an audit log listing.
type AuditLogFilter struct {
	Event    string
	Username string
	Since    time.Time
	Until    time.Time
	Limit    int
}
