package model

import (
	"time"
)

// Audit event kinds. HTTP requests come from the transport middleware;
// the rest are emitted by the scheduler and connection service.
const (
	AuditHTTPRequest       = "http_request"
	AuditConnectionCreated = "connection_created"
	AuditConnectionAuthed  = "connection_authenticated"
	AuditConnectionRemoved = "connection_removed"
	AuditAuthExpired       = "auth_expired"
	AuditPollFailed        = "poll_failed"
	AuditTaskRetired       = "task_retired"
)

// AuditLog is one entry in the operation trail.
type AuditLog struct {
	ID           string `json:"id"`
	Kind         string `json:"kind"`
	UserID       string `json:"user_id,omitempty"`
	ConnectionID string `json:"connection_id,omitempty"`
	OrderID      string `json:"order_id,omitempty"`

	// HTTP request details (http_request entries only)
	Method       string `json:"method,omitempty"`
	Path         string `json:"path,omitempty"`
	IP           string `json:"ip,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
	RequestBody  string `json:"request_body,omitempty"`
	ResponseBody string `json:"response_body,omitempty"`
	StatusCode   int    `json:"status_code,omitempty"`
	LatencyMs    int64  `json:"latency_ms,omitempty"`

	// Free-form business context (error strings, retry counts, ...)
	Context map[string]interface{} `json:"context,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}
