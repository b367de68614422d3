package timeline

import (
	"time"
)

// ToolCallRecord is the journaled latest state of one tool call.
type ToolCallRecord struct {
	ID            int64      `json:"id"`
	SchedulerID   string     `json:"scheduler_id"`
	CallID        string     `json:"call_id"`
	Tool          string     `json:"tool"`
	Arguments     string     `json:"arguments,omitempty"` // JSON
	Status        string     `json:"status"`
	ErrorType     string     `json:"error_type,omitempty"`
	Output        string     `json:"output,omitempty"`
	OutputFile    string     `json:"output_file,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// ApprovalRecord is a confirmation request and, once answered, its outcome.
// ApprovalID is the bus correlation id.
type ApprovalRecord struct {
	ID          int64      `json:"id"`
	ApprovalID  string     `json:"approval_id"`
	SchedulerID string     `json:"scheduler_id,omitempty"`
	CallID      string     `json:"call_id,omitempty"`
	Tool        string     `json:"tool"`
	Kind        string     `json:"kind,omitempty"`
	Title       string     `json:"title,omitempty"`
	Arguments   string     `json:"arguments,omitempty"`
	Status      string     `json:"status"` // pending or the confirmation outcome
	Reason      string     `json:"reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RespondedAt *time.Time `json:"responded_at,omitempty"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS tool_calls (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	scheduler_id TEXT NOT NULL,
	call_id TEXT NOT NULL,
	tool TEXT NOT NULL,
	arguments TEXT,
	status TEXT NOT NULL,
	error_type TEXT,
	output TEXT,
	output_file TEXT,
	correlation_id TEXT,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	ended_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	UNIQUE(scheduler_id, call_id)
);
CREATE INDEX IF NOT EXISTS idx_tool_calls_scheduler ON tool_calls(scheduler_id);
CREATE INDEX IF NOT EXISTS idx_tool_calls_status ON tool_calls(status);

CREATE TABLE IF NOT EXISTS approval_requests (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	approval_id TEXT UNIQUE NOT NULL,
	scheduler_id TEXT,
	call_id TEXT,
	tool TEXT NOT NULL DEFAULT '',
	kind TEXT,
	title TEXT,
	arguments TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	reason TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	responded_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_approval_status ON approval_requests(status);
`
