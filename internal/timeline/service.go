// Package timeline journals tool calls and confirmation outcomes to sqlite.
package timeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/confirmation"
	"github.com/KafClaw/codeclaw/internal/scheduler"
)

const drainTimeout = 5 * time.Second

type TimelineService struct {
	db     *sql.DB
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]scheduler.Status
	subs []*bus.Subscription
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &TimelineService{
		db:     db,
		logger: slog.Default(),
		seen:   make(map[string]scheduler.Status),
	}, nil
}

// SetLogger replaces the logger used for swallowed write failures.
func (s *TimelineService) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Attach subscribes the journal to tool-call updates and confirmation traffic
// on b. Write failures are logged, never propagated.
func (s *TimelineService) Attach(b *bus.Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range []bus.Type{
		bus.TypeToolCallsUpdate,
		bus.TypeToolConfirmationRequest,
		bus.TypeToolConfirmationResponse,
	} {
		s.subs = append(s.subs, b.Subscribe(t, s))
	}
}

// Close journals what is already queued, then detaches from the bus and
// closes the database.
func (s *TimelineService) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for _, sub := range subs {
		if err := sub.Drain(ctx); err != nil {
			s.logger.Warn("Timeline drain incomplete", "type", sub.Type(), "error", err)
		}
		sub.Unsubscribe()
	}
	return s.db.Close()
}

// HandleMessage implements bus.Handler.
func (s *TimelineService) HandleMessage(msg bus.Message) {
	var err error
	switch p := msg.Payload.(type) {
	case scheduler.Update:
		err = s.recordUpdate(p)
	case confirmation.Request:
		err = s.InsertApprovalRequest(msg.CorrelationID, p)
	case confirmation.Response:
		err = s.UpdateApprovalStatus(msg.CorrelationID, p)
	default:
		return
	}
	if err != nil {
		s.logger.Warn("Timeline write failed", "type", msg.Type, "error", err)
	}
}

// recordUpdate writes the records of an update whose status changed since the
// last write. Live output churn while executing is not journaled.
func (s *TimelineService) recordUpdate(u scheduler.Update) error {
	for _, call := range u.Calls {
		key := call.SchedulerID + "\x00" + call.Request.CallID
		s.mu.Lock()
		prev, ok := s.seen[key]
		s.seen[key] = call.Status()
		s.mu.Unlock()
		if ok && prev == call.Status() {
			continue
		}
		if err := s.UpsertToolCall(call); err != nil {
			return err
		}
	}
	return nil
}

// UpsertToolCall stores the latest state of a call, keyed by scheduler and call id.
func (s *TimelineService) UpsertToolCall(call scheduler.ToolCall) error {
	args, err := encodeArgs(call.Request.Args)
	if err != nil {
		return err
	}
	var (
		output, outputFile, errorType string
		durationMS                    int64
	)
	if r, ok := call.Result(); ok {
		output = r.Output
		outputFile = r.OutputFile
		errorType = string(r.ErrorType)
		durationMS = r.Duration.Milliseconds()
	}
	_, err = s.db.Exec(`INSERT INTO tool_calls
		(scheduler_id, call_id, tool, arguments, status, error_type, output, output_file,
		 correlation_id, duration_ms, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scheduler_id, call_id) DO UPDATE SET
			tool = excluded.tool,
			arguments = excluded.arguments,
			status = excluded.status,
			error_type = excluded.error_type,
			output = excluded.output,
			output_file = excluded.output_file,
			correlation_id = COALESCE(NULLIF(excluded.correlation_id, ''), tool_calls.correlation_id),
			duration_ms = excluded.duration_ms,
			started_at = COALESCE(excluded.started_at, tool_calls.started_at),
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at`,
		call.SchedulerID, call.Request.CallID, call.Request.Name, args, string(call.Status()),
		errorType, output, outputFile, call.CorrelationID(), durationMS,
		nullTime(call.StartedAt), nullTime(call.EndedAt), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert tool call %s/%s: %w", call.SchedulerID, call.Request.CallID, err)
	}
	return nil
}

// ListToolCalls returns the most recently inserted calls first. An empty
// schedulerID lists every scheduler; limit <= 0 means 50.
func (s *TimelineService) ListToolCalls(schedulerID string, limit int) ([]ToolCallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, scheduler_id, call_id, tool, COALESCE(arguments,''), status,
		COALESCE(error_type,''), COALESCE(output,''), COALESCE(output_file,''),
		COALESCE(correlation_id,''), duration_ms, started_at, ended_at, updated_at
		FROM tool_calls WHERE 1=1`
	args := []any{}
	if schedulerID != "" {
		query += " AND scheduler_id = ?"
		args = append(args, schedulerID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		var startedAt, endedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.SchedulerID, &r.CallID, &r.Tool, &r.Arguments, &r.Status,
			&r.ErrorType, &r.Output, &r.OutputFile, &r.CorrelationID, &r.DurationMS,
			&startedAt, &endedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		if startedAt.Valid {
			r.StartedAt = &startedAt.Time
		}
		if endedAt.Valid {
			r.EndedAt = &endedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Approval Requests ---

// InsertApprovalRequest persists a confirmation request. A response that was
// journaled first keeps its status.
func (s *TimelineService) InsertApprovalRequest(approvalID string, req confirmation.Request) error {
	args, err := encodeArgs(req.Args)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO approval_requests
		(approval_id, scheduler_id, call_id, tool, kind, title, arguments, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?)
		ON CONFLICT(approval_id) DO UPDATE SET
			scheduler_id = excluded.scheduler_id,
			call_id = excluded.call_id,
			tool = excluded.tool,
			kind = excluded.kind,
			title = excluded.title,
			arguments = excluded.arguments`,
		approvalID, req.SchedulerID, req.CallID, req.ToolName, string(req.Details.Kind),
		req.Details.Title, args, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", approvalID, err)
	}
	return nil
}

// UpdateApprovalStatus records the outcome of a confirmation request.
func (s *TimelineService) UpdateApprovalStatus(approvalID string, resp confirmation.Response) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`INSERT INTO approval_requests
		(approval_id, status, reason, created_at, responded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(approval_id) DO UPDATE SET
			status = excluded.status,
			reason = excluded.reason,
			responded_at = excluded.responded_at`,
		approvalID, string(resp.Outcome), resp.Reason, now, now)
	if err != nil {
		return fmt.Errorf("update approval %s: %w", approvalID, err)
	}
	return nil
}

// ListApprovals returns approval records in creation order. An empty status
// lists all of them.
func (s *TimelineService) ListApprovals(status string) ([]ApprovalRecord, error) {
	query := `SELECT id, approval_id, COALESCE(scheduler_id,''), COALESCE(call_id,''), tool,
		COALESCE(kind,''), COALESCE(title,''), COALESCE(arguments,''), status,
		COALESCE(reason,''), created_at, responded_at
		FROM approval_requests`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id ASC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ApprovalRecord
	for rows.Next() {
		var r ApprovalRecord
		var respondedAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.ApprovalID, &r.SchedulerID, &r.CallID, &r.Tool,
			&r.Kind, &r.Title, &r.Arguments, &r.Status, &r.Reason,
			&r.CreatedAt, &respondedAt); err != nil {
			return nil, err
		}
		if respondedAt.Valid {
			r.RespondedAt = &respondedAt.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func encodeArgs(args map[string]any) (string, error) {
	if len(args) == 0 {
		return "", nil
	}
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode arguments: %w", err)
	}
	return string(b), nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
