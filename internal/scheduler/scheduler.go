// Package scheduler drives batches of tool calls through validation,
// confirmation and execution, publishing every transition on the bus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/KafClaw/codeclaw/internal/bus"
	"github.com/KafClaw/codeclaw/internal/confirmation"
	"github.com/KafClaw/codeclaw/internal/policy"
	"github.com/KafClaw/codeclaw/internal/tools"
)

// RootID identifies the scheduler owned by the top-level agent loop.
const RootID = "root"

// DefaultCancelGrace is how long an executing tool may take to acknowledge
// cancellation before its record is marked cancelled anyway.
const DefaultCancelGrace = 5 * time.Second

// NestedID allocates a fresh identity for a delegated agent's scheduler.
func NestedID(agent string) string {
	return agent + "-" + uuid.NewString()
}

// ToolNotifier receives best-effort notifications around tool execution.
type ToolNotifier interface {
	BeforeTool(ctx context.Context, call ToolCall)
	AfterTool(ctx context.Context, call ToolCall)
}

// Options configures a Scheduler.
type Options struct {
	ID       string // defaults to RootID
	Bus      *bus.Bus
	Registry *tools.Registry
	Policy   policy.Engine
	Logger   *slog.Logger

	// OnAllComplete is invoked once per batch with the terminal records.
	OnAllComplete func([]ToolCall)

	MaxConcurrent int64 // 0 means unbounded
	OutputLimit   int   // characters; 0 disables truncation
	OutputDir     string
	CancelGrace   time.Duration
	Hooks         ToolNotifier
}

// Scheduler owns one batch of tool calls at a time.
type Scheduler struct {
	opts   Options
	id     string
	logger *slog.Logger
	sem    *semaphore.Weighted

	// slot serializes batches.
	slot chan struct{}

	mu           sync.Mutex
	calls        []*ToolCall
	gen          uint64
	cancel       context.CancelFunc
	cancelled    bool
	cancelReason string
}

// New creates a Scheduler. A nil bus gets a private one, a nil registry an
// empty one and a nil policy the default-mode engine.
func New(opts Options) *Scheduler {
	if opts.ID == "" {
		opts.ID = RootID
	}
	if opts.Bus == nil {
		opts.Bus = bus.New()
	}
	if opts.Registry == nil {
		opts.Registry = tools.NewRegistry()
	}
	if opts.Policy == nil {
		opts.Policy = policy.NewDefaultEngine(policy.ModeDefault, nil, nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}
	s := &Scheduler{
		opts:   opts,
		id:     opts.ID,
		logger: opts.Logger.With("scheduler_id", opts.ID),
		slot:   make(chan struct{}, 1),
	}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(opts.MaxConcurrent)
	}
	return s
}

// ID returns the scheduler identity stamped on every record it owns.
func (s *Scheduler) ID() string { return s.id }

// Bus returns the bus the scheduler publishes on.
func (s *Scheduler) Bus() *bus.Bus { return s.opts.Bus }

// Schedule replaces the current batch with reqs and blocks until every record
// is terminal. The returned records are in request order. Cancelling ctx has
// the same effect as CancelAll. Schedule never fails: every problem ends up in
// a record's terminal state.
func (s *Scheduler) Schedule(ctx context.Context, reqs []Request) []ToolCall {
	if err := ctx.Err(); err != nil {
		return s.reject(reqs, err)
	}
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return s.reject(reqs, ctx.Err())
	}
	defer func() { <-s.slot }()

	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.calls = make([]*ToolCall, len(reqs))
	for i, r := range reqs {
		s.calls[i] = &ToolCall{Request: r, SchedulerID: s.id, State: Scheduled{}}
	}
	s.cancel = cancel
	s.cancelled = false
	s.cancelReason = ""
	s.publishLocked()
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, func() {
		s.cancelBatch(gen, "request cancelled")
	})

	dup := duplicateIDs(reqs)
	var wg sync.WaitGroup
	for i := range reqs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.run(batchCtx, i, dup[i])
		}(i)
	}
	wg.Wait()
	stop()

	s.mu.Lock()
	out := s.snapshotLocked()
	s.cancel = nil
	s.mu.Unlock()

	s.logger.Debug("Tool batch complete", "calls", len(out))
	if s.opts.OnAllComplete != nil {
		s.opts.OnAllComplete(out)
	}
	return out
}

// CancelAll cancels every non-terminal record of the in-flight batch. Records
// not yet executing become cancelled at once; executing ones are asked to stop
// and become cancelled when their tool returns or the grace period ends.
func (s *Scheduler) CancelAll(reason string) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.cancelBatch(gen, reason)
}

func (s *Scheduler) cancelBatch(gen uint64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel == nil || s.gen != gen || s.cancelled {
		return
	}
	if reason == "" {
		reason = "cancelled"
	}
	s.cancelled = true
	s.cancelReason = reason
	for i, c := range s.calls {
		switch c.State.(type) {
		case Scheduled, Validating, AwaitingApproval:
			s.setLocked(i, Cancelled{Result: cancelResult(reason, "")})
		}
	}
	s.cancel()
	s.logger.Info("Tool batch cancelled", "reason", reason)
}

// Snapshot returns copies of the current batch's records.
func (s *Scheduler) Snapshot() []ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Scheduler) run(ctx context.Context, i int, duplicate bool) {
	req := s.request(i)
	if !s.transition(i, Validating{}) {
		return
	}
	if duplicate {
		s.fail(i, ErrorInvalidParams, fmt.Errorf("duplicate call id %q in batch", req.CallID))
		return
	}

	tool, err := s.opts.Registry.Validate(req.Name, req.Args)
	if err != nil {
		errType := ErrorInvalidParams
		if errors.Is(err, tools.ErrToolNotFound) {
			errType = ErrorToolNotRegistered
		}
		s.fail(i, errType, err)
		return
	}

	pctx := policy.Context{
		SchedulerID: s.id,
		CallID:      req.CallID,
		Tool:        req.Name,
		Tier:        tools.ToolTier(tool),
		Arguments:   req.Args,
	}
	decision := s.opts.Policy.Evaluate(pctx)
	switch {
	case decision.Allow:
	case decision.RequiresApproval:
		if !s.confirm(ctx, i, tool, pctx) {
			return
		}
	default:
		s.fail(i, ErrorPolicyDenied, fmt.Errorf("policy denied %s: %s", req.Name, decision.Reason))
		return
	}

	s.execute(ctx, i, tool)
}

// confirm asks the bus responder for approval and reports whether the call may run.
func (s *Scheduler) confirm(ctx context.Context, i int, tool tools.Tool, pctx policy.Context) bool {
	req := s.request(i)
	details, err := tools.ConfirmationDetails(ctx, tool, req.Args)
	if err != nil {
		s.fail(i, ErrorInvalidParams, err)
		return false
	}

	if err := ctx.Err(); err != nil {
		s.transition(i, Cancelled{Result: cancelResult(s.reason(), "")})
		return false
	}

	rctx, stop := context.WithCancel(ctx)
	defer stop()
	msg := bus.Message{
		Type: bus.TypeToolConfirmationRequest,
		Payload: confirmation.Request{
			SchedulerID: s.id,
			CallID:      req.CallID,
			ToolName:    req.Name,
			Args:        req.Args,
			Details:     details,
		},
	}
	// A record cancelled before it could await approval must not reach the responder.
	resp, err := s.opts.Bus.Request(rctx, msg, bus.TypeToolConfirmationResponse,
		bus.WithCorrelated(func(id string) {
			if !s.transition(i, AwaitingApproval{CorrelationID: id, Details: details}) {
				stop()
			}
		}))
	if err != nil {
		if rctx.Err() != nil {
			s.transition(i, Cancelled{Result: cancelResult(s.reason(), "")})
			return false
		}
		s.logger.Warn("Tool confirmation failed", "call_id", req.CallID, "tool", req.Name, "error", err)
		s.transition(i, Cancelled{Result: cancelResult("confirmation failed", err.Error())})
		return false
	}

	answer, ok := resp.Payload.(confirmation.Response)
	if !ok || !answer.Outcome.Valid() {
		s.transition(i, Cancelled{Result: cancelResult("invalid confirmation response", "")})
		return false
	}

	switch answer.Outcome {
	case confirmation.ProceedAlways:
		if err := s.opts.Policy.Remember(pctx); err != nil {
			s.logger.Warn("Failed to remember approval", "tool", req.Name, "error", err)
		}
		return true
	case confirmation.ProceedOnce:
		return true
	case confirmation.CancelBatch:
		s.transition(i, Cancelled{Result: cancelResult("batch cancelled by user", answer.Reason)})
		s.CancelAll("batch cancelled by user")
		return false
	default:
		s.transition(i, Cancelled{Result: cancelResult("denied by user", answer.Reason)})
		return false
	}
}

type execOutcome struct {
	output string
	err    error
}

func (s *Scheduler) execute(ctx context.Context, i int, tool tools.Tool) {
	req := s.request(i)
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.transition(i, Cancelled{Result: cancelResult(s.reason(), "")})
			return
		}
	}
	release := func() {
		if s.sem != nil {
			s.sem.Release(1)
		}
	}
	if ctx.Err() != nil {
		release()
		s.transition(i, Cancelled{Result: cancelResult(s.reason(), "")})
		return
	}
	if !s.transition(i, Executing{}) {
		release()
		return
	}
	gen, owned := s.current(i)
	hooked := s.beforeTool(ctx, i)

	start := time.Now()
	done := make(chan execOutcome, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				done <- execOutcome{err: fmt.Errorf("tool %s panicked: %v", req.Name, r)}
			}
		}()
		out, err := tool.Execute(ctx, req.Args, func(p tools.Progress) { s.progress(gen, i, owned, p) })
		done <- execOutcome{output: out, err: err}
	}()

	var res execOutcome
	select {
	case res = <-done:
	case <-ctx.Done():
		timer := time.NewTimer(s.opts.CancelGrace)
		select {
		case res = <-done:
			timer.Stop()
		case <-timer.C:
			s.logger.Warn("Tool did not stop after cancellation", "call_id", req.CallID, "tool", req.Name)
			s.transition(i, Cancelled{Result: cancelResult(s.reason(), "tool did not stop within grace period")})
			s.afterTool(ctx, i, hooked)
			return
		}
	}

	elapsed := time.Since(start)
	var next State
	switch {
	case ctx.Err() != nil:
		r := cancelResult(s.reason(), "")
		r.Duration = elapsed
		next = Cancelled{Result: r}
	case res.err != nil:
		s.logger.Warn("Tool call failed", "call_id", req.CallID, "tool", req.Name, "error", res.err)
		next = Failed{Result: Result{
			Output:    res.err.Error(),
			Display:   "Error: " + res.err.Error(),
			ErrorType: ErrorExecutionFailed,
			Duration:  elapsed,
		}}
	default:
		output, file := s.truncate(req, res.output)
		next = Succeeded{Result: Result{
			Output:     output,
			Display:    output,
			OutputFile: file,
			Markdown:   tools.IsOutputMarkdown(tool),
			Duration:   elapsed,
		}}
	}
	s.transition(i, next)
	s.afterTool(ctx, i, hooked)
}

// beforeTool notifies the hooks that call i starts executing. The returned
// channel is closed once the notification has been delivered.
func (s *Scheduler) beforeTool(ctx context.Context, i int) <-chan struct{} {
	if s.opts.Hooks == nil {
		return nil
	}
	call := s.record(i)
	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		s.opts.Hooks.BeforeTool(context.WithoutCancel(ctx), call)
	}()
	return delivered
}

// afterTool notifies the hooks that call i finished, never ahead of its
// BeforeTool notification.
func (s *Scheduler) afterTool(ctx context.Context, i int, before <-chan struct{}) {
	if s.opts.Hooks == nil {
		return
	}
	call := s.record(i)
	go func() {
		<-before
		s.opts.Hooks.AfterTool(context.WithoutCancel(ctx), call)
	}()
}

// current returns the batch generation and the record held at index i.
func (s *Scheduler) current(i int) (uint64, *ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen, s.calls[i]
}

// progress applies live output to the record that started the execution. A
// tool still running after its batch was replaced has nothing left to update.
func (s *Scheduler) progress(gen uint64, i int, owned *ToolCall, p tools.Progress) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || i >= len(s.calls) || s.calls[i] != owned {
		return
	}
	cur, ok := owned.State.(Executing)
	if !ok {
		return
	}
	cur.LiveOutput = p.Output
	if p.PID != 0 {
		cur.PID = p.PID
	}
	owned.State = cur
	s.publishLocked()
}

func (s *Scheduler) fail(i int, errType ErrorType, err error) {
	s.logger.Debug("Tool call rejected", "call_id", s.request(i).CallID, "error_type", errType, "error", err)
	s.transition(i, Failed{Result: Result{
		Output:    err.Error(),
		Display:   "Error: " + err.Error(),
		ErrorType: errType,
	}})
}

// transition applies next if the state machine allows it and publishes the
// batch. Once the batch is cancelled an executing record can only end cancelled.
func (s *Scheduler) transition(i int, next State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.calls[i].State.Status()
	if s.cancelled && cur == StatusExecuting {
		var elapsed time.Duration
		switch n := next.(type) {
		case Succeeded:
			elapsed = n.Result.Duration
		case Failed:
			elapsed = n.Result.Duration
		}
		if next.Status() != StatusCancelled {
			r := cancelResult(s.cancelReason, "")
			r.Duration = elapsed
			next = Cancelled{Result: r}
		}
	}
	if !CanTransition(cur, next.Status()) {
		return false
	}
	s.setLocked(i, next)
	return true
}

func (s *Scheduler) setLocked(i int, next State) {
	c := s.calls[i]
	now := time.Now()
	if next.Status() == StatusExecuting && c.StartedAt.IsZero() {
		c.StartedAt = now
	}
	if next.Status().Terminal() {
		c.EndedAt = now
	}
	c.State = next
	s.publishLocked()
}

func (s *Scheduler) publishLocked() {
	err := s.opts.Bus.Publish(bus.Message{
		Type:    bus.TypeToolCallsUpdate,
		Payload: Update{SchedulerID: s.id, Calls: s.snapshotLocked()},
	})
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		s.logger.Warn("Failed to publish tool calls update", "error", err)
	}
}

func (s *Scheduler) snapshotLocked() []ToolCall {
	out := make([]ToolCall, len(s.calls))
	for i, c := range s.calls {
		out[i] = *c
	}
	return out
}

func (s *Scheduler) request(i int) Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[i].Request
}

func (s *Scheduler) record(i int) ToolCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.calls[i]
}

func (s *Scheduler) reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelReason == "" {
		return "cancelled"
	}
	return s.cancelReason
}

// reject builds a cancelled batch for a request that never started.
func (s *Scheduler) reject(reqs []Request, err error) []ToolCall {
	now := time.Now()
	out := make([]ToolCall, len(reqs))
	for i, r := range reqs {
		out[i] = ToolCall{
			Request:     r,
			SchedulerID: s.id,
			State:       Cancelled{Result: cancelResult("request cancelled", err.Error())},
			EndedAt:     now,
		}
	}
	if s.opts.OnAllComplete != nil {
		s.opts.OnAllComplete(out)
	}
	return out
}

func cancelResult(reason, detail string) Result {
	msg := "Tool call cancelled: " + reason
	if detail != "" {
		msg += " (" + detail + ")"
	}
	return Result{Output: msg, Display: msg}
}

func duplicateIDs(reqs []Request) []bool {
	seen := make(map[string]bool, len(reqs))
	dup := make([]bool, len(reqs))
	for i, r := range reqs {
		if seen[r.CallID] {
			dup[i] = true
		}
		seen[r.CallID] = true
	}
	return dup
}
