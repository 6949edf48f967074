package capability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aiclab/persona-agent/internal/events"
)

// DefaultCallTimeout bounds a single capability call.
const DefaultCallTimeout = 30 * time.Second

// Request is one invocation requested by the reasoning service.
type Request struct {
	// CallID correlates the result with the request.
	CallID string
	Name   string
	Args   map[string]any
}

// Result is the outcome of one invocation. Failures are carried as
// textual results with IsError set, never as Go errors: the reasoning
// service sees them and can recover in the next decision step.
type Result struct {
	CallID   string
	Name     string
	Content  string
	IsError  bool
	Duration time.Duration
}

// Auditor records capability invocations for the session audit trail.
// Recording is best-effort; implementations log and swallow failures.
type Auditor interface {
	RecordCapabilityCall(ctx context.Context, sessionID, callID, name string, args map[string]any)
	CompleteCapabilityCall(ctx context.Context, callID, result string, isError bool, duration time.Duration)
}

// Executor runs invocation batches against a registry.
type Executor struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	bus      *events.Bus
	auditor  Auditor
}

// NewExecutor creates an executor. timeout <= 0 selects
// DefaultCallTimeout. bus and auditor may be nil.
func NewExecutor(registry *Registry, timeout time.Duration, logger *slog.Logger, bus *events.Bus, auditor Auditor) *Executor {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		bus:      bus,
		auditor:  auditor,
	}
}

// ExecuteBatch runs all requests concurrently and waits for every
// result before returning: the decision step always sees exactly one
// result per request. userID is injected only into handlers whose
// capability declares NeedsIdentity.
//
// If ctx is cancelled while calls are in flight, ExecuteBatch returns
// ctx.Err() immediately; the in-flight handlers run to completion on a
// detached context (so external effects are not torn mid-write) and
// their results are discarded. The sink is sealed at that point: a
// straggling handler must not write to a stream whose turn has ended.
func (e *Executor) ExecuteBatch(ctx context.Context, sessionID, userID string, reqs []Request, sink events.Sink) ([]Result, error) {
	if len(reqs) == 0 {
		return nil, nil
	}

	// Detach from cancellation: once a call has started we let it
	// finish. Per-call timeouts still apply.
	detached := context.WithoutCancel(ctx)

	guard := &sealableSink{sink: sink}

	results := make([]Result, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = e.executeOne(detached, sessionID, userID, req, guard.emit)
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return results, nil
	case <-ctx.Done():
		guard.seal()
		e.logger.Info("capability batch abandoned",
			"session_id", sessionID,
			"requests", len(reqs),
			"cause", ctx.Err(),
		)
		return nil, ctx.Err()
	}
}

// sealableSink forwards turn events until sealed. Sealing happens
// before an abandoned ExecuteBatch returns, so detached handlers that
// finish later cannot emit onto a stream the caller has torn down.
type sealableSink struct {
	mu     sync.Mutex
	sealed bool
	sink   events.Sink
}

func (g *sealableSink) emit(ev events.TurnEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sealed || g.sink == nil {
		return
	}
	g.sink(ev)
}

func (g *sealableSink) seal() {
	g.mu.Lock()
	g.sealed = true
	g.mu.Unlock()
}

func (e *Executor) executeOne(ctx context.Context, sessionID, userID string, req Request, sink events.Sink) Result {
	start := time.Now()

	if sink != nil {
		sink(events.CapabilityStart(req.Name))
	}
	e.bus.Publish(events.Event{
		Timestamp: start,
		Source:    events.SourceAgent,
		Kind:      events.KindCapabilityCall,
		Data:      map[string]any{"session_id": sessionID, "capability": req.Name},
	})
	if e.auditor != nil {
		e.auditor.RecordCapabilityCall(ctx, sessionID, req.CallID, req.Name, req.Args)
	}

	content, isError := e.run(ctx, userID, req)
	elapsed := time.Since(start)

	if e.auditor != nil {
		e.auditor.CompleteCapabilityCall(ctx, req.CallID, content, isError, elapsed)
	}
	e.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      events.KindCapabilityDone,
		Data: map[string]any{
			"session_id":  sessionID,
			"capability":  req.Name,
			"ok":          !isError,
			"duration_ms": elapsed.Milliseconds(),
		},
	})
	if sink != nil {
		sink(events.CapabilityEnd(req.Name, content))
	}

	if isError {
		e.logger.Warn("capability failed",
			"capability", req.Name,
			"session_id", sessionID,
			"duration", elapsed,
			"result", content,
		)
	} else {
		e.logger.Debug("capability completed",
			"capability", req.Name,
			"session_id", sessionID,
			"duration", elapsed,
		)
	}

	return Result{
		CallID:   req.CallID,
		Name:     req.Name,
		Content:  content,
		IsError:  isError,
		Duration: elapsed,
	}
}

// run resolves and invokes the handler, mapping every failure mode to a
// textual result the model can read.
func (e *Executor) run(ctx context.Context, userID string, req Request) (content string, isError bool) {
	c := e.registry.Get(req.Name)
	if c == nil {
		return fmt.Sprintf("Lỗi: không có công cụ tên %q.", req.Name), true
	}
	if c.Handler == nil {
		return fmt.Sprintf("Lỗi: công cụ %q chưa được cấu hình.", req.Name), true
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if c.NeedsIdentity {
		if userID == "" {
			return fmt.Sprintf("Lỗi: công cụ %q cần thông tin người dùng nhưng không có.", req.Name), true
		}
		callCtx = WithIdentity(callCtx, userID)
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("capability panicked", "capability", req.Name, "panic", r)
			content = fmt.Sprintf("Lỗi: công cụ %q gặp sự cố nội bộ.", req.Name)
			isError = true
		}
	}()

	out, err := c.Handler(callCtx, req.Args)
	if err != nil {
		return fmt.Sprintf("Lỗi khi chạy %s: %v", req.Name, err), true
	}
	return out, false
}
