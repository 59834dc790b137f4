package commands

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"

	"github.com/bdobrica/stevedore/common/observability"
	"github.com/bdobrica/stevedore/common/retry"
	"github.com/bdobrica/stevedore/common/trace"
	"github.com/bdobrica/stevedore/common/version"
	"github.com/bdobrica/stevedore/internal/stevedore/engine"
	"github.com/bdobrica/stevedore/internal/stevedore/store"
)

const (
	// defaultLogsTail is the number of log lines returned when --tail is
	// not given and no configured default overrides it.
	defaultLogsTail = 50

	// defaultLogsTailMax caps --tail so a single command cannot pull an
	// unbounded amount of output into a chat reply.
	defaultLogsTailMax = 500

	// replyBudget is the maximum reply length in bytes. Matrix events carry
	// far more, but chat clients render huge messages poorly.
	replyBudget = 4000
)

// HandlersConfig carries the dependencies for command handlers. It is built
// once at startup and handed to NewHandlers; tests substitute a fake Engine.
type HandlersConfig struct {
	Engine engine.Engine
	Store  *store.Store
	// Prefix is the command prefix used in usage and help strings.
	Prefix string
	// LogsTailDefault overrides the default log tail line count.
	LogsTailDefault int
	// LogsTailMax overrides the maximum log tail line count.
	LogsTailMax int
}

// Handlers executes parsed commands against the engine gateway.
type Handlers struct {
	engine          engine.Engine
	store           *store.Store
	prefix          string
	logsTailDefault int
	logsTailMax     int
}

// NewHandlers creates a Handlers instance from the given configuration.
func NewHandlers(cfg HandlersConfig) *Handlers {
	h := &Handlers{
		engine:          cfg.Engine,
		store:           cfg.Store,
		prefix:          cfg.Prefix,
		logsTailDefault: cfg.LogsTailDefault,
		logsTailMax:     cfg.LogsTailMax,
	}
	if h.prefix == "" {
		h.prefix = "/stevedore"
	}
	if h.logsTailDefault <= 0 {
		h.logsTailDefault = defaultLogsTail
	}
	if h.logsTailMax <= 0 {
		h.logsTailMax = defaultLogsTailMax
	}
	return h
}

// Dispatch executes a parsed command and returns the Markdown reply text.
// The switch is exhaustive over the verb enumeration; a verb constant added
// to the router without a case here is caught by the default branch in tests.
func (h *Handlers) Dispatch(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	switch cmd.Verb {
	case VerbHelp:
		return h.handleHelp(ctx, cmd, evt)
	case VerbPing:
		return h.handlePing(ctx, cmd, evt)
	case VerbVersion:
		return h.handleVersion(ctx, cmd, evt)
	case VerbAudit:
		return h.handleAudit(ctx, cmd, evt)
	case VerbList:
		return h.handleList(ctx, cmd, evt)
	case VerbStart:
		return h.handleStart(ctx, cmd, evt)
	case VerbStop:
		return h.handleStop(ctx, cmd, evt)
	case VerbRestart:
		return h.handleRestart(ctx, cmd, evt)
	case VerbRemove:
		return h.handleRemove(ctx, cmd, evt)
	case VerbLogs:
		return h.handleLogs(ctx, cmd, evt)
	case VerbInspect:
		return h.handleInspect(ctx, cmd, evt)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedVerb, cmd.Verb)
	}
}

// callEngine wraps an engine call with a short retry that fires only when
// the control channel is unreachable. Lifecycle operations are idempotent at
// the engine level, so repeating one after a connection failure is safe.
func (h *Handlers) callEngine(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: 500 * time.Millisecond,
		ShouldRetry: func(err error) bool {
			return errors.Is(err, engine.ErrUnavailable)
		},
	}, fn)
}

// audit writes an audit entry, logging instead of failing the command when
// the write itself errors.
func (h *Handlers) audit(ctx context.Context, traceID string, evt *event.Event, verb Verb, target, result string, payload store.AuditPayload, errMsg string) {
	if err := h.store.WriteAudit(ctx, traceID, evt.Sender.String(), string(verb), target, result, payload, errMsg); err != nil {
		observability.WithTrace(ctx).Warn("audit write failed", "verb", verb, "target", target, "err", err)
	}
}

// --- bot-local verbs --------------------------------------------------------

func (h *Handlers) handleHelp(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	p := h.prefix
	return fmt.Sprintf(`**Stevedore** — container engine chat control

**Unit Commands:**
• %[1]s list - List all units with their state
• %[1]s start <name> - Start a stopped unit
• %[1]s stop <name> - Stop a running unit
• %[1]s restart <name> - Restart a unit
• %[1]s remove <name> - Stop and remove a unit
• %[1]s logs <name> [--tail n] - Show recent log output
• %[1]s inspect <name> - Show unit metadata

**General Commands:**
• %[1]s help - Show this help message
• %[1]s ping - Engine health check
• %[1]s version - Show version information
• %[1]s audit tail [n] - Show recent audit entries
• %[1]s audit trace <trace_id> - Show all entries for a trace
`, p), nil
}

func (h *Handlers) handleVersion(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	return fmt.Sprintf("**Stevedore**\nVersion: %s\nCommit: %s\nBuild Time: %s",
		version.Version, version.GitCommit, version.BuildTime), nil
}

func (h *Handlers) handlePing(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	if err := h.callEngine(ctx, func() error { return h.engine.Ping(ctx) }); err != nil {
		h.audit(ctx, traceID, evt, VerbPing, "", "error", nil, err.Error())
		return "", err
	}

	h.audit(ctx, traceID, evt, VerbPing, "", "success", nil, "")
	return fmt.Sprintf("🏓 Pong! Engine reachable. (trace: %s)", traceID), nil
}

func (h *Handlers) handleAudit(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	sub, _ := cmd.GetArg(0)
	switch sub {
	case "tail", "":
		limit := 10
		if limitStr, ok := cmd.GetArg(1); ok {
			if n, err := strconv.Atoi(limitStr); err == nil {
				limit = n
			}
		}
		if limit <= 0 || limit > 100 {
			limit = 10
		}
		return h.auditTail(ctx, evt, limit)
	case "trace":
		traceID, ok := cmd.GetArg(1)
		if !ok {
			return "", fmt.Errorf("usage: %s audit trace <trace_id>", h.prefix)
		}
		return h.auditTrace(ctx, evt, traceID)
	default:
		return "", fmt.Errorf("usage: %s audit tail [n] | %s audit trace <trace_id>", h.prefix, h.prefix)
	}
}

func (h *Handlers) auditTail(ctx context.Context, evt *event.Event, limit int) (string, error) {
	entries, err := h.store.GetAuditLog(ctx, limit)
	if err != nil {
		return "", fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(entries) == 0 {
		return "No audit entries yet.", nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Recent Audit Entries (last %d)**\n\n", limit))
	for _, e := range entries {
		sb.WriteString(formatAuditEntry(e))
	}
	return sb.String(), nil
}

func (h *Handlers) auditTrace(ctx context.Context, evt *event.Event, traceID string) (string, error) {
	entries, err := h.store.GetAuditByTrace(ctx, traceID)
	if err != nil {
		return "", fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(entries) == 0 {
		return fmt.Sprintf("No audit entries for trace %s.", traceID), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Trace %s (%d entries)**\n\n", traceID, len(entries)))
	for _, e := range entries {
		sb.WriteString(formatAuditEntry(e))
	}
	return sb.String(), nil
}

func formatAuditEntry(e *store.AuditEntry) string {
	resultEmoji := "✅"
	if e.Result != "success" {
		resultEmoji = "❌"
	}
	line := fmt.Sprintf("%s %s **%s**", resultEmoji, e.Timestamp.Format("2006-01-02 15:04:05"), e.Verb)
	if e.Target.Valid {
		line += " " + e.Target.String
	}
	line += fmt.Sprintf(" by %s", e.Actor)
	if e.ErrorMessage.Valid {
		line += fmt.Sprintf(" — %s", e.ErrorMessage.String)
	}
	return line + "\n"
}

// --- engine verbs -----------------------------------------------------------

func (h *Handlers) handleList(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)

	var units []engine.UnitSummary
	err := h.callEngine(ctx, func() error {
		var listErr error
		units, listErr = h.engine.List(ctx)
		return listErr
	})
	if err != nil {
		h.audit(ctx, traceID, evt, VerbList, "", "error", nil, err.Error())
		return "", err
	}

	h.audit(ctx, traceID, evt, VerbList, "", "success", store.AuditPayload{"count": len(units)}, "")

	if len(units) == 0 {
		return fmt.Sprintf("No units found. (trace: %s)", traceID), nil
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Units (%d)**\n\n", len(units)))
	for _, u := range units {
		sb.WriteString(fmt.Sprintf("%s **%s** — %s (%s)\n", stateEmoji(u.State), u.Name, u.Status, u.Image))
	}
	sb.WriteString(fmt.Sprintf("\n(trace: %s)", traceID))
	return sb.String(), nil
}

func (h *Handlers) handleStart(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	name := cmd.Target

	detail, err := h.inspectUnit(ctx, name)
	if err != nil {
		h.audit(ctx, traceID, evt, VerbStart, name, "error", nil, err.Error())
		return "", err
	}

	// Already in the target state: success with a no-op notice, mirroring
	// the engine's own idempotent behaviour.
	if detail.Running {
		h.audit(ctx, traceID, evt, VerbStart, name, "success", store.AuditPayload{"noop": true}, "")
		return fmt.Sprintf("⚠️  Unit **%s** is already running\n\n(trace: %s)", name, traceID), nil
	}

	if err := h.callEngine(ctx, func() error { return h.engine.Start(ctx, name) }); err != nil {
		h.audit(ctx, traceID, evt, VerbStart, name, "error", nil, err.Error())
		return "", err
	}

	h.audit(ctx, traceID, evt, VerbStart, name, "success", nil, "")
	return fmt.Sprintf("▶️  Unit **%s** started\n\n(trace: %s)", name, traceID), nil
}

func (h *Handlers) handleStop(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	name := cmd.Target

	detail, err := h.inspectUnit(ctx, name)
	if err != nil {
		h.audit(ctx, traceID, evt, VerbStop, name, "error", nil, err.Error())
		return "", err
	}

	if !detail.Running {
		h.audit(ctx, traceID, evt, VerbStop, name, "success", store.AuditPayload{"noop": true}, "")
		return fmt.Sprintf("⚠️  Unit **%s** is already stopped\n\n(trace: %s)", name, traceID), nil
	}

	if err := h.callEngine(ctx, func() error { return h.engine.Stop(ctx, name) }); err != nil {
		h.audit(ctx, traceID, evt, VerbStop, name, "error", nil, err.Error())
		return "", err
	}

	h.audit(ctx, traceID, evt, VerbStop, name, "success", nil, "")
	return fmt.Sprintf("⏹️  Unit **%s** stopped\n\n(trace: %s)", name, traceID), nil
}

func (h *Handlers) handleRestart(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	name := cmd.Target

	if _, err := h.inspectUnit(ctx, name); err != nil {
		h.audit(ctx, traceID, evt, VerbRestart, name, "error", nil, err.Error())
		return "", err
	}

	if err := h.callEngine(ctx, func() error { return h.engine.Restart(ctx, name) }); err != nil {
		h.audit(ctx, traceID, evt, VerbRestart, name, "error", nil, err.Error())
		return "", err
	}

	h.audit(ctx, traceID, evt, VerbRestart, name, "success", nil, "")
	return fmt.Sprintf("🔄 Unit **%s** restarted\n\n(trace: %s)", name, traceID), nil
}

func (h *Handlers) handleRemove(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	name := cmd.Target

	if _, err := h.inspectUnit(ctx, name); err != nil {
		h.audit(ctx, traceID, evt, VerbRemove, name, "error", nil, err.Error())
		return "", err
	}

	if err := h.callEngine(ctx, func() error { return h.engine.Remove(ctx, name) }); err != nil {
		h.audit(ctx, traceID, evt, VerbRemove, name, "error", nil, err.Error())
		return "", err
	}

	h.audit(ctx, traceID, evt, VerbRemove, name, "success", nil, "")
	return fmt.Sprintf("🗑️  Unit **%s** removed\n\n(trace: %s)", name, traceID), nil
}

func (h *Handlers) handleLogs(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	name := cmd.Target

	tail := h.logsTailDefault
	if tailStr := cmd.GetFlag("tail", ""); tailStr != "" {
		n, err := strconv.Atoi(tailStr)
		if err != nil || n <= 0 {
			return "", fmt.Errorf("invalid --tail value %q: must be a positive integer", tailStr)
		}
		tail = n
	}
	if tail > h.logsTailMax {
		tail = h.logsTailMax
	}

	var logs string
	err := h.callEngine(ctx, func() error {
		var logsErr error
		logs, logsErr = h.engine.Logs(ctx, name, tail)
		return logsErr
	})
	if err != nil {
		h.audit(ctx, traceID, evt, VerbLogs, name, "error", store.AuditPayload{"tail": tail}, err.Error())
		return "", err
	}

	h.audit(ctx, traceID, evt, VerbLogs, name, "success", store.AuditPayload{"tail": tail}, "")

	logs = strings.TrimRight(logs, "\n")
	if logs == "" {
		return fmt.Sprintf("Unit **%s** has no log output. (trace: %s)", name, traceID), nil
	}

	header := fmt.Sprintf("**Logs: %s** (last %d lines)\n", name, tail)
	footer := fmt.Sprintf("\n(trace: %s)", traceID)
	return header + "```\n" + truncateHead(logs, replyBudget-len(header)-len(footer)-10) + "\n```" + footer, nil
}

func (h *Handlers) handleInspect(ctx context.Context, cmd *Command, evt *event.Event) (string, error) {
	traceID := trace.GenerateID()
	ctx = trace.WithTraceID(ctx, traceID)
	name := cmd.Target

	detail, err := h.inspectUnit(ctx, name)
	if err != nil {
		h.audit(ctx, traceID, evt, VerbInspect, name, "error", nil, err.Error())
		return "", err
	}

	h.audit(ctx, traceID, evt, VerbInspect, name, "success", nil, "")

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("**Unit: %s**\n\n", detail.Name))
	sb.WriteString(fmt.Sprintf("ID:            %s\n", truncateID(detail.ID, 12)))
	sb.WriteString(fmt.Sprintf("Image:         %s\n", detail.Image))
	sb.WriteString(fmt.Sprintf("State:         %s %s", stateEmoji(detail.State), detail.State))
	if detail.State == engine.StateExited {
		sb.WriteString(fmt.Sprintf(" (exit %d)", detail.ExitCode))
	}
	sb.WriteString("\n")
	if !detail.CreatedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Created:       %s\n", detail.CreatedAt.Format(time.RFC3339)))
	}
	if !detail.StartedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Started:       %s\n", detail.StartedAt.Format(time.RFC3339)))
	}
	if !detail.Running && !detail.FinishedAt.IsZero() {
		sb.WriteString(fmt.Sprintf("Finished:      %s\n", detail.FinishedAt.Format(time.RFC3339)))
	}
	if detail.RestartCount > 0 {
		sb.WriteString(fmt.Sprintf("Restart Count: %d\n", detail.RestartCount))
	}
	for netName, ip := range detail.IPAddresses {
		sb.WriteString(fmt.Sprintf("IP (%s):   %s\n", netName, ip))
	}
	sb.WriteString(fmt.Sprintf("\n(trace: %s)", traceID))
	return sb.String(), nil
}

// --- helpers ----------------------------------------------------------------

// inspectUnit fetches unit metadata with the standard retry policy.
func (h *Handlers) inspectUnit(ctx context.Context, name string) (engine.UnitDetail, error) {
	var detail engine.UnitDetail
	err := h.callEngine(ctx, func() error {
		var inspectErr error
		detail, inspectErr = h.engine.Inspect(ctx, name)
		return inspectErr
	})
	return detail, err
}

func stateEmoji(s engine.UnitState) string {
	switch s {
	case engine.StateRunning:
		return "✅"
	case engine.StateExited, engine.StateDead:
		return "⏹️"
	case engine.StateCreated:
		return "🆕"
	case engine.StatePaused:
		return "⏸️"
	case engine.StateRestarting:
		return "🔄"
	case engine.StateRemoving:
		return "🗑️"
	default:
		return "❓"
	}
}

// truncateID returns up to n bytes of s (safe alternative to s[:n]).
func truncateID(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// truncateHead trims s to at most n bytes, dropping the oldest lines first
// since the most recent log output is what the operator asked for.
func truncateHead(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	const marker = "… (truncated)\n"
	cut := len(s) - n + len(marker)
	if cut >= len(s) {
		return marker
	}
	// Cut on a line boundary when one is nearby.
	if idx := strings.IndexByte(s[cut:], '\n'); idx >= 0 && idx < 200 {
		cut += idx + 1
	}
	return marker + s[cut:]
}
