package window

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vigil-agent/vigil/internal/bus"
	"github.com/vigil-agent/vigil/internal/llm"
	"github.com/vigil-agent/vigil/internal/prompts"
	"github.com/vigil-agent/vigil/internal/store"
)

// Soft compaction keeps this many trailing messages at full fidelity.
const keepRecent = 10

// Tool results longer than this are substituted with a summarised form.
const toolSummariseThreshold = 500

// toolSummaryHead is how much of a summarised tool result survives.
const toolSummaryHead = 200

// SoftCompact rewrites the window in place: the first element (system
// prompt) is untouched, the trailing keepRecent messages are untouched,
// and in between only oversized tool results are substituted with a
// summarised form. Assistant and user text passes through at any
// length — it is the agent's self-continuity and is never rewritten.
// Idempotent: summarised forms are below the threshold.
func SoftCompact(win []llm.Message) {
	if len(win) <= 1+keepRecent {
		return
	}
	for i := 1; i < len(win)-keepRecent; i++ {
		m := &win[i]
		if m.Role != "tool" || len(m.Content) <= toolSummariseThreshold {
			continue
		}
		m.Content = fmt.Sprintf("[Summarized tool result: %s... (%d chars total)]",
			m.Content[:toolSummaryHead], len(m.Content))
	}
}

// SessionStore is the subset of the record store the manager needs for
// a session handoff.
type SessionStore interface {
	AppendMessage(source, content, toolName, toolInput, metadata string) (*store.Message, error)
	StartSession(handoffSummary string) (*store.Session, error)
	EndCurrentSession() error
}

// Manager tracks context pressure for the working window and drives
// compaction. Check and HardCompact are called only from the
// coordinator goroutine (the window is coordinator-owned); Pressure is
// safe from any goroutine.
type Manager struct {
	store        SessionStore
	bus          *bus.Bus
	max          int
	systemPrompt string
	logger       *slog.Logger
	grace        time.Duration

	warned bool

	mu   sync.Mutex
	last bus.Pressure
}

// NewManager creates a context manager for a window of max tokens.
func NewManager(st SessionStore, b *bus.Bus, max int, systemPrompt string, logger *slog.Logger) *Manager {
	return &Manager{
		store:        st,
		bus:          b,
		max:          max,
		systemPrompt: systemPrompt,
		logger:       logger,
		grace:        GraceBudget,
		last:         bus.Pressure{Max: max, Level: LevelNormal.String()},
	}
}

// Pressure returns the most recently computed pressure reading.
func (m *Manager) Pressure() bus.Pressure {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// GraceBudget is how long the agent gets between the context warning
// and the session handoff, to persist state via its own tools.
const GraceBudget = 5 * time.Second

// Grace returns the warning-to-handoff budget.
func (m *Manager) Grace() time.Duration {
	return m.grace
}

// SetGrace overrides the warning-to-handoff budget. Tests use this to
// avoid real five-second waits.
func (m *Manager) SetGrace(d time.Duration) {
	m.grace = d
}

// publish records and broadcasts a context_pressure event for the
// given count.
func (m *Manager) publish(tokens int) Level {
	level := Classify(tokens, m.max)
	p := bus.Pressure{
		Tokens: tokens,
		Max:    m.max,
		Ratio:  Ratio(tokens, m.max),
		Level:  level.String(),
	}
	m.mu.Lock()
	m.last = p
	m.mu.Unlock()
	m.bus.Publish(bus.Event{Type: bus.TypeContextPressure, Data: p})
	return level
}

// ReportUsage records actual prompt-token usage from the model, which
// supersedes the estimate for pressure broadcasts.
func (m *Manager) ReportUsage(promptTokens int) Level {
	return m.publish(promptTokens)
}

// Check estimates the window, broadcasts pressure, and applies soft
// compaction when warranted. At hard pressure it injects the one-time
// warning (into both log and window) and returns handoffDue=true; the
// caller owes a HardCompact call after GraceBudget.
func (m *Manager) Check(win *[]llm.Message) (level Level, handoffDue bool) {
	level = m.publish(Estimate(*win))

	switch level {
	case LevelSoft:
		SoftCompact(*win)
	case LevelHard, LevelOverflow:
		SoftCompact(*win)
		if !m.warned {
			m.warned = true
			warning := prompts.ContextWarning()
			*win = append(*win, llm.Message{Role: "system", Content: warning})
			msg, err := m.store.AppendMessage("system", warning, "", "", "")
			if err != nil {
				m.logger.Error("persist context warning failed", "error", err)
			} else {
				m.bus.PublishMessage(msg)
			}
			handoffDue = true
		}
	}
	return level, handoffDue
}

// HardCompact performs the session handoff: summarise the window, roll
// the session, reset the window to [system prompt, handoff block], and
// append+broadcast a divider naming the new session. Failures are
// non-fatal to the agent: the error is returned for logging, pressure
// stays hard, and the warning remains in place.
func (m *Manager) HardCompact(win *[]llm.Message) error {
	summary := Summarize(*win)

	if err := m.store.EndCurrentSession(); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	sess, err := m.store.StartSession(summary)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	*win = []llm.Message{
		{Role: "system", Content: m.systemPrompt},
		{Role: "system", Content: prompts.Handoff(summary)},
	}

	divider := prompts.Divider(sess.ID)
	msg, err := m.store.AppendMessage("system", divider, "", "", "")
	if err != nil {
		return fmt.Errorf("append divider: %w", err)
	}
	m.bus.PublishMessage(msg)

	m.warned = false
	m.logger.Info("session handoff complete", "session", sess.ID, "summary_len", len(summary))
	return nil
}

// Summarize computes the deterministic handoff digest for a window:
// turn and tool counts plus the head lines of the most recent user
// messages. No clock, no randomness — tests can assert it exactly.
func Summarize(win []llm.Message) string {
	var assistantTurns, toolUses int
	var recentUsers []string

	for _, m := range win {
		switch m.Role {
		case "assistant":
			assistantTurns++
			toolUses += len(m.ToolCalls)
		case "user":
			line := m.Content
			if idx := strings.IndexByte(line, '\n'); idx >= 0 {
				line = line[:idx]
			}
			if len(line) > 80 {
				line = line[:80]
			}
			recentUsers = append(recentUsers, line)
		}
	}
	if len(recentUsers) > 3 {
		recentUsers = recentUsers[len(recentUsers)-3:]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Previous session: %d assistant turns, %d tool uses.", assistantTurns, toolUses)
	if len(recentUsers) > 0 {
		sb.WriteString(" Recent user focus: ")
		sb.WriteString(strings.Join(recentUsers, "; "))
		sb.WriteString(".")
	}
	return sb.String()
}
