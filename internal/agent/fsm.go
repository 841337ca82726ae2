// Package agent implements the turn-by-turn state machine at the heart
// of the harness and the coordinator that drives it.
//
// The transition function is pure: (state, context, event) in, (state,
// context, effects) out, no I/O. Effects are data; the coordinator is
// the only entity that performs I/O, executing one transition's effects
// sequentially before delivering the next event. This is what makes the
// machine testable by replay, without mocks.
package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/vigil-agent/vigil/internal/llm"
	"github.com/vigil-agent/vigil/internal/prompts"
)

// Operating modes. The store's "mode" key is the source of truth; the
// FSM context holds a cached copy refreshed by mode_changed events.
const (
	ModeConversational = "conversational"
	ModeAutonomous     = "autonomous"
)

// Delay is the autonomous-tick interval: a positive number of seconds,
// zero for immediate re-tick, or infinite (wait for a manual step).
type Delay struct {
	Seconds  int
	Infinite bool
}

// ParseDelay parses the store-resident delay value: "infinite" or an
// integer second count, with or without JSON quoting.
func ParseDelay(s string) (Delay, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	if s == "infinite" {
		return Delay{Infinite: true}, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return Delay{}, fmt.Errorf("invalid delay %q (want seconds or \"infinite\")", s)
	}
	return Delay{Seconds: n}, nil
}

// String renders the delay in its store form.
func (d Delay) String() string {
	if d.Infinite {
		return "infinite"
	}
	return strconv.Itoa(d.Seconds)
}

// StateKind tags the FSM state.
type StateKind int

const (
	StateIdle StateKind = iota
	StateStreaming
	StateExecutingTools
	StateWaitingDelay
	StateWaitingStep
)

// String returns the wire name of the state tag.
func (k StateKind) String() string {
	switch k {
	case StateStreaming:
		return "streaming"
	case StateExecutingTools:
		return "executing_tools"
	case StateWaitingDelay:
		return "waiting_delay"
	case StateWaitingStep:
		return "waiting_step"
	default:
		return "idle"
	}
}

// State is the FSM state with its per-state payload.
type State struct {
	Kind StateKind

	// StreamID identifies the in-flight stream (streaming only).
	StreamID string

	// Calls and Cursor track tool execution (executing_tools only).
	// Calls are executed strictly sequentially; Cursor is the index of
	// the call currently in flight.
	Calls  []llm.ToolCall
	Cursor int

	// DelayMS is the scheduled wait (waiting_delay only).
	DelayMS int
}

// queuedMessage is a user input deferred while the agent was busy.
// Persisted marks inputs already written to the log (external
// injections are persisted by the gateway before the FSM sees them).
type queuedMessage struct {
	Content   string
	Persisted bool
}

// Ctx is the FSM context: the working window plus the mutable turn
// bookkeeping. It is owned exclusively by the coordinator; transitions
// receive it by value and return the successor.
type Ctx struct {
	Window []llm.Message

	Mode  string
	Delay Delay

	// AutonomousPrompt is the nudge injected on an autonomous tick
	// when no user input is queued. Carried in the context so the
	// transition function stays closed over its inputs.
	AutonomousPrompt string

	Queued            []queuedMessage
	ConsecutiveErrors int
	Turn              int

	// Accumulators for the currently-streaming response.
	CurContent   string
	CurReasoning string
}

// maxConsecutiveErrors is the retry-ladder ceiling: after this many
// stream errors in a row the loop pauses and waits for input.
const maxConsecutiveErrors = 3

// EventKind tags an FSM input event.
type EventKind int

const (
	EventUserMessage EventKind = iota
	EventExternalMessage
	EventAutonomousTick
	EventStreamStart
	EventStreamChunk
	EventStreamEnd
	EventStreamError
	EventToolResult
	EventModeChanged
	EventDelayChanged
	EventStep
	EventDelayElapsed

	// EventCompactionDue is an internal timer event: the context
	// warning's grace budget has elapsed and the session handoff is
	// owed. Handled by the coordinator, a no-op for the FSM.
	EventCompactionDue
)

// Event is an FSM input. Which fields are set depends on Kind.
type Event struct {
	Kind EventKind

	Content   string // user/external content, stream chunk content
	Source    string // external source, bare name without the prefix
	Reasoning string // stream chunk reasoning

	StreamID string       // stream_start
	Message  llm.Message  // stream_end: the assembled response
	Usage    *llm.Usage   // stream_end: token accounting, if reported
	Err      string       // stream_error

	ToolCallID string // tool_result
	Result     string // tool_result

	Mode  string // mode_changed
	Delay Delay  // delay_changed
}

// EffectKind tags an effect produced by a transition.
type EffectKind int

const (
	EffectStartStream EffectKind = iota
	EffectEmitToken
	EffectEmitReasoning
	EffectExecuteTool
	EffectSaveMessage
	EffectBroadcastMessage
	EffectUpdateContextPressure
	EffectScheduleDelay
	EffectWaitForStep
	EffectCheckContextPressure
	EffectLogError
	EffectBroadcastFSMState
)

// SaveMsg is the payload of a save_message effect. A broadcast_message
// effect following a save refers to the record the save produced.
type SaveMsg struct {
	Source    string
	Content   string
	ToolName  string
	ToolInput string
}

// Effect is one unit of work the coordinator owes after a transition.
type Effect struct {
	Kind EffectKind

	StreamID  string
	Token     string
	Reasoning string

	Call llm.ToolCall
	Msg  SaveMsg

	PromptTokens int // update_context_pressure
	DelayMS      int // schedule_delay
	Err          string
}

// Transition is the pure FSM step. It never performs I/O and never
// mutates its inputs beyond the returned copies. Whenever the state
// tag changes, a broadcast_fsm_state effect is appended.
func Transition(st State, c Ctx, ev Event) (State, Ctx, []Effect) {
	before := st.Kind
	st, c, effs := transition(st, c, ev)
	if st.Kind != before {
		effs = append(effs, Effect{Kind: EffectBroadcastFSMState})
	}
	return st, c, effs
}

func transition(st State, c Ctx, ev Event) (State, Ctx, []Effect) {
	switch ev.Kind {
	case EventUserMessage:
		switch st.Kind {
		case StateIdle, StateWaitingDelay, StateWaitingStep:
			// Leaving a waiting state implicitly cancels the timer or
			// step wait; the coordinator drops it on the tag change.
			return beginTurn(c, ev.Content, "user", false)
		default:
			// Busy: enqueue rather than drop. Consumed at the next
			// post-turn routing or autonomous tick.
			c.Queued = append(c.Queued, queuedMessage{Content: ev.Content})
			return st, c, nil
		}

	case EventExternalMessage:
		wrapped := fmt.Sprintf("[External message from %s]\n%s", ev.Source, ev.Content)
		switch st.Kind {
		case StateIdle, StateWaitingDelay, StateWaitingStep:
			// The injection handler already persisted and broadcast
			// the record; only the window and the stream start here.
			return beginTurn(c, wrapped, "", true)
		default:
			c.Queued = append(c.Queued, queuedMessage{Content: wrapped, Persisted: true})
			return st, c, nil
		}

	case EventAutonomousTick:
		if st.Kind != StateIdle {
			return st, c, nil
		}
		return tick(c)

	case EventStreamStart:
		if st.Kind == StateStreaming {
			st.StreamID = ev.StreamID
		}
		return st, c, nil

	case EventStreamChunk:
		if st.Kind != StateStreaming {
			return st, c, nil
		}
		var effs []Effect
		if ev.Content != "" {
			c.CurContent += ev.Content
			effs = append(effs, Effect{Kind: EffectEmitToken, StreamID: st.StreamID, Token: ev.Content})
		}
		if ev.Reasoning != "" {
			c.CurReasoning += ev.Reasoning
			effs = append(effs, Effect{Kind: EffectEmitReasoning, StreamID: st.StreamID, Reasoning: ev.Reasoning})
		}
		return st, c, effs

	case EventStreamEnd:
		if st.Kind != StateStreaming {
			return st, c, nil
		}
		return streamEnd(c, ev)

	case EventStreamError:
		if st.Kind != StateStreaming {
			return st, c, nil
		}
		return streamError(c, ev.Err)

	case EventToolResult:
		if st.Kind != StateExecutingTools {
			return st, c, nil
		}
		c.Window = append(c.Window, llm.Message{
			Role:       "tool",
			ToolCallID: ev.ToolCallID,
			Content:    ev.Result,
		})
		st.Cursor++
		if st.Cursor < len(st.Calls) {
			return st, c, []Effect{{Kind: EffectExecuteTool, Call: st.Calls[st.Cursor]}}
		}
		// All calls done: the agent continues its turn after tool
		// responses.
		return State{Kind: StateStreaming}, c, []Effect{
			{Kind: EffectCheckContextPressure},
			{Kind: EffectStartStream},
		}

	case EventModeChanged:
		c.Mode = ev.Mode
		if ev.Mode == ModeConversational && (st.Kind == StateWaitingDelay || st.Kind == StateWaitingStep) {
			return State{Kind: StateIdle}, c, nil
		}
		if ev.Mode == ModeAutonomous && st.Kind == StateIdle {
			return tick(c)
		}
		return st, c, nil

	case EventDelayChanged:
		c.Delay = ev.Delay
		if st.Kind == StateWaitingStep && !ev.Delay.Infinite {
			ms := ev.Delay.Seconds * 1000
			return State{Kind: StateWaitingDelay, DelayMS: ms}, c,
				[]Effect{{Kind: EffectScheduleDelay, DelayMS: ms}}
		}
		return st, c, nil

	case EventStep:
		if st.Kind != StateWaitingStep {
			return st, c, nil
		}
		return tick(c)

	case EventDelayElapsed:
		if st.Kind != StateWaitingDelay {
			// Stale timer; a qualifying event already left the state.
			return st, c, nil
		}
		return tick(c)

	default:
		return st, c, nil
	}
}

// beginTurn starts a model turn for one piece of input. persisted
// suppresses the save/broadcast pair for records already in the log.
func beginTurn(c Ctx, content, source string, persisted bool) (State, Ctx, []Effect) {
	c.ConsecutiveErrors = 0
	c.Turn++
	c.Window = append(c.Window, llm.Message{Role: "user", Content: content})

	var effs []Effect
	if !persisted {
		effs = append(effs,
			Effect{Kind: EffectSaveMessage, Msg: SaveMsg{Source: source, Content: content}},
			Effect{Kind: EffectBroadcastMessage},
		)
	}
	effs = append(effs,
		Effect{Kind: EffectCheckContextPressure},
		Effect{Kind: EffectStartStream},
	)
	return State{Kind: StateStreaming}, c, effs
}

// tick is the autonomous-tick entry: consume a queued user message if
// one is waiting, otherwise nudge the model to continue on its own.
// Outside autonomous mode a tick with an empty queue is a no-op.
func tick(c Ctx) (State, Ctx, []Effect) {
	if len(c.Queued) > 0 {
		q := c.Queued[0]
		c.Queued = c.Queued[1:]
		return beginTurn(c, q.Content, "user", q.Persisted)
	}
	if c.Mode != ModeAutonomous {
		return State{Kind: StateIdle}, c, nil
	}

	c.Turn++
	c.Window = append(c.Window, llm.Message{Role: "user", Content: c.AutonomousPrompt})
	return State{Kind: StateStreaming}, c, []Effect{
		{Kind: EffectCheckContextPressure},
		{Kind: EffectStartStream},
	}
}

// streamEnd closes out a model response: persist what the model said,
// account for usage, and either run its tool calls or route the turn.
func streamEnd(c Ctx, ev Event) (State, Ctx, []Effect) {
	msg := ev.Message
	c.CurContent = ""
	c.CurReasoning = ""
	c.ConsecutiveErrors = 0

	var effs []Effect
	if msg.Reasoning != "" {
		effs = append(effs,
			Effect{Kind: EffectSaveMessage, Msg: SaveMsg{Source: "reasoning", Content: msg.Reasoning}},
			Effect{Kind: EffectBroadcastMessage},
		)
	}
	if msg.Content != "" {
		effs = append(effs,
			Effect{Kind: EffectSaveMessage, Msg: SaveMsg{Source: "assistant", Content: msg.Content}},
			Effect{Kind: EffectBroadcastMessage},
		)
	}
	if msg.Content != "" || len(msg.ToolCalls) > 0 {
		c.Window = append(c.Window, llm.Message{
			Role:      "assistant",
			Content:   msg.Content,
			ToolCalls: msg.ToolCalls,
		})
	}
	if ev.Usage != nil {
		effs = append(effs, Effect{Kind: EffectUpdateContextPressure, PromptTokens: ev.Usage.PromptTokens})
	}

	if len(msg.ToolCalls) > 0 {
		effs = append(effs, Effect{Kind: EffectExecuteTool, Call: msg.ToolCalls[0]})
		return State{Kind: StateExecutingTools, Calls: msg.ToolCalls}, c, effs
	}

	st, c, routeEffs := postTurn(c)
	return st, c, append(effs, routeEffs...)
}

// streamError climbs the retry ladder: persist the error, retry with a
// recovery prompt up to the ceiling, then pause and wait for input.
func streamError(c Ctx, errMsg string) (State, Ctx, []Effect) {
	c.CurContent = ""
	c.CurReasoning = ""
	c.ConsecutiveErrors++

	effs := []Effect{
		{Kind: EffectLogError, Err: errMsg},
		{Kind: EffectSaveMessage, Msg: SaveMsg{Source: "system", Content: "Model stream error: " + errMsg}},
		{Kind: EffectBroadcastMessage},
	}

	if c.ConsecutiveErrors < maxConsecutiveErrors {
		c.Window = append(c.Window, llm.Message{Role: "user", Content: prompts.Recovery(errMsg)})
		effs = append(effs, Effect{Kind: EffectStartStream})
		return State{Kind: StateStreaming}, c, effs
	}

	effs = append(effs,
		Effect{Kind: EffectSaveMessage, Msg: SaveMsg{Source: "system", Content: prompts.PauseNotice(errMsg)}},
		Effect{Kind: EffectBroadcastMessage},
	)
	c.ConsecutiveErrors = 0
	return State{Kind: StateIdle}, c, effs
}

// postTurn routes after a turn ends without tool calls: queued input
// first, then idle, a manual-step wait, a scheduled delay, or an
// immediate re-tick, depending on mode and delay.
func postTurn(c Ctx) (State, Ctx, []Effect) {
	if len(c.Queued) > 0 {
		q := c.Queued[0]
		c.Queued = c.Queued[1:]
		return beginTurn(c, q.Content, "user", q.Persisted)
	}
	if c.Mode == ModeConversational {
		return State{Kind: StateIdle}, c, nil
	}
	if c.Delay.Infinite {
		return State{Kind: StateWaitingStep}, c, []Effect{{Kind: EffectWaitForStep}}
	}
	if c.Delay.Seconds > 0 {
		ms := c.Delay.Seconds * 1000
		return State{Kind: StateWaitingDelay, DelayMS: ms}, c,
			[]Effect{{Kind: EffectScheduleDelay, DelayMS: ms}}
	}
	return tick(c)
}
