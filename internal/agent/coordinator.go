package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vigil-agent/vigil/internal/bus"
	"github.com/vigil-agent/vigil/internal/llm"
	"github.com/vigil-agent/vigil/internal/store"
	"github.com/vigil-agent/vigil/internal/tools"
	"github.com/vigil-agent/vigil/internal/window"
)

// eventQueueSize bounds the coordinator's inbox. Producers are the
// gateway, timers, and the executor's own stream/tool goroutines.
const eventQueueSize = 256

// inputGrace is how long the pending-input flag stays raised after a
// user message arrives. It covers a few interrupt-probe intervals so a
// blocking tool reliably notices the input.
const inputGrace = 250 * time.Millisecond

// Config assembles a coordinator's collaborators.
type Config struct {
	Store            *store.Store
	Bus              *bus.Bus
	LLM              llm.Client
	Model            string
	Tools            *tools.Registry
	Window           *window.Manager
	SystemPrompt     string
	AutonomousPrompt string
	Mode             string
	Delay            Delay
	HandoffSummary   string
	Logger           *slog.Logger
}

// Coordinator owns the FSM and its context. All transitions are
// serialised through its single goroutine; concurrent I/O interacts
// with FSM state only by posting events onto the queue.
type Coordinator struct {
	st State
	c  Ctx

	events chan Event
	exec   *executor
	winmgr *window.Manager
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger

	pendingInputs atomic.Int64

	delayTimer   *time.Timer
	compactTimer *time.Timer

	fatalErr chan error

	snapMu sync.Mutex
	snap   Snapshot
}

// Snapshot is a thread-safe view of the coordinator for the gateway's
// status surface.
type Snapshot struct {
	State    string       `json:"state"`
	Turn     int          `json:"turn"`
	Mode     string       `json:"mode"`
	Delay    string       `json:"delay"`
	Pressure bus.Pressure `json:"pressure"`
}

// NewCoordinator builds a coordinator in the idle state. The working
// window opens with the system prompt and, when a handoff summary
// carried over, the handoff block as its second element.
func NewCoordinator(cfg Config) *Coordinator {
	win := []llm.Message{{Role: "system", Content: cfg.SystemPrompt}}
	if cfg.HandoffSummary != "" {
		win = append(win, llm.Message{Role: "system", Content: "[Session handoff]\n" + cfg.HandoffSummary})
	}

	c := &Coordinator{
		st: State{Kind: StateIdle},
		c: Ctx{
			Window:           win,
			Mode:             cfg.Mode,
			Delay:            cfg.Delay,
			AutonomousPrompt: cfg.AutonomousPrompt,
		},
		events:   make(chan Event, eventQueueSize),
		winmgr:   cfg.Window,
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		fatalErr: make(chan error, 1),
	}
	c.exec = &executor{
		llm:      cfg.LLM,
		model:    cfg.Model,
		registry: cfg.Tools,
		store:    cfg.Store,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		post:     c.Post,
		probe:    func() bool { return c.pendingInputs.Load() > 0 },
		fatal:    c.fail,
	}
	c.updateSnapshot()
	return c
}

// Post enqueues an event for the coordinator. Safe from any goroutine.
// A full queue drops the event with a log line rather than blocking
// the producer.
func (c *Coordinator) Post(ev Event) {
	if ev.Kind == EventUserMessage {
		// Raise the pending-input flag for a short grace window so
		// tools consulting the interrupt probe can return early.
		c.pendingInputs.Add(1)
		time.AfterFunc(inputGrace, func() { c.pendingInputs.Add(-1) })
	}

	select {
	case c.events <- ev:
	default:
		c.logger.Error("event queue full, dropping event", "kind", ev.Kind)
	}
}

// fail records a fatal error (store unavailable); the run loop exits.
func (c *Coordinator) fail(err error) {
	select {
	case c.fatalErr <- err:
	default:
	}
}

// Run processes events until the context is cancelled or a fatal store
// error occurs. There is no terminal FSM state — the loop runs as long
// as the process.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.c.Mode == ModeAutonomous {
		c.Post(Event{Kind: EventAutonomousTick})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.fatalErr:
			return fmt.Errorf("coordinator: %w", err)
		case ev := <-c.events:
			c.dispatch(ev)
		}
	}
}

// dispatch applies one event: intercept context-manager timers, run
// the pure transition, manage the delay timer across the tag change,
// then execute the effects in order.
func (c *Coordinator) dispatch(ev Event) {
	if ev.Kind == EventCompactionDue {
		if err := c.winmgr.HardCompact(&c.c.Window); err != nil {
			// Non-fatal: pressure stays hard, the warning stands, and
			// the agent carries on.
			c.logger.Error("hard compaction failed", "error", err)
		}
		c.updateSnapshot()
		return
	}

	before := c.st.Kind
	st, cc, effs := Transition(c.st, c.c, ev)
	c.st, c.c = st, cc

	if before == StateWaitingDelay && st.Kind != StateWaitingDelay && c.delayTimer != nil {
		c.delayTimer.Stop()
		c.delayTimer = nil
	}

	for _, eff := range effs {
		c.apply(eff)
	}
	c.updateSnapshot()
}

// apply executes one effect. Store writes are synchronous and fatal on
// failure; model streams and tool invocations run in goroutines that
// feed results back as events.
func (c *Coordinator) apply(eff Effect) {
	switch eff.Kind {
	case EffectSaveMessage:
		msg, err := c.store.AppendMessage(eff.Msg.Source, eff.Msg.Content, eff.Msg.ToolName, eff.Msg.ToolInput, "")
		if err != nil {
			c.fail(fmt.Errorf("append message: %w", err))
			return
		}
		c.exec.lastSaved = msg

	case EffectBroadcastMessage:
		if c.exec.lastSaved != nil {
			c.bus.PublishMessage(c.exec.lastSaved)
		}

	case EffectEmitToken:
		c.bus.Publish(bus.Event{Type: bus.TypeToken, Data: bus.Token{StreamID: eff.StreamID, Text: eff.Token}})

	case EffectEmitReasoning:
		c.bus.Publish(bus.Event{Type: bus.TypeReasoning, Data: bus.Token{StreamID: eff.StreamID, Text: eff.Reasoning}})

	case EffectStartStream:
		c.exec.startStream(cloneWindow(c.c.Window))

	case EffectExecuteTool:
		c.exec.startTool(eff.Call)

	case EffectCheckContextPressure:
		_, handoffDue := c.winmgr.Check(&c.c.Window)
		if handoffDue {
			c.compactTimer = time.AfterFunc(c.winmgr.Grace(), func() {
				c.Post(Event{Kind: EventCompactionDue})
			})
		}

	case EffectUpdateContextPressure:
		c.winmgr.ReportUsage(eff.PromptTokens)

	case EffectScheduleDelay:
		d := time.Duration(eff.DelayMS) * time.Millisecond
		c.delayTimer = time.AfterFunc(d, func() {
			c.Post(Event{Kind: EventDelayElapsed})
		})

	case EffectWaitForStep:
		c.logger.Info("waiting for manual step")

	case EffectLogError:
		c.logger.Error("stream error", "error", eff.Err)

	case EffectBroadcastFSMState:
		c.bus.Publish(bus.Event{Type: bus.TypeFSMState, Data: bus.FSMState{
			State: c.st.Kind.String(),
			Turn:  c.c.Turn,
		}})
	}
}

func (c *Coordinator) updateSnapshot() {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	c.snap = Snapshot{
		State:    c.st.Kind.String(),
		Turn:     c.c.Turn,
		Mode:     c.c.Mode,
		Delay:    c.c.Delay.String(),
		Pressure: c.winmgr.Pressure(),
	}
}

// Snapshot returns the latest coordinator view. Safe from any
// goroutine.
func (c *Coordinator) Snapshot() Snapshot {
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	return c.snap
}

// cloneWindow copies the window slice so the stream goroutine reads a
// stable snapshot while the coordinator keeps mutating its own.
func cloneWindow(win []llm.Message) []llm.Message {
	out := make([]llm.Message, len(win))
	copy(out, win)
	return out
}
