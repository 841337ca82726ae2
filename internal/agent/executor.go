package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/vigil-agent/vigil/internal/bus"
	"github.com/vigil-agent/vigil/internal/llm"
	"github.com/vigil-agent/vigil/internal/store"
	"github.com/vigil-agent/vigil/internal/tools"
)

// executor performs the I/O side of effects: streaming model calls and
// tool invocations. It never touches FSM state directly — results come
// back as posted events, serialised through the coordinator.
type executor struct {
	llm      llm.Client
	model    string
	registry *tools.Registry
	store    *store.Store
	bus      *bus.Bus
	logger   *slog.Logger

	post  func(Event)
	probe func() bool
	fatal func(error)

	// lastSaved is the record the most recent save_message effect
	// produced; the paired broadcast_message effect refers to it.
	// Only touched from the coordinator goroutine.
	lastSaved *store.Message
}

// startStream launches one streaming model call against a window
// snapshot. Chunks, completion, and errors all come back as events;
// posting from a single goroutine keeps them in stream order.
func (e *executor) startStream(win []llm.Message) {
	// Stream ids are UUIDv7: time-ordered, so observers can sort token
	// fragments by stream without extra bookkeeping.
	sid, err := uuid.NewV7()
	if err != nil {
		e.post(Event{Kind: EventStreamError, Err: fmt.Sprintf("stream id: %v", err)})
		return
	}
	streamID := sid.String()
	e.post(Event{Kind: EventStreamStart, StreamID: streamID})

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("stream panicked", "panic", rec)
				e.post(Event{Kind: EventStreamError, Err: fmt.Sprintf("stream panicked: %v", rec)})
			}
		}()

		resp, err := e.llm.ChatStream(context.Background(), e.model, win, e.registry.List(), func(sev llm.StreamEvent) {
			switch sev.Kind {
			case llm.KindToken:
				e.post(Event{Kind: EventStreamChunk, Content: sev.Token})
			case llm.KindReasoning:
				e.post(Event{Kind: EventStreamChunk, Reasoning: sev.Reasoning})
			}
		})
		if err != nil {
			e.post(Event{Kind: EventStreamError, Err: err.Error()})
			return
		}
		e.post(Event{Kind: EventStreamEnd, Message: resp.Message, Usage: resp.Usage})
	}()
}

// startTool runs one tool call: persist and broadcast the tool_call
// record, dispatch with the interrupt probe attached, persist and
// broadcast the tool_result record, then hand the result back to the
// FSM. Calls within a turn run strictly sequentially — the FSM waits
// in executing_tools for each result before the next call is issued.
func (e *executor) startTool(call llm.ToolCall) {
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("tool execution panicked", "tool", call.Function.Name, "panic", rec)
				e.post(Event{Kind: EventToolResult, ToolCallID: call.ID,
					Result: fmt.Sprintf("Error: tool execution panicked: %v", rec)})
			}
		}()

		name := call.Function.Name
		args := call.Function.Arguments

		callMsg, err := e.store.AppendMessage("tool_call", "Calling "+name, name, args, "")
		if err != nil {
			e.fatal(fmt.Errorf("append tool_call message: %w", err))
			return
		}
		e.bus.PublishMessage(callMsg)

		ctx := tools.WithInterrupt(context.Background(), e.probe)
		result := e.registry.Execute(ctx, name, args)

		// The call id goes in tool_name: it is the correlation key the
		// working window uses to pair results with their calls.
		resultMsg, err := e.store.AppendMessage("tool_result", result, call.ID, "", "")
		if err != nil {
			e.fatal(fmt.Errorf("append tool_result message: %w", err))
			return
		}
		e.bus.PublishMessage(resultMsg)

		e.post(Event{Kind: EventToolResult, ToolCallID: call.ID, Result: result})
	}()
}
