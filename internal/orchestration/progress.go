package orchestration

import (
	"encoding/json"
	"log/slog"
)

// ProgressSink receives fire-and-forget notifications while a run executes.
type ProgressSink interface {
	OnProgress(percent int, message string)
	OnPhaseChange(phase Phase, agent string)
	OnAgentStart(agent string)
	OnAgentComplete(agent string, output json.RawMessage)
	OnError(err *OrchestrationError)
}

// NopSink discards every notification.
type NopSink struct{}

func (NopSink) OnProgress(int, string)                  {}
func (NopSink) OnPhaseChange(Phase, string)             {}
func (NopSink) OnAgentStart(string)                     {}
func (NopSink) OnAgentComplete(string, json.RawMessage) {}
func (NopSink) OnError(*OrchestrationError)             {}

// EventKind identifies the notification carried by a ProgressEvent.
type EventKind string

// EventKind constants.
const (
	EventProgress      EventKind = "progress"
	EventPhaseChange   EventKind = "phase_change"
	EventAgentStart    EventKind = "agent_start"
	EventAgentComplete EventKind = "agent_complete"
	EventError         EventKind = "error"
)

// ProgressEvent represents a progress update during pipeline execution
type ProgressEvent struct {
	Kind      EventKind       `json:"kind"`
	SessionID string          `json:"session_id"`
	Phase     Phase           `json:"phase,omitempty"`
	Agent     string          `json:"agent,omitempty"`
	Percent   int             `json:"percent,omitempty"`
	Message   string          `json:"message,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	ErrorType ErrorType       `json:"error_type,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
}

// ProgressCallback is called when pipeline progress occurs
type ProgressCallback func(event ProgressEvent)

// CallbackSink flattens every notification into a ProgressEvent for a single callback.
type CallbackSink struct {
	SessionID string
	Callback  ProgressCallback
}

func (c CallbackSink) emit(ev ProgressEvent) {
	if c.Callback == nil {
		return
	}
	ev.SessionID = c.SessionID
	c.Callback(ev)
}

func (c CallbackSink) OnProgress(percent int, message string) {
	c.emit(ProgressEvent{Kind: EventProgress, Percent: percent, Message: message})
}

func (c CallbackSink) OnPhaseChange(phase Phase, agent string) {
	c.emit(ProgressEvent{Kind: EventPhaseChange, Phase: phase, Agent: agent})
}

func (c CallbackSink) OnAgentStart(agent string) {
	c.emit(ProgressEvent{Kind: EventAgentStart, Agent: agent})
}

func (c CallbackSink) OnAgentComplete(agent string, output json.RawMessage) {
	c.emit(ProgressEvent{Kind: EventAgentComplete, Agent: agent, Content: output})
}

func (c CallbackSink) OnError(err *OrchestrationError) {
	if err == nil {
		return
	}
	c.emit(ProgressEvent{
		Kind:      EventError,
		Agent:     err.Agent,
		Message:   err.Message,
		ErrorType: err.Type,
		Retryable: err.Retryable,
	})
}

// MultiSink forwards every notification to each sink in order.
type MultiSink []ProgressSink

func (m MultiSink) OnProgress(percent int, message string) {
	for _, s := range m {
		s.OnProgress(percent, message)
	}
}

func (m MultiSink) OnPhaseChange(phase Phase, agent string) {
	for _, s := range m {
		s.OnPhaseChange(phase, agent)
	}
}

func (m MultiSink) OnAgentStart(agent string) {
	for _, s := range m {
		s.OnAgentStart(agent)
	}
}

func (m MultiSink) OnAgentComplete(agent string, output json.RawMessage) {
	for _, s := range m {
		s.OnAgentComplete(agent, output)
	}
}

func (m MultiSink) OnError(err *OrchestrationError) {
	for _, s := range m {
		s.OnError(err)
	}
}

// notifier shields the run from a misbehaving sink: panics are recovered and logged.
type notifier struct {
	sink   ProgressSink
	logger *slog.Logger
}

func (n notifier) guard(event string) {
	if r := recover(); r != nil {
		n.logger.Warn("progress sink panicked", "event", event, "panic", r)
	}
}

func (n notifier) progress(percent int, message string) {
	defer n.guard(string(EventProgress))
	n.sink.OnProgress(percent, message)
}

func (n notifier) phaseChange(phase Phase, agent string) {
	defer n.guard(string(EventPhaseChange))
	n.sink.OnPhaseChange(phase, agent)
}

func (n notifier) agentStart(agent string) {
	defer n.guard(string(EventAgentStart))
	n.sink.OnAgentStart(agent)
}

func (n notifier) agentComplete(agent string, output json.RawMessage) {
	defer n.guard(string(EventAgentComplete))
	n.sink.OnAgentComplete(agent, output)
}

func (n notifier) error(err *OrchestrationError) {
	defer n.guard(string(EventError))
	n.sink.OnError(err)
}
