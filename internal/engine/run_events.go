package engine

import (
	"sync"
	"time"
)

// Event types published by the dispatch loop.
const (
	EventExecutionStarted  = "execution_started"
	EventStepStarted       = "step_started"
	EventStepFinished      = "step_finished"
	EventExecutionFinished = "execution_finished"
)

// Event is an advisory progress notification for one execution. The
// contract remains polling GetWorkflowStatus; events only let an embedding
// application react without a tight poll loop.
type Event struct {
	Type         string `json:"type"`
	ExecutionID  string `json:"execution_id"`
	WorkflowID   string `json:"workflow_id,omitempty"`
	StepID       string `json:"step_id,omitempty"`
	Status       string `json:"status,omitempty"`
	Error        string `json:"error,omitempty"`
	TSUnixMillis int64  `json:"ts"`
}

const maxReplayEvents = 200

type subscriberSet map[chan Event]struct{}

// EventHub fans execution events out to per-execution subscribers. Events
// published between ExecuteWorkflow returning and the caller subscribing
// are not lost: a bounded per-execution buffer is replayed on Subscribe.
type EventHub struct {
	mu     sync.RWMutex
	subs   map[string]subscriberSet
	replay map[string][]Event
}

func NewEventHub() *EventHub {
	return &EventHub{
		subs:   map[string]subscriberSet{},
		replay: map[string][]Event{},
	}
}

// Subscribe attaches to one execution's event stream and returns the
// detach function. Detaching never closes the channel: Publish may hold a
// reference concurrently, and a send on a closed channel would take down
// the dispatch goroutine. Subscribers treat EventExecutionFinished as the
// end of the stream and let the channel be collected.
func (h *EventHub) Subscribe(executionID string) (<-chan Event, func()) {
	ch := make(chan Event, 64)

	h.mu.Lock()
	set, ok := h.subs[executionID]
	if !ok {
		set = subscriberSet{}
		h.subs[executionID] = set
	}
	set[ch] = struct{}{}
	backlog := append([]Event(nil), h.replay[executionID]...)
	h.mu.Unlock()

	go func() {
		for _, evt := range backlog {
			select {
			case ch <- evt:
			default:
				return
			}
		}
	}()

	detach := func() {
		h.mu.Lock()
		if set, ok := h.subs[executionID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, executionID)
			}
		}
		h.mu.Unlock()
	}
	return ch, detach
}

// Publish records evt in the replay buffer and fans it out. Sends never
// block: a subscriber that stops draining just misses events.
func (h *EventHub) Publish(executionID string, evt Event) {
	if evt.TSUnixMillis == 0 {
		evt.TSUnixMillis = time.Now().UTC().UnixMilli()
	}
	if evt.ExecutionID == "" {
		evt.ExecutionID = executionID
	}

	h.mu.Lock()
	buf := append(h.replay[executionID], evt)
	if len(buf) > maxReplayEvents {
		buf = buf[len(buf)-maxReplayEvents:]
	}
	h.replay[executionID] = buf
	targets := make([]chan Event, 0, len(h.subs[executionID]))
	for ch := range h.subs[executionID] {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- evt:
		default:
		}
	}
}
