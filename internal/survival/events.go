package survival

import (
	"log"
	"time"
)

type EventKind string

const (
	EventRunStart       EventKind = "run_start"
	EventStageStart     EventKind = "stage_start"
	EventStageSatisfied EventKind = "stage_satisfied"
	EventAttempt        EventKind = "attempt"
	EventStageOK        EventKind = "stage_ok"
	EventRetry          EventKind = "retry"
	EventStageSkip      EventKind = "stage_skip"
	EventAbort          EventKind = "abort"
	EventRunDone        EventKind = "run_done"
	// EventAction is a single opportunist or manual action.
	EventAction EventKind = "action"
)

// Event is one step of a run as seen by journals and the run index.
type Event struct {
	Time      time.Time `json:"ts"`
	RunID     string    `json:"run_id"`
	Kind      EventKind `json:"kind"`
	Stage     string    `json:"stage,omitempty"`
	Index     int       `json:"index"`
	Attempt   int       `json:"attempt,omitempty"`
	Failure   string    `json:"failure,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	Inventory string    `json:"inventory,omitempty"`
}

type EventSink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// MultiSink fans an event out to every non-nil sink in order.
type MultiSink []EventSink

func (m MultiSink) Emit(e Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(e)
		}
	}
}

// LogSink prints run boundaries and failures; per-attempt chatter stays in
// the journal.
func LogSink(logger *log.Logger) EventSink {
	return SinkFunc(func(e Event) {
		if logger == nil {
			return
		}
		switch e.Kind {
		case EventRunStart, EventRunDone:
			logger.Printf("run %s run=%s inventory=[%s]", e.Kind, e.RunID, e.Inventory)
		case EventRetry, EventStageSkip, EventAbort:
			logger.Printf("run %s run=%s stage=%s attempt=%d failure=%s reason=%s err=%s inventory=[%s]",
				e.Kind, e.RunID, e.Stage, e.Attempt, e.Failure, e.Reason, e.Error, e.Inventory)
		}
	})
}
