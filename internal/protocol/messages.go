package protocol

import "time"

// SessionEvent announces a call session state transition on the bus.
type SessionEvent struct {
	SessionID   string    `json:"session_id"`
	Destination string    `json:"destination"`
	State       string    `json:"state"`
	PrevState   string    `json:"prev_state,omitempty"`
	TurnCount   int       `json:"turn_count"`
	LastError   string    `json:"last_error,omitempty"`
	Degraded    bool      `json:"degraded,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// TurnEvent reports one completed or abandoned conversation turn.
type TurnEvent struct {
	SessionID  string    `json:"session_id"`
	Index      int       `json:"index"`
	Transcript string    `json:"transcript,omitempty"`
	Response   string    `json:"response,omitempty"`
	Outcome    string    `json:"outcome"`
	Timestamp  time.Time `json:"timestamp"`
}

// BatchEvent summarizes a finished batch run.
type BatchEvent struct {
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

const (
	SubjectSessionState  = "call.session.state"
	SubjectTurnCompleted = "call.turn.completed"
	SubjectBatchSummary  = "call.batch.summary"
)
