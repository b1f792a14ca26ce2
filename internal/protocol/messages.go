package protocol

import "time"

// SessionStarted announces that a speak request has claimed the session slot.
type SessionStarted struct {
	SessionID string    `json:"session_id"`
	Epoch     uint64    `json:"epoch"`
	Mode      string    `json:"mode"`
	Prompt    string    `json:"prompt,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptReady carries the final transcript for a session.
type TranscriptReady struct {
	SessionID string    `json:"session_id"`
	Text      string    `json:"text"`
	Generated bool      `json:"generated"`
	Timestamp time.Time `json:"timestamp"`
}

// SessionClosed reports the terminal outcome of a session.
type SessionClosed struct {
	SessionID  string    `json:"session_id"`
	Epoch      uint64    `json:"epoch"`
	Outcome    string    `json:"outcome"` // completed, superseded, aborted, failed
	Stage      string    `json:"stage,omitempty"`
	AudioBytes int64     `json:"audio_bytes"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	OutcomeCompleted  = "completed"
	OutcomeSuperseded = "superseded"
	OutcomeAborted    = "aborted"
	OutcomeFailed     = "failed"
)

const (
	SubjectSessionStarted  = "speech.session.started"
	SubjectTranscriptReady = "speech.transcript.ready"
	SubjectSessionClosed   = "speech.session.closed"
)
