package protocol

import "time"

// TTSRequest asks a synthesis worker to render one phrase.
type TTSRequest struct {
	SessionID    string `json:"session_id"`
	Target       string `json:"target,omitempty"`
	Text         string `json:"text"`
	Voice        string `json:"voice"`
	Model        string `json:"model,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// AudioChunk carries PCM produced for a TTSRequest.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Target     string `json:"target,omitempty"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// TTSStatus closes a synthesis session. Error is set when synthesis failed.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Error     string    `json:"error,omitempty"`
	Retryable bool      `json:"retryable,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PhraseEvent is published after each phrase clip is available.
type PhraseEvent struct {
	RunID      string    `json:"run_id"`
	Lesson     string    `json:"lesson"`
	Kind       string    `json:"kind"`
	Index      int       `json:"index"`
	Text       string    `json:"text"`
	Voice      string    `json:"voice"`
	Path       string    `json:"path,omitempty"`
	DurationMS int       `json:"duration_ms"`
	Cached     bool      `json:"cached"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// LessonCompleted is published when a build finishes, successfully or not.
type LessonCompleted struct {
	RunID      string    `json:"run_id"`
	Lesson     string    `json:"lesson"`
	Status     string    `json:"status"`
	Phrases    int       `json:"phrases"`
	TargetOnly int       `json:"target_only"`
	Failed     int       `json:"failed"`
	FullNormal string    `json:"full_normal,omitempty"`
	FullSlow   string    `json:"full_slow,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// WorkerAnnouncement advertises a synthesis worker and its backend.
type WorkerAnnouncement struct {
	WorkerID  string    `json:"worker_id"`
	Backend   string    `json:"backend"`
	Model     string    `json:"model,omitempty"`
	Voice     string    `json:"voice,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerHeartbeat keeps an announced worker marked healthy.
type WorkerHeartbeat struct {
	WorkerID  string    `json:"worker_id"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTTSRequest = "tts.request"
	SubjectTTSAudio   = "tts.audio"
	SubjectTTSDone    = "tts.done"
	// SubjectTTSReplies matches audio and done messages on one subscription
	// so their relative order is preserved.
	SubjectTTSReplies = "tts.*"

	SubjectLessonPhrase    = "lesson.phrase.synthesized"
	SubjectLessonCompleted = "lesson.completed"

	SubjectWorkerAnnounce = "ctrl.worker.announce"
	// SubjectWorkerDiscover asks every worker to announce itself again.
	SubjectWorkerDiscover        = "ctrl.worker.discover"
	SubjectWorkerHeartbeatPrefix = "ctrl.worker.heartbeat."
)
