package model

// Job is a unit of work pulled from a stage's queue: one image, plus
// whatever auxiliary text input the stage's backend needs (e.g. the
// prompt/negative-prompt pair used by the embedding stage's text encoder).
type Job struct {
	ImageID         int64
	ImagePath       string
	AuxiliaryInput  string
	HasAuxiliary    bool
}

// Result is what a Worker hands back to its orchestrator after invoking a
// backend. Exactly one of the payload fields is populated, matching the
// stage that produced it. A face-detection result with zero faces is a
// success, not a failure: Success is true and Faces is empty.
type Result struct {
	ImageID     int64
	Success     bool
	ErrorReason string

	Tags       []TagResult
	Caption    *CaptionResult
	Faces      []FaceResult
	Embedding  *EmbeddingBundle
}

// TagResult is a single (tag, confidence) pair produced by the tagging
// backend.
type TagResult struct {
	Tag        string
	Confidence float64
}

// CaptionResult is the captioning backend's payload, including the
// optional provenance fields spec §6's write_caption overload accepts.
type CaptionResult struct {
	Text       string
	Source     string
	PromptUsed string
	Tokens     int
	DurationMS int64
}

// FaceResult is a single detected face, with optional embedding/landmarks.
type FaceResult struct {
	BoundingBox [4]float64 // x, y, w, h, normalized
	Confidence  float64
	Embedding   []float32 // optional, nil if the backend doesn't provide one
	Landmarks   []float64 // optional
}

// EmbeddingBundle is the joined output of the two-encoder fan-out: it only
// exists once both the text-semantic and visual vectors have completed.
type EmbeddingBundle struct {
	BgeVector    []float32
	VisionVector []float32
}

// WorkerState is the persisted view of a stage's worker pool, restored on
// process start. A persisted Running state is always rewritten to Paused -
// the system never auto-resumes (spec §6).
type WorkerState struct {
	Status        WorkerStatus
	ModelsLoaded  bool
	TotalProcessed int64
	TotalFailed    int64
	LastError      string
}

type WorkerStatus int

const (
	StatusStopped WorkerStatus = iota
	StatusRunning
	StatusPaused
)

func (s WorkerStatus) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusPaused:
		return "paused"
	default:
		return "stopped"
	}
}

// RestoreOnStart applies spec §6's persisted-state rule: a Running state
// found on disk at process start is rewritten to Paused, never resumed
// automatically.
func (ws WorkerState) RestoreOnStart() WorkerState {
	if ws.Status == StatusRunning {
		ws.Status = StatusPaused
	}
	return ws
}

// QueueStatus is a per-stage progress snapshot surfaced to callers.
type QueueStatus struct {
	Total             int64
	Processed         int64
	Skipped           int64
	ActiveWorkers     int
	IsRunning         bool
	StartedAtUnix     int64
	EstimatedRemaining float64 // seconds; 0 if not yet estimable
}

// Remaining is derived, never stored directly.
func (qs QueueStatus) Remaining() int64 {
	r := qs.Total - qs.Processed - qs.Skipped
	if r < 0 {
		return 0
	}
	return r
}
