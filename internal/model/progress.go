package model

// RenderProgress is emitted on every render stage transition and on
// transcoder progress ticks
type RenderProgress struct {
	JobID        string  `json:"jobId"`
	Stage        Stage   `json:"stage"`
	Percent      int     `json:"percent"`
	Message      string  `json:"message"`
	CurrentFrame int     `json:"currentFrame,omitempty"`
	TotalFrames  int     `json:"totalFrames,omitempty"`
	FPS          float64 `json:"fps,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// Terminal reports whether no further progress follows for the job.
func (p RenderProgress) Terminal() bool {
	switch p.Stage {
	case StageComplete, StageError, StageCancelled:
		return true
	}
	return false
}
