package model

import "time"

// Job represents a background job owned by the queue
type Job struct {
	ID          string         `json:"id"`
	Type        JobType        `json:"type"`
	Payload     Payload        `json:"payload"`
	Priority    Priority       `json:"priority"`
	Status      JobStatus      `json:"status"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	Result      any            `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	NotBefore   time.Time      `json:"notBefore,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares nothing mutable with the original.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Metadata != nil {
		out.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Payload is implemented by every job payload variant
type Payload interface {
	JobType() JobType
}

// Checker is implemented by payloads with cross-field rules that struct tags
// cannot express.
type Checker interface {
	Check() error
}

// PathResolver maps the file references of a submission onto server paths.
// File takes a plain path; Source also accepts http(s) URLs.
type PathResolver interface {
	File(p string) (string, error)
	Source(ref string) (string, error)
}

// PathHolder is implemented by payloads that reference files. ResolvePaths
// returns a copy with every reference resolved.
type PathHolder interface {
	ResolvePaths(r PathResolver) (Payload, error)
}

// QueueStats holds job counts per status
type QueueStats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Cancelled  int `json:"cancelled"`
	Total      int `json:"total"`
}
