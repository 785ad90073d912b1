package model

// JobListResponse represents the response for a job listing
type JobListResponse struct {
	Jobs  []*Job `json:"jobs"`
	Count int    `json:"count"`
}

// JobActionResponse is returned by cancel and retry
type JobActionResponse struct {
	JobID  string    `json:"jobId"`
	Status JobStatus `json:"status"`
	// Pending is set when a running job was signalled and has not stopped yet
	Pending bool `json:"pending,omitempty"`
}

// JobResultResponse represents the result of a completed job
type JobResultResponse struct {
	JobID  string  `json:"jobId"`
	Type   JobType `json:"type"`
	Result any     `json:"result"`
}

// StatsResponse combines queue counts with worker usage
type StatsResponse struct {
	QueueStats
	Workers int      `json:"workers"`
	Active  []string `json:"active"`
}

// ClearResponse reports how many jobs were removed
type ClearResponse struct {
	Removed int `json:"removed"`
}

// TokenResponse is returned by the development token endpoint
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}
