package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeStatus   = "status"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage wraps a render progress update
type WSProgressMessage struct {
	Type string `json:"type"`
	RenderProgress
}

// WSStatusMessage represents a queue state transition
type WSStatusMessage struct {
	Type     string    `json:"type"`
	JobID    string    `json:"jobId"`
	Event    string    `json:"event"`
	Status   JobStatus `json:"status"`
	Attempts int       `json:"attempts"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type   string `json:"type"`
	JobID  string `json:"jobId"`
	Result any    `json:"result"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
