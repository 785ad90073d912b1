package model

import (
	"fmt"
	"strings"
)

// Job types
type JobType string

const (
	JobTypeRender     JobType = "render"
	JobTypeRenditions JobType = "renditions"
	JobTypeWatermark  JobType = "watermark"
)

// Job status
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

var ValidJobStatuses = []JobStatus{
	JobStatusPending, JobStatusProcessing, JobStatusCompleted,
	JobStatusFailed, JobStatusCancelled,
}

// Job priority
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank orders priorities; higher runs first.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// ParsePriority accepts any casing ("URGENT", "urgent"). Empty means normal.
func ParsePriority(value string) (Priority, error) {
	switch p := Priority(strings.ToLower(strings.TrimSpace(value))); p {
	case "":
		return PriorityNormal, nil
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return p, nil
	default:
		return "", fmt.Errorf("unknown priority %q", value)
	}
}

// Render stages
type Stage string

const (
	StagePreparing Stage = "preparing"
	StageFrames    Stage = "frames"
	StageAudio     Stage = "audio"
	StageEncoding  Stage = "encoding"
	StageUpload    Stage = "upload"
	StageComplete  Stage = "complete"
	StageError     Stage = "error"
	StageCancelled Stage = "cancelled"
)

// Output quality
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	QualityUltra  Quality = "ultra"
)

// Video codecs
type Codec string

const (
	CodecH264 Codec = "h264"
	CodecH265 Codec = "h265"
	CodecVP9  Codec = "vp9"
)

// Container formats
type Format string

const (
	FormatMP4  Format = "mp4"
	FormatMOV  Format = "mov"
	FormatWebM Format = "webm"
)

// Streaming manifest formats
type ManifestFormat string

const (
	ManifestHLS  ManifestFormat = "hls"
	ManifestDASH ManifestFormat = "dash"
)
