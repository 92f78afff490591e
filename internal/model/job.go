package model

import "time"

// JobState is the lifecycle position of a download job
type JobState string

const (
	JobStatePending     JobState = "pending"
	JobStateDownloading JobState = "downloading"
	JobStateComplete    JobState = "complete"
	JobStateFailed      JobState = "failed"
)

// IsTerminal reports whether no further transition is possible
func (s JobState) IsTerminal() bool {
	return s == JobStateComplete || s == JobStateFailed
}

func (s JobState) String() string {
	return string(s)
}

// History labels
const (
	LabelDownloading  = "Downloading..."
	LabelUnknownTitle = "Unknown Video"
	LabelErrorPrefix  = "Error: "
)

// Job is a point-in-time copy of one download job
type Job struct {
	ID              string     `json:"id"`
	SourceURL       string     `json:"sourceUrl"`
	RequestedFormat string     `json:"requestedFormat"`
	ResolvedFormat  string     `json:"resolvedFormat,omitempty"`
	State           JobState   `json:"state"`
	Percent         int        `json:"percent"`
	SizeMB          float64    `json:"sizeMb"`
	Label           string     `json:"label"`
	Title           string     `json:"title,omitempty"`
	Error           string     `json:"error,omitempty"`
	OutputPath      string     `json:"-"`
	StorageURL      string     `json:"storageUrl,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// DownloadTaskPayload is what a dispatcher hands to the runner
type DownloadTaskPayload struct {
	JobID      string `json:"jobId"`
	VideoURL   string `json:"videoUrl"`
	Resolution string `json:"resolution"`
}
