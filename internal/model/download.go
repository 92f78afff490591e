package model

import "time"

// DownloadRequest represents the request to start a download
type DownloadRequest struct {
	VideoURL   string `json:"videoUrl" validate:"required"`
	Resolution string `json:"resolution" validate:"required"`
}

// DownloadResponse is returned as soon as a job is accepted
type DownloadResponse struct {
	VideoID   string `json:"video_id"`
	VideoName string `json:"video_name"`
}

// JobResponse is the JSON snapshot of a job
type JobResponse struct {
	VideoID         string     `json:"video_id"`
	State           JobState   `json:"state"`
	Percent         int        `json:"percent"`
	SizeMB          float64    `json:"size_mb"`
	Label           string     `json:"label"`
	Title           string     `json:"title,omitempty"`
	Error           *string    `json:"error"`
	RequestedFormat string     `json:"requested_format"`
	ResolvedFormat  string     `json:"resolved_format,omitempty"`
	StorageURL      string     `json:"storage_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
}

// NewJobResponse converts a job snapshot into its API shape
func NewJobResponse(job Job) JobResponse {
	resp := JobResponse{
		VideoID:         job.ID,
		State:           job.State,
		Percent:         job.Percent,
		SizeMB:          job.SizeMB,
		Label:           job.Label,
		Title:           job.Title,
		RequestedFormat: job.RequestedFormat,
		ResolvedFormat:  job.ResolvedFormat,
		StorageURL:      job.StorageURL,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if job.State == JobStateFailed {
		msg := job.Error
		resp.Error = &msg
	}
	return resp
}

// HistoryResponse maps job ids to their history labels
type HistoryResponse struct {
	History map[string]string `json:"history"`
}

// CancelResponse represents the response when canceling a download
type CancelResponse struct {
	Success bool   `json:"success"`
	VideoID string `json:"video_id"`
	// State as observed right after cancel; a running job reaches failed
	// asynchronously.
	State JobState `json:"state"`
}
