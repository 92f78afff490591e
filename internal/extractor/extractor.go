// Package extractor abstracts media format probing and downloading.
package extractor

//go:generate mockgen -destination=mocks/mock_extractor.go -package=mocks . Extractor

import (
	"context"
	"slices"
)

// DefaultFallbackFormat selects the best available video and audio streams.
const DefaultFallbackFormat = "bestvideo+bestaudio"

// Status is the transfer phase reported through a progress callback.
type Status string

const (
	StatusDownloading Status = "downloading"
	StatusFinished    Status = "finished"
)

// Progress is one progress report from a running download.
type Progress struct {
	Status          Status
	Fraction        float64 // 0..1, zero when the total is unknown
	DownloadedBytes int64
	TotalBytes      int64
}

// Percent returns the progress as an integer percentage.
func (p Progress) Percent() int {
	return int(p.Fraction * 100)
}

// DownloadedMB returns the transferred amount in MiB.
func (p Progress) DownloadedMB() float64 {
	return float64(p.DownloadedBytes) / (1024 * 1024)
}

// ProgressFunc receives progress reports. It may be called from any goroutine.
type ProgressFunc func(Progress)

// DownloadRequest describes one download.
type DownloadRequest struct {
	URL         string
	Format      string
	Destination string
}

// Result is the metadata of a finished download.
type Result struct {
	Title    string
	Filename string
}

// Extractor probes media formats and performs downloads.
type Extractor interface {
	// ProbeFormats returns the format identifiers available for url.
	ProbeFormats(ctx context.Context, url string) ([]string, error)
	// Download transfers url in the requested format to the destination.
	Download(ctx context.Context, req DownloadRequest, onProgress ProgressFunc) (*Result, error)
}

// ResolveFormat returns requested if it is among the available formats,
// otherwise fallback. The second value reports whether the fallback was used.
func ResolveFormat(requested string, available []string, fallback string) (string, bool) {
	if slices.Contains(available, requested) {
		return requested, false
	}
	if fallback == "" {
		fallback = DefaultFallbackFormat
	}
	return fallback, true
}
