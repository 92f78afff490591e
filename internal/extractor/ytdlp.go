package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lrstanley/go-ytdlp"
)

// YtDlp implements Extractor on top of the yt-dlp binary.
type YtDlp struct {
	executable       string
	progressInterval time.Duration
	log              *slog.Logger
}

// NewYtDlp creates a yt-dlp extractor. An empty executable uses yt-dlp
// from PATH (or the one cached by Install).
func NewYtDlp(executable string, progressInterval time.Duration, log *slog.Logger) *YtDlp {
	if progressInterval <= 0 {
		progressInterval = 500 * time.Millisecond
	}
	if log == nil {
		log = slog.Default()
	}
	return &YtDlp{
		executable:       executable,
		progressInterval: progressInterval,
		log:              log,
	}
}

// Install downloads a yt-dlp binary into the user cache when none is found.
func Install(ctx context.Context) (string, error) {
	resolved, err := ytdlp.Install(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("install yt-dlp: %w", err)
	}
	return resolved.Executable, nil
}

func (y *YtDlp) command() *ytdlp.Command {
	cmd := ytdlp.New().NoPlaylist().NoWarnings()
	if y.executable != "" {
		cmd = cmd.SetExecutable(y.executable)
	}
	return cmd
}

// ProbeFormats lists format ids without downloading anything.
func (y *YtDlp) ProbeFormats(ctx context.Context, url string) ([]string, error) {
	// --dump-json simulates and prints the info line GetExtractedInfo reads
	result, err := y.command().SkipDownload().DumpJSON().Run(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("probe formats: %w", err)
	}

	infos, err := result.GetExtractedInfo()
	if err != nil {
		return nil, fmt.Errorf("parse extracted info: %w", err)
	}
	if len(infos) == 0 {
		return nil, errors.New("probe formats: no media found")
	}

	var formats []string
	for _, f := range infos[0].Formats {
		if f == nil || f.FormatID == nil {
			continue
		}
		formats = append(formats, *f.FormatID)
	}

	y.log.Debug("probed formats", "url", url, "formats", formats)
	return formats, nil
}

// Download fetches the media and merges it into an mp4 container.
func (y *YtDlp) Download(ctx context.Context, req DownloadRequest, onProgress ProgressFunc) (*Result, error) {
	cmd := y.command().
		Format(req.Format).
		Output(req.Destination).
		MergeOutputFormat("mp4").
		ForceOverwrites().
		PrintJSON()

	if onProgress != nil {
		cmd = cmd.ProgressFunc(y.progressInterval, func(update ytdlp.ProgressUpdate) {
			if p, ok := convertProgress(update); ok {
				onProgress(p)
			}
		})
	}

	result, err := cmd.Run(ctx, req.URL)
	if err != nil {
		return nil, err
	}

	res := &Result{Filename: req.Destination}
	infos, err := result.GetExtractedInfo()
	if err != nil {
		y.log.Warn("could not read extracted info", "url", req.URL, "error", err)
		return res, nil
	}
	if len(infos) > 0 && infos[0] != nil {
		if infos[0].Title != nil {
			res.Title = *infos[0].Title
		}
		if infos[0].Filename != nil && *infos[0].Filename != "" {
			res.Filename = *infos[0].Filename
		}
	}
	return res, nil
}

// convertProgress maps a yt-dlp update onto a Progress report. Phases other
// than downloading and finished are dropped.
func convertProgress(update ytdlp.ProgressUpdate) (Progress, bool) {
	var status Status
	switch update.Status {
	case ytdlp.ProgressStatusDownloading:
		status = StatusDownloading
	case ytdlp.ProgressStatusFinished:
		status = StatusFinished
	default:
		return Progress{}, false
	}

	p := Progress{
		Status:          status,
		DownloadedBytes: int64(update.DownloadedBytes),
		TotalBytes:      int64(update.TotalBytes),
	}
	if update.TotalBytes > 0 {
		p.Fraction = min(float64(update.DownloadedBytes)/float64(update.TotalBytes), 1)
	}
	if status == StatusFinished {
		p.Fraction = 1
	}
	return p, true
}
