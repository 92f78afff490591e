package handler

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/valyala/fasthttp"
	"github.com/vidfetch/api/internal/model"
	"github.com/vidfetch/api/internal/service"
	"github.com/vidfetch/api/internal/store"
	ws "github.com/vidfetch/api/internal/websocket"
	"github.com/vidfetch/api/pkg/response"
)

type DownloadHandler struct {
	service   *service.DownloadService
	validator *validator.Validate
	hub       *ws.Hub
	interval  time.Duration
	log       *slog.Logger
}

func NewDownloadHandler(svc *service.DownloadService, v *validator.Validate, hub *ws.Hub, interval time.Duration, log *slog.Logger) *DownloadHandler {
	if interval <= 0 {
		interval = time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &DownloadHandler{
		service:   svc,
		validator: v,
		hub:       hub,
		interval:  interval,
		log:       log,
	}
}

// Submit handles POST /download_video
func (h *DownloadHandler) Submit(c *fiber.Ctx) error {
	var req model.DownloadRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.Context(), &req)
	if err != nil {
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Progress handles GET /progress/:video_id as a server-sent event stream
func (h *DownloadHandler) Progress(c *fiber.Ctx) error {
	// the stream outlives the request buffer Params points into
	videoID := utils.CopyString(c.Params("video_id"))

	job, updates, unsubscribe, err := h.service.Watch(videoID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.log.Warn("progress requested for unknown video", "video_id", videoID)
			return response.Plain(c, fiber.StatusNotFound, "Video ID not found")
		}
		return response.ServiceError(c, err.Error())
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set("X-Accel-Buffering", "no")

	interval := h.interval
	log := h.log.With("video_id", videoID)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			if err := writeEvent(w, job); err != nil {
				log.Debug("progress stream closed by client", "error", err)
				return
			}
			if job.State.IsTerminal() {
				log.Debug("progress stream finished", "state", job.State)
				return
			}

		wait:
			for {
				select {
				case <-ticker.C:
					break wait
				case next := <-updates:
					job = next
					if job.State.IsTerminal() {
						break wait
					}
				}
			}
		}
	}))

	return nil
}

// writeEvent writes one event for the job and flushes it to the client
func writeEvent(w *bufio.Writer, job model.Job) error {
	var err error
	switch job.State {
	case model.JobStateComplete:
		_, err = fmt.Fprint(w, "data: complete\n\n")
	case model.JobStateFailed:
		_, err = fmt.Fprintf(w, "data: %s%s\n\n", model.LabelErrorPrefix, job.Error)
	default:
		_, err = fmt.Fprintf(w, "data: %d,%.2f\n\n", job.Percent, job.SizeMB)
	}
	if err != nil {
		return err
	}
	return w.Flush()
}

// Job handles GET /jobs/:video_id
func (h *DownloadHandler) Job(c *fiber.Ctx) error {
	result, err := h.service.Snapshot(utils.CopyString(c.Params("video_id")))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// Cancel handles POST /jobs/:video_id/cancel
func (h *DownloadHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.Cancel(utils.CopyString(c.Params("video_id")))
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return response.NotFound(c, "Job not found")
		case errors.Is(err, store.ErrJobFinished):
			return response.Conflict(c, "Job already finished")
		}
		return response.ServiceError(c, err.Error())
	}

	return response.OK(c, result)
}

// History handles GET /history
func (h *DownloadHandler) History(c *fiber.Ctx) error {
	return response.OK(c, h.service.History())
}

// Watch handles GET /ws/jobs/:video_id once the connection is upgraded
func (h *DownloadHandler) Watch(c *websocket.Conn) {
	videoID := utils.CopyString(c.Params("video_id"))

	if _, err := h.service.Job(videoID); err != nil {
		data, _ := json.Marshal(model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: videoID,
			Error: model.WSError{Code: response.CodeNotFound, Message: "Job not found"},
		})
		_ = c.WriteMessage(websocket.TextMessage, data)
		return
	}

	h.hub.HandleConnection(c, videoID, h.service.Job)
}
