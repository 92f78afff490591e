package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

// Service states reported by the health check
const (
	serviceOK       = "ok"
	serviceDown     = "unavailable"
	serviceDisabled = "disabled"
)

type HealthHandler struct {
	redis          *redis.Client
	storageEnabled bool
	dispatchMode   string
}

// NewHealthHandler creates the health handler. redis may be nil when no
// component uses it.
func NewHealthHandler(redisClient *redis.Client, storageEnabled bool, dispatchMode string) *HealthHandler {
	return &HealthHandler{
		redis:          redisClient,
		storageEnabled: storageEnabled,
		dispatchMode:   dispatchMode,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	redisStatus := serviceDisabled
	if h.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		redisStatus = serviceOK
		if err := h.redis.Ping(ctx).Err(); err != nil {
			redisStatus = serviceDown
		}
	}

	storageStatus := serviceDisabled
	if h.storageEnabled {
		storageStatus = serviceOK
	}

	status := "ok"
	if redisStatus == serviceDown {
		status = "degraded"
	}

	return c.JSON(fiber.Map{
		"status": status,
		"services": fiber.Map{
			"redis":    redisStatus,
			"storage":  storageStatus,
			"dispatch": h.dispatchMode,
		},
	})
}

// Root handles GET /
func Root(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"timestamp": time.Now().Unix()})
}
