package api

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/db"
	"github.com/portdaddy/portdaddy/internal/ports"
)

// SystemHandler serves health and version.
type SystemHandler struct {
	ports     *ports.Allocator
	version   string
	startedAt int64 // epoch ms
	logger    *zap.Logger
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(allocator *ports.Allocator, version string, startedAt int64, logger *zap.Logger) *SystemHandler {
	return &SystemHandler{
		ports:     allocator,
		version:   version,
		startedAt: startedAt,
		logger:    logger.Named("system_handler"),
	}
}

// Health handles GET /health.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	active, err := h.ports.ActiveCount(r.Context())
	if err != nil {
		h.logger.Error("health port count failed", zap.Error(err))
		active = -1
	}

	Ok(w, envelope{
		"status":         "ok",
		"version":        h.version,
		"uptime_seconds": (db.Now() - h.startedAt) / 1000,
		"active_ports":   active,
		"pid":            os.Getpid(),
	})
}

// Version handles GET /version.
func (h *SystemHandler) Version(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{
		"version": h.version,
		"go":      runtime.Version(),
		"os":      runtime.GOOS,
		"arch":    runtime.GOARCH,
	})
}
