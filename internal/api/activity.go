package api

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/portdaddy/portdaddy/internal/activity"
	"github.com/portdaddy/portdaddy/internal/db"
)

// ActivityHandler groups the activity-log HTTP handlers.
type ActivityHandler struct {
	activity *activity.Log
	logger   *zap.Logger
}

// NewActivityHandler creates a new ActivityHandler.
func NewActivityHandler(log *activity.Log, logger *zap.Logger) *ActivityHandler {
	return &ActivityHandler{activity: log, logger: logger.Named("activity_handler")}
}

// Recent handles GET /activity.
// Query: limit, type, agent — or from/to (epoch ms) for a time-range query.
func (h *ActivityHandler) Recent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := activity.Filters{
		Type:    q.Get("type"),
		AgentID: q.Get("agent"),
	}
	limit := queryInt(r, "limit", 0)

	var (
		entries []db.ActivityEntry
		err     error
	)
	if q.Get("from") != "" || q.Get("to") != "" {
		from, _ := strconv.ParseInt(q.Get("from"), 10, 64)
		to, _ := strconv.ParseInt(q.Get("to"), 10, 64)
		entries, err = h.activity.GetByTimeRange(r.Context(), from, to, limit, filters)
	} else {
		entries, err = h.activity.GetRecent(r.Context(), limit, filters)
	}
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, envelope{"entries": entries, "count": len(entries)})
}

// Summary handles GET /activity/summary.
// Query: window (ms) restricts the aggregation; default is all history.
func (h *ActivityHandler) Summary(w http.ResponseWriter, r *http.Request) {
	window, _ := strconv.ParseInt(r.URL.Query().Get("window"), 10, 64)
	summary, err := h.activity.GetSummary(r.Context(), window)
	if err != nil {
		Err(w, err)
		return
	}
	Ok(w, summary)
}
