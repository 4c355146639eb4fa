package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rewired-gh/skysentry/internal/logger"
	"github.com/rewired-gh/skysentry/internal/models"
	"github.com/rewired-gh/skysentry/internal/service"
	"github.com/rewired-gh/skysentry/internal/storage"
)

const (
	defaultAlertLimit = 100
	maxAlertLimit     = 1000
)

type handler struct {
	q Querier
}

func (h *handler) Health(c *gin.Context) {
	if err := h.q.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "skysentry"})
}

func (h *handler) GetRegions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"regions": h.q.Regions()})
}

func (h *handler) GetSnapshot(c *gin.Context) {
	view, err := h.q.LatestSnapshot(c.Param("region"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *handler) GetSummary(c *gin.Context) {
	region := c.Param("region")
	text, err := h.q.Summarize(region)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"region": region, "summary": text})
}

func (h *handler) PostFetch(c *gin.Context) {
	region := c.Param("region")
	if err := h.q.RequestFetchNow(region); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"region": region, "status": "queued"})
}

func (h *handler) GetHistory(c *gin.Context) {
	w, ok := h.q.FlightHistory(c.Param("icao24"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no recent history for aircraft"})
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *handler) GetFlight(c *gin.Context) {
	matches, err := h.q.FindFlight(c.Param("ident"))
	if err != nil {
		writeError(c, err)
		return
	}
	if len(matches) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "flight not found in recent snapshots"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches, "latest": matches[0]})
}

// GetAlerts lists findings. Query parameters: region, aircraft, since (RFC 3339 or unix
// seconds), max_age (duration such as 24h; wins over since), limit.
func (h *handler) GetAlerts(c *gin.Context) {
	filter, err := parseAlertFilter(c, time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	findings, err := h.q.ListAlerts(filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": findings, "count": len(findings)})
}

func parseAlertFilter(c *gin.Context, now time.Time) (models.FindingFilter, error) {
	filter := models.FindingFilter{
		Region:     c.Query("region"),
		AircraftID: c.Query("aircraft"),
		Limit:      defaultAlertLimit,
	}
	if s := c.Query("since"); s != "" {
		since, err := parseTime(s)
		if err != nil {
			return filter, fmt.Errorf("%w: since: %v", service.ErrInvalidQuery, err)
		}
		filter.Since = since
	}
	if s := c.Query("max_age"); s != "" {
		age, err := time.ParseDuration(s)
		if err != nil || age <= 0 {
			return filter, fmt.Errorf("%w: max_age must be a positive duration", service.ErrInvalidQuery)
		}
		filter.Since = now.Add(-age)
	}
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return filter, fmt.Errorf("%w: limit must be a positive integer", service.ErrInvalidQuery)
		}
		filter.Limit = min(n, maxAlertLimit)
	}
	return filter, nil
}

func parseTime(s string) (time.Time, error) {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(secs, 0), nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUnknownRegion):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidQuery):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		logger.Error("%s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
