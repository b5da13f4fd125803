package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/crosslogic/usage-meter/internal/analytics"
	"go.uber.org/zap"
)

const dateOnly = "2006-01-02"

func (g *Gateway) handleDaily(w http.ResponseWriter, r *http.Request) {
	callerID, rng, ok := g.analyticsParams(w, r)
	if !ok {
		return
	}
	data, err := g.aggregator.Daily(r.Context(), callerID, rng)
	if err != nil {
		g.analyticsFailed(w, "daily", callerID, err)
		return
	}
	g.writeJSON(w, http.StatusOK, data)
}

func (g *Gateway) handleByModel(w http.ResponseWriter, r *http.Request) {
	callerID, rng, ok := g.analyticsParams(w, r)
	if !ok {
		return
	}
	data, err := g.aggregator.ByModel(r.Context(), callerID, rng)
	if err != nil {
		g.analyticsFailed(w, "by-model", callerID, err)
		return
	}
	g.writeJSON(w, http.StatusOK, data)
}

func (g *Gateway) handleByTag(w http.ResponseWriter, r *http.Request) {
	callerID, rng, ok := g.analyticsParams(w, r)
	if !ok {
		return
	}
	data, err := g.aggregator.ByTag(r.Context(), callerID, rng)
	if err != nil {
		g.analyticsFailed(w, "by-tag", callerID, err)
		return
	}
	g.writeJSON(w, http.StatusOK, data)
}

func (g *Gateway) handleSummary(w http.ResponseWriter, r *http.Request) {
	callerID, rng, ok := g.analyticsParams(w, r)
	if !ok {
		return
	}
	data, err := g.aggregator.Summary(r.Context(), callerID, rng)
	if err != nil {
		g.analyticsFailed(w, "summary", callerID, err)
		return
	}
	g.writeJSON(w, http.StatusOK, data)
}

func (g *Gateway) handleOverview(w http.ResponseWriter, r *http.Request) {
	callerID, rng, ok := g.analyticsParams(w, r)
	if !ok {
		return
	}
	data, err := g.aggregator.Overview(r.Context(), callerID, rng)
	if err != nil {
		g.analyticsFailed(w, "overview", callerID, err)
		return
	}
	g.writeJSON(w, http.StatusOK, data)
}

// handleRequests serves the paginated request log. Unlike the breakdowns,
// the caller and both dates are optional here.
func (g *Gateway) handleRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	start, err := parseDate(q.Get("startDate"), false)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	end, err := parseDate(q.Get("endDate"), true)
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	query := analytics.RequestQuery{
		CallerID: q.Get("userId"),
		Page:     parseIntParam(q.Get("page"), 1),
		Limit:    parseIntParam(q.Get("limit"), analytics.DefaultPageLimit),
	}
	if !start.IsZero() {
		query.Start = &start
	}
	if !end.IsZero() {
		query.End = &end
	}

	page, err := g.aggregator.Requests(r.Context(), query)
	if err != nil {
		g.analyticsFailed(w, "requests", query.CallerID, err)
		return
	}
	g.writeJSON(w, http.StatusOK, page)
}

// analyticsParams reads the caller and date range shared by the breakdown
// endpoints, writing a 400 when they are unusable.
func (g *Gateway) analyticsParams(w http.ResponseWriter, r *http.Request) (string, analytics.Range, bool) {
	callerID := r.URL.Query().Get("userId")
	if callerID == "" {
		g.writeError(w, http.StatusBadRequest, "userId is required")
		return "", analytics.Range{}, false
	}

	rng, err := parseDateRange(r, time.Now())
	if err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return "", analytics.Range{}, false
	}
	return callerID, rng, true
}

func (g *Gateway) analyticsFailed(w http.ResponseWriter, view, callerID string, err error) {
	g.logger.Error("analytics query failed",
		zap.String("view", view),
		zap.String("caller_id", callerID),
		zap.Error(err),
	)
	g.writeError(w, http.StatusInternalServerError, "failed to fetch "+view+" analytics")
}

// parseDateRange reads startDate/endDate, defaulting to the last 30 days.
func parseDateRange(r *http.Request, now time.Time) (analytics.Range, error) {
	rng := analytics.DefaultRange(now)

	start, err := parseDate(r.URL.Query().Get("startDate"), false)
	if err != nil {
		return rng, err
	}
	end, err := parseDate(r.URL.Query().Get("endDate"), true)
	if err != nil {
		return rng, err
	}

	if !start.IsZero() {
		rng.Start = start
	}
	if !end.IsZero() {
		rng.End = end
	}
	if !rng.Start.Before(rng.End) {
		return rng, fmt.Errorf("startDate must be before endDate")
	}
	return rng, nil
}

// parseDate accepts RFC 3339 timestamps or UTC calendar dates. A bare date
// used as an end bound covers that whole day.
func parseDate(s string, endBound bool) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(dateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: use YYYY-MM-DD or RFC 3339", s)
	}
	if endBound {
		t = t.AddDate(0, 0, 1)
	}
	return t, nil
}

func parseIntParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
