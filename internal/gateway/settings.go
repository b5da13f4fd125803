package gateway

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"regexp"
	"strings"

	"github.com/crosslogic/usage-meter/internal/metering"
	"github.com/crosslogic/usage-meter/internal/store"
	"github.com/crosslogic/usage-meter/pkg/events"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxTagName = 64

var tagColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

type budgetResponse struct {
	CallerID      string   `json:"userId"`
	MonthlyBudget *float64 `json:"monthlyBudget"`
}

type setBudgetRequest struct {
	MonthlyBudget *float64 `json:"monthlyBudget"`
}

type createTagRequest struct {
	Name        string `json:"name"`
	Color       string `json:"color"`
	AutoPattern string `json:"autoPattern"`
}

func (r *createTagRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return errors.New("name is required")
	}
	if len(r.Name) > maxTagName {
		return errors.New("name must be at most 64 characters")
	}
	if r.Color != "" && !tagColor.MatchString(r.Color) {
		return errors.New("color must be a hex value like #3b82f6")
	}
	if r.AutoPattern != "" {
		if err := metering.ValidatePattern(r.AutoPattern); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) handleGetBudget(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")

	caller, err := g.store.GetCaller(r.Context(), callerID)
	if err != nil {
		g.storeFailed(w, "failed to get caller", err, zap.String("caller_id", callerID))
		return
	}

	g.writeJSON(w, http.StatusOK, budgetResponse{
		CallerID:      caller.ID,
		MonthlyBudget: caller.MonthlyBudget,
	})
}

// handleSetBudget sets or clears (null) the caller's monthly budget and
// re-evaluates the alert ladder through a budget.updated event.
func (g *Gateway) handleSetBudget(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")

	var req setBudgetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if b := req.MonthlyBudget; b != nil && (*b < 0 || math.IsNaN(*b) || math.IsInf(*b, 0)) {
		g.writeError(w, http.StatusBadRequest, "monthlyBudget must be a non-negative number or null")
		return
	}

	if err := g.store.SetMonthlyBudget(r.Context(), callerID, req.MonthlyBudget); err != nil {
		g.storeFailed(w, "failed to set budget", err, zap.String("caller_id", callerID))
		return
	}

	g.logger.Info("monthly budget updated",
		zap.String("caller_id", callerID),
		zap.Bool("cleared", req.MonthlyBudget == nil),
	)

	if g.publisher != nil {
		payload := map[string]interface{}{"monthlyBudget": nil}
		if req.MonthlyBudget != nil {
			payload["monthlyBudget"] = *req.MonthlyBudget
		}
		if err := g.publisher.Publish(r.Context(), events.NewEvent(events.EventBudgetUpdated, callerID, payload)); err != nil {
			g.logger.Warn("failed to publish budget update", zap.String("caller_id", callerID), zap.Error(err))
		}
	}

	g.writeJSON(w, http.StatusOK, budgetResponse{
		CallerID:      callerID,
		MonthlyBudget: req.MonthlyBudget,
	})
}

func (g *Gateway) handleListTags(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")

	tags, err := g.store.ListTags(r.Context(), callerID)
	if err != nil {
		g.storeFailed(w, "failed to list tags", err, zap.String("caller_id", callerID))
		return
	}
	if tags == nil {
		tags = []models.Tag{}
	}
	g.writeJSON(w, http.StatusOK, tags)
}

func (g *Gateway) handleCreateTag(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")

	var req createTagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		g.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tag := &models.Tag{
		CallerID:    callerID,
		Name:        req.Name,
		Color:       req.Color,
		AutoPattern: req.AutoPattern,
	}
	if err := g.store.CreateTag(r.Context(), tag); err != nil {
		if errors.Is(err, store.ErrConflict) {
			g.writeError(w, http.StatusConflict, "a tag with this name already exists")
			return
		}
		g.storeFailed(w, "failed to create tag", err, zap.String("caller_id", callerID))
		return
	}

	g.logger.Info("tag created",
		zap.String("caller_id", callerID),
		zap.String("tag_id", tag.ID),
		zap.Bool("auto", tag.AutoPattern != ""),
	)
	g.writeJSON(w, http.StatusCreated, tag)
}

func (g *Gateway) handleDeleteTag(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")
	tagID := chi.URLParam(r, "tag_id")

	if err := g.store.DeleteTag(r.Context(), callerID, tagID); err != nil {
		g.storeFailed(w, "failed to delete tag", err,
			zap.String("caller_id", callerID),
			zap.String("tag_id", tagID),
		)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	callerID := chi.URLParam(r, "caller_id")

	alerts, err := g.store.ListAlerts(r.Context(), callerID)
	if err != nil {
		g.storeFailed(w, "failed to list alerts", err, zap.String("caller_id", callerID))
		return
	}
	if alerts == nil {
		alerts = []models.Alert{}
	}
	g.writeJSON(w, http.StatusOK, alerts)
}

func (g *Gateway) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	alertID := chi.URLParam(r, "alert_id")

	if err := g.store.AcknowledgeAlert(r.Context(), alertID); err != nil {
		g.storeFailed(w, "failed to acknowledge alert", err, zap.String("alert_id", alertID))
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":           alertID,
		"acknowledged": true,
	})
}

// storeFailed maps store errors onto responses: ErrNotFound becomes a 404,
// anything else is logged and reported as a 500.
func (g *Gateway) storeFailed(w http.ResponseWriter, msg string, err error, fields ...zap.Field) {
	if errors.Is(err, store.ErrNotFound) {
		g.writeError(w, http.StatusNotFound, "not found")
		return
	}
	g.logger.Error(msg, append(fields, zap.Error(err))...)
	g.writeError(w, http.StatusInternalServerError, msg)
}
