package handlers

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/anomaly"
	"github.com/znz-systems/mailslot/internal/models"
	"github.com/znz-systems/mailslot/internal/store"
	"go.uber.org/zap"
)

const maxStatsWindow = 30 * 24 * time.Hour

type AnomalyChecker interface {
	Check(ctx context.Context, now time.Time) (anomaly.Report, error)
}

// DeliveriesHandler serves the operator view of the delivery log.
type DeliveriesHandler struct {
	deliveries store.DeliveryLogStore
	anomalies  AnomalyChecker
	logger     *zap.Logger
	now        func() time.Time
}

func NewDeliveriesHandler(deliveries store.DeliveryLogStore, anomalies AnomalyChecker, logger *zap.Logger) *DeliveriesHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeliveriesHandler{deliveries: deliveries, anomalies: anomalies, logger: logger, now: time.Now}
}

type deliveryListResponse struct {
	Deliveries []models.DeliveryLogEntry `json:"deliveries"`
	Limit      int                       `json:"limit"`
	Offset     int                       `json:"offset"`
}

type statsResponse struct {
	Window      string                `json:"window"`
	Since       time.Time             `json:"since"`
	Counts      models.DeliveryCounts `json:"counts"`
	FailureRate float64               `json:"failureRate"`
}

func (h *DeliveriesHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.DeliveryLogFilter{Limit: 50}

	if raw := q.Get("status"); raw != "" {
		status := models.DeliveryStatus(raw)
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid status"})
			return
		}
		filter.Status = status
	}
	if raw := q.Get("unacknowledged"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unacknowledged must be a boolean"})
			return
		}
		filter.UnacknowledgedOnly = v
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and 200"})
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "offset must be a non-negative integer"})
			return
		}
		filter.Offset = n
	}

	entries, err := h.deliveries.ListDeliveryLogs(r.Context(), filter)
	if err != nil {
		h.logger.Error("list delivery logs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, deliveryListResponse{Deliveries: entries, Limit: filter.Limit, Offset: filter.Offset})
}

func (h *DeliveriesHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *DeliveriesHandler) HandleAcknowledge(w http.ResponseWriter, r *http.Request) {
	entry, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.deliveries.AcknowledgeDeliveryLog(r.Context(), entry.ID); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "only failed deliveries can be acknowledged"})
			return
		}
		h.logger.Error("acknowledge delivery log", zap.String("delivery_log_id", entry.ID.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	entry.IsAcknowledged = true
	writeJSON(w, http.StatusOK, entry)
}

func (h *DeliveriesHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 || d > maxStatsWindow {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "window must be a positive duration up to 720h"})
			return
		}
		window = d
	}

	until := h.now().UTC()
	since := until.Add(-window)
	counts, err := h.deliveries.CountDeliveriesBetween(r.Context(), since, until)
	if err != nil {
		h.logger.Error("count delivery logs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	var rate float64
	if counts.Total > 0 {
		rate = float64(counts.Failed) / float64(counts.Total)
	}
	writeJSON(w, http.StatusOK, statsResponse{Window: window.String(), Since: since, Counts: counts, FailureRate: rate})
}

func (h *DeliveriesHandler) HandleAnomalies(w http.ResponseWriter, r *http.Request) {
	report, err := h.anomalies.Check(r.Context(), h.now())
	if err != nil {
		h.logger.Error("check delivery anomalies", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *DeliveriesHandler) lookup(w http.ResponseWriter, r *http.Request) (*models.DeliveryLogEntry, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id must be a valid UUID"})
		return nil, false
	}
	entry, err := h.deliveries.GetDeliveryLog(r.Context(), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "delivery not found"})
			return nil, false
		}
		h.logger.Error("get delivery log", zap.String("delivery_log_id", id.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return nil, false
	}
	return entry, true
}
