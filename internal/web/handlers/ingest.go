package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/znz-systems/mailslot/internal/ingest"
	"github.com/znz-systems/mailslot/internal/models"
	"go.uber.org/zap"
)

const defaultIngestMaxBodyBytes int64 = 12 * 1024 * 1024

type Ingester interface {
	Ingest(ctx context.Context, p ingest.Payload, source models.NewsletterSource) (*ingest.Outcome, error)
}

// IngestHandler accepts relay deliveries. Authentication happens in
// middleware before the body is read.
type IngestHandler struct {
	service      Ingester
	maxBodyBytes int64
	logger       *zap.Logger
}

func NewIngestHandler(service Ingester, maxBodyBytes int64, logger *zap.Logger) *IngestHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultIngestMaxBodyBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{service: service, maxBodyBytes: maxBodyBytes, logger: logger}
}

type validationResponse struct {
	Error   string              `json:"error"`
	Details []string            `json:"details"`
	Fields  []ingest.FieldError `json:"fields,omitempty"`
}

type ingestResponse struct {
	Success          bool                    `json:"success"`
	UserID           uuid.UUID               `json:"userId"`
	UserNewsletterID *uuid.UUID              `json:"userNewsletterId,omitempty"`
	SenderID         uuid.UUID               `json:"senderId"`
	FolderID         *uuid.UUID              `json:"folderId,omitempty"`
	Source           models.NewsletterSource `json:"source,omitempty"`
	Skipped          bool                    `json:"skipped,omitempty"`
	Reason           ingest.Decision         `json:"reason,omitempty"`
	HardCap          *int64                  `json:"hardCap,omitempty"`
	DeliveryLogID    *uuid.UUID              `json:"deliveryLogId,omitempty"`
}

type failureResponse struct {
	Error         string     `json:"error"`
	Code          string     `json:"code,omitempty"`
	Details       string     `json:"details,omitempty"`
	DeliveryLogID *uuid.UUID `json:"deliveryLogId,omitempty"`
}

func (h *IngestHandler) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	raw, err := ingest.DecodePayload(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "Payload too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Error:   "Validation failed",
			Details: []string{ingest.ErrNotObject.Error()},
		})
		return
	}

	result := ingest.Validate(raw)
	payload, ok := result.Valid()
	if !ok {
		fields := result.Errors()
		details := make([]string, len(fields))
		for i, f := range fields {
			details[i] = f.String()
		}
		writeJSON(w, http.StatusBadRequest, validationResponse{
			Error:   "Validation failed",
			Details: details,
			Fields:  fields,
		})
		return
	}

	out, err := h.service.Ingest(r.Context(), payload, models.SourceEmail)
	if out == nil {
		out = &ingest.Outcome{}
	}
	logID := optionalID(out.DeliveryLogID)
	if err != nil {
		if errors.Is(err, ingest.ErrUnknownRecipient) {
			writeJSON(w, http.StatusNotFound, failureResponse{Error: "Unknown recipient", DeliveryLogID: logID})
			return
		}
		writeJSON(w, http.StatusInternalServerError, failureResponse{
			Error:         "Failed to process email",
			Code:          ingest.ErrorCode(err),
			Details:       err.Error(),
			DeliveryLogID: logID,
		})
		return
	}

	resp := ingestResponse{
		Success:       true,
		UserID:        out.AccountID,
		SenderID:      out.SenderID,
		DeliveryLogID: logID,
	}
	switch {
	case !out.Skipped:
		resp.UserNewsletterID = optionalID(out.NewsletterID)
		resp.FolderID = optionalID(out.FolderID)
		resp.Source = out.Source
	case out.Reason == ingest.DecisionDuplicate:
		resp.UserNewsletterID = optionalID(out.NewsletterID)
		resp.Skipped = true
		resp.Reason = out.Reason
	default:
		hardCap := out.HardCap
		resp.Skipped = true
		resp.Reason = out.Reason
		resp.HardCap = &hardCap
	}
	writeJSON(w, http.StatusOK, resp)
}

func optionalID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
