package handler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"github.com/fieldtrace/syncpipe/internal/service"
	"github.com/gofiber/fiber/v2"
)

type ConfirmationService interface {
	Create(ctx context.Context, input service.CreateConfirmationInput) (*domain.ConfirmationRecord, error)
	GetByID(ctx context.Context, id string) (*domain.ConfirmationRecord, []domain.SyncAttempt, error)
	Suspend(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
}

type QueueInspector interface {
	PeekDepth(ctx context.Context) (int64, error)
}

type ConfirmationHandler struct {
	service ConfirmationService
	jobs    QueueInspector
}

func NewConfirmationHandler(service ConfirmationService, jobs QueueInspector) (*ConfirmationHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("confirmation service is required")
	}
	return &ConfirmationHandler{service: service, jobs: jobs}, nil
}

func RegisterConfirmationRoutes(router fiber.Router, service ConfirmationService, jobs QueueInspector) error {
	h, err := NewConfirmationHandler(service, jobs)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/confirmations", h.CreateConfirmation)
	v1.Get("/confirmations/:id", h.GetConfirmation)
	v1.Post("/confirmations/:id/suspend", h.SuspendConfirmation)
	v1.Post("/confirmations/:id/resume", h.ResumeConfirmation)
	v1.Get("/queue/depth", h.GetQueueDepth)

	return nil
}

type gpsRequest struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy"`
}

type createConfirmationRequest struct {
	ShipmentID         string     `json:"shipmentId"`
	ExternalShipmentID string     `json:"externalShipmentId"`
	CapturedAt         time.Time  `json:"capturedAt"`
	RecipientName      string     `json:"recipientName"`
	GPS                gpsRequest `json:"gps"`
	SignatureRef       string     `json:"signatureRef"`
	PhotoRefs          []string   `json:"photoRefs"`
	Notes              string     `json:"notes"`
}

type confirmationResponse struct {
	ID                 string     `json:"id"`
	ShipmentID         string     `json:"shipmentId"`
	ExternalShipmentID string     `json:"externalShipmentId"`
	CapturedAt         time.Time  `json:"capturedAt"`
	RecipientName      string     `json:"recipientName"`
	GPS                gpsRequest `json:"gps"`
	SignatureRef       string     `json:"signatureRef,omitempty"`
	PhotoRefs          []string   `json:"photoRefs,omitempty"`
	Notes              string     `json:"notes,omitempty"`
	SyncState          string     `json:"syncState"`
	SyncAttempts       int        `json:"syncAttempts"`
	LastAttemptAt      *time.Time `json:"lastAttemptAt,omitempty"`
	LastError          *string    `json:"lastError,omitempty"`
	SyncedAt           *time.Time `json:"syncedAt,omitempty"`
	Suspended          bool       `json:"suspended"`
	VerificationHash   string     `json:"verificationHash"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

type attemptResponse struct {
	AttemptNumber       int       `json:"attemptNumber"`
	ErrorKind           *string   `json:"errorKind,omitempty"`
	Error               *string   `json:"error,omitempty"`
	DurationMillis      int64     `json:"durationMillis"`
	StatusUpdated       bool      `json:"statusUpdated"`
	UploadedAttachments int       `json:"uploadedAttachments"`
	CreatedAt           time.Time `json:"createdAt"`
}

type getConfirmationResponse struct {
	confirmationResponse
	Attempts []attemptResponse `json:"attempts"`
}

type queueDepthResponse struct {
	Depth int64 `json:"depth"`
}

func (h *ConfirmationHandler) CreateConfirmation(c *fiber.Ctx) error {
	var req createConfirmationRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	record, err := h.service.Create(c.Context(), service.CreateConfirmationInput{
		ShipmentID:         strings.TrimSpace(req.ShipmentID),
		ExternalShipmentID: strings.TrimSpace(req.ExternalShipmentID),
		CapturedAt:         req.CapturedAt,
		RecipientName:      strings.TrimSpace(req.RecipientName),
		GPS: domain.GPSCoordinates{
			Lat:      req.GPS.Lat,
			Lon:      req.GPS.Lon,
			Accuracy: req.GPS.Accuracy,
		},
		SignatureRef: strings.TrimSpace(req.SignatureRef),
		PhotoRefs:    req.PhotoRefs,
		Notes:        req.Notes,
	})
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusAccepted).JSON(toConfirmationResponse(record))
}

func (h *ConfirmationHandler) GetConfirmation(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	record, attempts, err := h.service.GetByID(c.Context(), id)
	if err != nil {
		return err
	}

	resp := getConfirmationResponse{
		confirmationResponse: toConfirmationResponse(record),
		Attempts:             make([]attemptResponse, 0, len(attempts)),
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			AttemptNumber:       a.AttemptNumber,
			ErrorKind:           a.ErrorKind,
			Error:               a.Error,
			DurationMillis:      a.DurationMillis,
			StatusUpdated:       a.StatusUpdated,
			UploadedAttachments: a.UploadedAttachments,
			CreatedAt:           a.CreatedAt,
		})
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *ConfirmationHandler) SuspendConfirmation(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.Suspend(c.Context(), id); err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"confirmationId": id,
		"suspended":      true,
	})
}

func (h *ConfirmationHandler) ResumeConfirmation(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	if err := h.service.Resume(c.Context(), id); err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"confirmationId": id,
		"suspended":      false,
	})
}

func (h *ConfirmationHandler) GetQueueDepth(c *fiber.Ctx) error {
	if h.jobs == nil {
		return fiber.NewError(fiber.StatusNotFound, "queue inspection is not available")
	}

	depth, err := h.jobs.PeekDepth(c.Context())
	if err != nil {
		return err
	}

	return c.Status(fiber.StatusOK).JSON(queueDepthResponse{Depth: depth})
}

func toConfirmationResponse(r *domain.ConfirmationRecord) confirmationResponse {
	if r == nil {
		return confirmationResponse{}
	}

	return confirmationResponse{
		ID:                 r.ID,
		ShipmentID:         r.ShipmentID,
		ExternalShipmentID: r.ExternalShipmentID,
		CapturedAt:         r.CapturedAt,
		RecipientName:      r.Payload.RecipientName,
		GPS: gpsRequest{
			Lat:      r.Payload.GPS.Lat,
			Lon:      r.Payload.GPS.Lon,
			Accuracy: r.Payload.GPS.Accuracy,
		},
		SignatureRef:     r.Payload.SignatureRef,
		PhotoRefs:        r.Payload.PhotoRefs,
		Notes:            r.Payload.Notes,
		SyncState:        r.SyncState.String(),
		SyncAttempts:     r.SyncAttempts,
		LastAttemptAt:    r.LastAttemptAt,
		LastError:        r.LastError,
		SyncedAt:         r.SyncedAt,
		Suspended:        r.Suspended,
		VerificationHash: r.VerificationHash,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}
