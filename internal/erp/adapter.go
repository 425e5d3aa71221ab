package erp

import (
	"context"
	"fmt"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"go.uber.org/zap"
)

const defaultPushTimeout = 30 * time.Second

// Adapter translates a confirmation record into ERP write operations. It
// holds no state between calls; idempotency is keyed entirely off data on
// the record, so repeating a fully or partially completed push never creates
// duplicate ERP-side artifacts.
type Adapter struct {
	client  Client
	timeout time.Duration
	logger  *zap.Logger
}

func NewAdapter(client Client, timeout time.Duration, logger *zap.Logger) (*Adapter, error) {
	if client == nil {
		return nil, fmt.Errorf("erp client is required")
	}
	if timeout <= 0 {
		timeout = defaultPushTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Adapter{
		client:  client,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Push performs the shipment status update and the evidence uploads,
// skipping halves the record's progress marks as already done. The returned
// progress always reflects what has landed on the ERP side, including on
// partial failure, so the caller can persist it and a retry resumes exactly
// where this attempt stopped.
func (a *Adapter) Push(ctx context.Context, record *domain.ConfirmationRecord) (domain.PushProgress, error) {
	progress := record.Progress

	if !record.VerifyHash() {
		return progress, fmt.Errorf("%w: confirmation %s", domain.ErrCorrupted, record.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	if !progress.StatusUpdated {
		err := a.client.UpdateShipmentStatus(
			ctx,
			record.ExternalShipmentID,
			ShipmentStatusDelivered,
			deliveryNotes(record),
			statusIdempotencyKey(record),
		)
		if err != nil {
			return progress, fmt.Errorf("update shipment status: %w", err)
		}
		progress.StatusUpdated = true
	}

	attachments := record.Attachments()
	for i := progress.UploadedAttachments; i < len(attachments); i++ {
		attachment := attachments[i]
		err := a.client.UploadAttachment(
			ctx,
			record.ExternalShipmentID,
			attachment.Ref,
			attachment.Kind,
			attachmentIdempotencyKey(record, i),
		)
		if err != nil {
			return progress, fmt.Errorf("upload attachment %d/%d: %w", i+1, len(attachments), err)
		}
		progress.UploadedAttachments = i + 1
	}

	return progress, nil
}

func deliveryNotes(record *domain.ConfirmationRecord) string {
	notes := fmt.Sprintf("Delivered to %s at %s (lat=%v lon=%v acc=%vm)",
		record.Payload.RecipientName,
		record.CapturedAt.UTC().Format(time.RFC3339),
		record.Payload.GPS.Lat,
		record.Payload.GPS.Lon,
		record.Payload.GPS.Accuracy,
	)
	if record.Payload.Notes != "" {
		notes += "; " + record.Payload.Notes
	}
	return notes
}

// Idempotency keys are stable across retries of the same record content:
// confirmation id plus verification hash, plus the attachment index for
// uploads. A re-submission with changed payload gets a fresh key set.
func statusIdempotencyKey(record *domain.ConfirmationRecord) string {
	return fmt.Sprintf("%s:status:%s", record.ID, shortHash(record))
}

func attachmentIdempotencyKey(record *domain.ConfirmationRecord, index int) string {
	return fmt.Sprintf("%s:attachment:%d:%s", record.ID, index, shortHash(record))
}

func shortHash(record *domain.ConfirmationRecord) string {
	if len(record.VerificationHash) < 16 {
		return record.VerificationHash
	}
	return record.VerificationHash[:16]
}
