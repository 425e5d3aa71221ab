package erp

import (
	"context"

	"github.com/fieldtrace/syncpipe/internal/domain"
)

// ShipmentStatusDelivered is the ERP-side status written on a successful
// delivery confirmation.
const ShipmentStatusDelivered = "DELIVERED"

// Client is the ERP connectivity port. Implementations own transport and
// credentials; the adapter only supplies data already on the confirmation
// record plus an idempotency key per call.
type Client interface {
	UpdateShipmentStatus(ctx context.Context, externalID, status, notes, idempotencyKey string) error
	UploadAttachment(ctx context.Context, externalID, blobRef string, kind domain.AttachmentKind, idempotencyKey string) error
}
