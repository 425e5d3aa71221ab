package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SyncState represents the ERP synchronization state of a confirmation.
type SyncState string

const (
	StatePending  SyncState = "PENDING"
	StateInFlight SyncState = "IN_FLIGHT"
	StateSynced   SyncState = "SYNCED"
	StateFailed   SyncState = "FAILED"
)

func (s SyncState) String() string { return string(s) }

func (s SyncState) IsValid() bool {
	switch s {
	case StatePending, StateInFlight, StateSynced, StateFailed:
		return true
	}
	return false
}

// IsTerminal reports whether no further sync activity is allowed from s.
func (s SyncState) IsTerminal() bool {
	return s == StateSynced || s == StateFailed
}

// CanTransition reports whether from -> to is a permitted state change.
// Pending may only move in flight; in flight resolves to synced, failed,
// or back to pending for a retry.
func CanTransition(from, to SyncState) bool {
	switch from {
	case StatePending:
		return to == StateInFlight
	case StateInFlight:
		return to == StateSynced || to == StatePending || to == StateFailed
	}
	return false
}

func ParseSyncStateFromString(s string) (SyncState, error) {
	st := SyncState(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid sync state %q", ErrValidation, s)
	}
	return st, nil
}

// AttachmentKind distinguishes evidence artifacts uploaded to the ERP.
type AttachmentKind string

const (
	AttachmentSignature AttachmentKind = "SIGNATURE"
	AttachmentPhoto     AttachmentKind = "PHOTO"
)

func (k AttachmentKind) String() string { return string(k) }

// GPSCoordinates is the capture location reported by the driver's device.
type GPSCoordinates struct {
	Lat      float64
	Lon      float64
	Accuracy float64
}

func (g GPSCoordinates) Validate() error {
	if g.Lat < -90 || g.Lat > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrValidation, g.Lat)
	}
	if g.Lon < -180 || g.Lon > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrValidation, g.Lon)
	}
	if g.Accuracy < 0 {
		return fmt.Errorf("%w: accuracy must not be negative", ErrValidation)
	}
	return nil
}

// Payload is the delivery evidence captured at the doorstep. Signature and
// photo blobs are referenced by opaque storage handles, never raw bytes.
type Payload struct {
	RecipientName string
	GPS           GPSCoordinates
	SignatureRef  string
	PhotoRefs     []string
	Notes         string
}

// Attachment pairs a blob handle with its kind, in stable upload order.
type Attachment struct {
	Ref  string
	Kind AttachmentKind
}

// PushProgress tracks which halves of an ERP push have already landed, so a
// retry after partial failure resumes only the missing work.
type PushProgress struct {
	StatusUpdated       bool
	UploadedAttachments int
}

// ConfirmationRecord is the durable local record of a delivery confirmation
// and its ERP synchronization state.
type ConfirmationRecord struct {
	ID                 string
	ShipmentID         string
	ExternalShipmentID string
	CapturedAt         time.Time
	Payload            Payload
	SyncState          SyncState
	SyncAttempts       int
	LastAttemptAt      *time.Time
	LastError          *string
	SyncedAt           *time.Time
	Suspended          bool
	Progress           PushProgress
	VerificationHash   string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (r *ConfirmationRecord) Validate() error {
	if strings.TrimSpace(r.Payload.RecipientName) == "" {
		return fmt.Errorf("%w: recipient name is required", ErrValidation)
	}
	if r.CapturedAt.IsZero() {
		return fmt.Errorf("%w: captured at timestamp is required", ErrValidation)
	}
	if strings.TrimSpace(r.ShipmentID) == "" {
		return fmt.Errorf("%w: shipment id is required", ErrValidation)
	}
	if strings.TrimSpace(r.ExternalShipmentID) == "" {
		return fmt.Errorf("%w: external shipment id is required", ErrValidation)
	}
	if err := r.Payload.GPS.Validate(); err != nil {
		return err
	}
	return nil
}

// Attachments returns the evidence blobs in stable upload order: signature
// first, then photos. PushProgress.UploadedAttachments indexes into this
// ordering.
func (r *ConfirmationRecord) Attachments() []Attachment {
	attachments := make([]Attachment, 0, len(r.Payload.PhotoRefs)+1)
	if strings.TrimSpace(r.Payload.SignatureRef) != "" {
		attachments = append(attachments, Attachment{Ref: r.Payload.SignatureRef, Kind: AttachmentSignature})
	}
	for _, ref := range r.Payload.PhotoRefs {
		attachments = append(attachments, Attachment{Ref: ref, Kind: AttachmentPhoto})
	}
	return attachments
}

// VerifyHash recomputes the verification hash and compares it against the
// stored one. A mismatch indicates corruption and blocks sync.
func (r *ConfirmationRecord) VerifyHash() bool {
	return r.VerificationHash == ComputeVerificationHash(r.Payload, r.CapturedAt)
}

// ComputeVerificationHash produces a content hash over the payload and
// capture timestamp. The canonical form is newline-separated fields with
// floats rendered at full precision, so byte-identical payloads always hash
// identically across processes.
func ComputeVerificationHash(p Payload, capturedAt time.Time) string {
	parts := []string{
		p.RecipientName,
		formatFloat(p.GPS.Lat),
		formatFloat(p.GPS.Lon),
		formatFloat(p.GPS.Accuracy),
		p.SignatureRef,
		strings.Join(p.PhotoRefs, "\x1f"),
		p.Notes,
		capturedAt.UTC().Format(time.RFC3339Nano),
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
