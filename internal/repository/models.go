package repository

import (
	"encoding/json"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
)

// ConfirmationModel is the persistence model for the confirmations table.
type ConfirmationModel struct {
	ID                  string           `gorm:"type:uuid;primaryKey"`
	ShipmentID          string           `gorm:"type:varchar(64);not null"`
	ExternalShipmentID  string           `gorm:"type:varchar(64);not null"`
	CapturedAt          time.Time        `gorm:"not null"`
	RecipientName       string           `gorm:"type:varchar(255);not null"`
	GpsLat              float64          `gorm:"not null"`
	GpsLon              float64          `gorm:"not null"`
	GpsAccuracy         float64          `gorm:"not null;default:0"`
	SignatureRef        string           `gorm:"type:varchar(512)"`
	PhotoRefs           string           `gorm:"type:text"` // JSON-encoded list of blob handles
	Notes               string           `gorm:"type:text"`
	SyncState           domain.SyncState `gorm:"type:varchar(20);not null"`
	SyncAttempts        int              `gorm:"not null;default:0"`
	LastAttemptAt       *time.Time
	LastError           *string `gorm:"type:text"`
	SyncedAt            *time.Time
	Suspended           bool   `gorm:"not null;default:false"`
	StatusUpdated       bool   `gorm:"not null;default:false"`
	UploadedAttachments int    `gorm:"not null;default:0"`
	VerificationHash    string `gorm:"type:char(64);not null"`
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (ConfirmationModel) TableName() string {
	return "confirmations"
}

// SyncAttemptModel is the persistence model for sync_attempts.
type SyncAttemptModel struct {
	ID                  string  `gorm:"type:uuid;primaryKey"`
	ConfirmationID      string  `gorm:"type:uuid;not null"`
	AttemptNumber       int     `gorm:"not null"`
	ErrorKind           *string `gorm:"type:varchar(20)"`
	Error               *string `gorm:"type:text"`
	DurationMillis      int64   `gorm:"not null;default:0"`
	StatusUpdated       bool    `gorm:"not null;default:false"`
	UploadedAttachments int     `gorm:"not null;default:0"`
	CreatedAt           time.Time
}

func (SyncAttemptModel) TableName() string {
	return "sync_attempts"
}

// SyncTransitionModel is the persistence model for the append-only
// sync_transitions audit log.
type SyncTransitionModel struct {
	ID             string           `gorm:"type:uuid;primaryKey"`
	ConfirmationID string           `gorm:"type:uuid;not null"`
	FromState      domain.SyncState `gorm:"type:varchar(20);not null"`
	ToState        domain.SyncState `gorm:"type:varchar(20);not null"`
	Actor          string           `gorm:"type:varchar(64);not null"`
	CreatedAt      time.Time
}

func (SyncTransitionModel) TableName() string {
	return "sync_transitions"
}

func confirmationModelFromDomain(r *domain.ConfirmationRecord) *ConfirmationModel {
	if r == nil {
		return nil
	}

	photoRefs := "[]"
	if encoded, err := json.Marshal(r.Payload.PhotoRefs); err == nil {
		photoRefs = string(encoded)
	}

	return &ConfirmationModel{
		ID:                  r.ID,
		ShipmentID:          r.ShipmentID,
		ExternalShipmentID:  r.ExternalShipmentID,
		CapturedAt:          r.CapturedAt,
		RecipientName:       r.Payload.RecipientName,
		GpsLat:              r.Payload.GPS.Lat,
		GpsLon:              r.Payload.GPS.Lon,
		GpsAccuracy:         r.Payload.GPS.Accuracy,
		SignatureRef:        r.Payload.SignatureRef,
		PhotoRefs:           photoRefs,
		Notes:               r.Payload.Notes,
		SyncState:           r.SyncState,
		SyncAttempts:        r.SyncAttempts,
		LastAttemptAt:       r.LastAttemptAt,
		LastError:           r.LastError,
		SyncedAt:            r.SyncedAt,
		Suspended:           r.Suspended,
		StatusUpdated:       r.Progress.StatusUpdated,
		UploadedAttachments: r.Progress.UploadedAttachments,
		VerificationHash:    r.VerificationHash,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}

func confirmationModelToDomain(m *ConfirmationModel) *domain.ConfirmationRecord {
	if m == nil {
		return nil
	}

	var photoRefs []string
	if m.PhotoRefs != "" {
		_ = json.Unmarshal([]byte(m.PhotoRefs), &photoRefs)
	}

	return &domain.ConfirmationRecord{
		ID:                 m.ID,
		ShipmentID:         m.ShipmentID,
		ExternalShipmentID: m.ExternalShipmentID,
		CapturedAt:         m.CapturedAt,
		Payload: domain.Payload{
			RecipientName: m.RecipientName,
			GPS: domain.GPSCoordinates{
				Lat:      m.GpsLat,
				Lon:      m.GpsLon,
				Accuracy: m.GpsAccuracy,
			},
			SignatureRef: m.SignatureRef,
			PhotoRefs:    photoRefs,
			Notes:        m.Notes,
		},
		SyncState:     m.SyncState,
		SyncAttempts:  m.SyncAttempts,
		LastAttemptAt: m.LastAttemptAt,
		LastError:     m.LastError,
		SyncedAt:      m.SyncedAt,
		Suspended:     m.Suspended,
		Progress: domain.PushProgress{
			StatusUpdated:       m.StatusUpdated,
			UploadedAttachments: m.UploadedAttachments,
		},
		VerificationHash: m.VerificationHash,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.SyncAttempt) *SyncAttemptModel {
	if a == nil {
		return nil
	}

	return &SyncAttemptModel{
		ID:                  a.ID,
		ConfirmationID:      a.ConfirmationID,
		AttemptNumber:       a.AttemptNumber,
		ErrorKind:           a.ErrorKind,
		Error:               a.Error,
		DurationMillis:      a.DurationMillis,
		StatusUpdated:       a.StatusUpdated,
		UploadedAttachments: a.UploadedAttachments,
		CreatedAt:           a.CreatedAt,
	}
}

func attemptModelToDomain(m *SyncAttemptModel) *domain.SyncAttempt {
	if m == nil {
		return nil
	}

	return &domain.SyncAttempt{
		ID:                  m.ID,
		ConfirmationID:      m.ConfirmationID,
		AttemptNumber:       m.AttemptNumber,
		ErrorKind:           m.ErrorKind,
		Error:               m.Error,
		DurationMillis:      m.DurationMillis,
		StatusUpdated:       m.StatusUpdated,
		UploadedAttachments: m.UploadedAttachments,
		CreatedAt:           m.CreatedAt,
	}
}

func transitionModelToDomain(m *SyncTransitionModel) *domain.SyncTransition {
	if m == nil {
		return nil
	}

	return &domain.SyncTransition{
		ID:             m.ID,
		ConfirmationID: m.ConfirmationID,
		FromState:      m.FromState,
		ToState:        m.ToState,
		Actor:          m.Actor,
		CreatedAt:      m.CreatedAt,
	}
}
