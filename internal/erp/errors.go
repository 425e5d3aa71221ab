package erp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/fieldtrace/syncpipe/internal/domain"
)

// SyncError classifies ERP call failures into the retry taxonomy.
type SyncError struct {
	Kind       domain.ErrorKind
	StatusCode int
	Message    string
	Cause      error
}

func (e *SyncError) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, fmt.Sprintf("erp %s error", strings.ToLower(e.Kind.String())))

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *SyncError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// KindOf maps an error to its retry taxonomy kind. Timeouts and anything
// unclassified count as transient: the pipeline prefers a wasted retry over
// silent data loss.
func KindOf(err error) domain.ErrorKind {
	if err == nil {
		return ""
	}

	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindTransient
	}
	if errors.Is(err, domain.ErrCorrupted) {
		return domain.ErrorKindPermanent
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.ErrorKindTransient
	}

	return domain.ErrorKindTransient
}
