package erp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldtrace/syncpipe/internal/domain"
	"github.com/go-resty/resty/v2"
)

const defaultDolibarrTimeout = 30 * time.Second

var _ Client = (*DolibarrClient)(nil)

// DolibarrClient talks to the Dolibarr REST API. Retries are left entirely
// to the pipeline; the client reports a classified SyncError per call.
type DolibarrClient struct {
	client  *resty.Client
	baseURL string
}

type shipmentStatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"note_public"`
}

type attachmentRequest struct {
	BlobRef string `json:"blobRef"`
	Kind    string `json:"kind"`
}

func NewDolibarrClient(baseURL, apiKey string) (*DolibarrClient, error) {
	client := resty.New()
	client.SetTimeout(defaultDolibarrTimeout)
	client.SetRetryCount(0)

	return NewDolibarrClientWithClient(baseURL, apiKey, client)
}

func NewDolibarrClientWithClient(baseURL, apiKey string, client *resty.Client) (*DolibarrClient, error) {
	trimmedBase := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmedBase == "" {
		return nil, fmt.Errorf("dolibarr base url is required")
	}
	if _, err := url.ParseRequestURI(trimmedBase); err != nil {
		return nil, fmt.Errorf("invalid dolibarr base url: %w", err)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("dolibarr api key is required")
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultDolibarrTimeout)
	}
	client.SetRetryCount(0)
	client.SetHeader("DOLAPIKEY", apiKey)

	return &DolibarrClient{
		client:  client,
		baseURL: trimmedBase,
	}, nil
}

func (c *DolibarrClient) UpdateShipmentStatus(ctx context.Context, externalID, status, notes, idempotencyKey string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("dolibarr client is not initialized")
	}
	if strings.TrimSpace(externalID) == "" {
		return &SyncError{Kind: domain.ErrorKindPermanent, Message: "external shipment id is required"}
	}

	endpoint := fmt.Sprintf("%s/shipments/%s/close", c.baseURL, url.PathEscape(externalID))
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(shipmentStatusRequest{Status: status, Notes: notes}).
		Post(endpoint)

	return c.interpret(response, err, "shipment status update")
}

func (c *DolibarrClient) UploadAttachment(ctx context.Context, externalID, blobRef string, kind domain.AttachmentKind, idempotencyKey string) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("dolibarr client is not initialized")
	}
	if strings.TrimSpace(blobRef) == "" {
		return &SyncError{Kind: domain.ErrorKindPermanent, Message: "blob ref is required"}
	}

	endpoint := fmt.Sprintf("%s/shipments/%s/attachments", c.baseURL, url.PathEscape(externalID))
	response, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", idempotencyKey).
		SetBody(attachmentRequest{BlobRef: blobRef, Kind: strings.ToLower(kind.String())}).
		Post(endpoint)

	return c.interpret(response, err, "attachment upload")
}

func (c *DolibarrClient) interpret(response *resty.Response, err error, operation string) error {
	if err != nil {
		// Includes cancellation during shutdown: the job is retried after
		// restart rather than marked failed.
		return &SyncError{
			Kind:    domain.ErrorKindTransient,
			Message: operation + " request failed",
			Cause:   err,
		}
	}
	if response == nil {
		return &SyncError{
			Kind:    domain.ErrorKindTransient,
			Message: operation + " returned empty response",
		}
	}

	statusCode := response.StatusCode()
	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		return nil
	}

	// Conflict means the idempotency key already landed: the work is done.
	if statusCode == http.StatusConflict {
		return nil
	}

	return &SyncError{
		Kind:       classifyHTTPStatus(statusCode),
		StatusCode: statusCode,
		Message:    fmt.Sprintf("%s rejected: %s", operation, strings.TrimSpace(response.String())),
	}
}

func classifyHTTPStatus(statusCode int) domain.ErrorKind {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return domain.ErrorKindAuth
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests:
		return domain.ErrorKindTransient
	case statusCode >= http.StatusInternalServerError && statusCode <= 599:
		return domain.ErrorKindTransient
	default:
		return domain.ErrorKindPermanent
	}
}
