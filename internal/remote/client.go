// Package remote is the client for the PDM persistence service: record
// reads, lock arbitration, content downloads, and a websocket change
// feed. HTTP status codes are mapped onto the sentinel errors the rest
// of the engine branches on.
package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	pdmerrors "github.com/bluerobotics/blueplm-sync/internal/errors"
	"github.com/bluerobotics/blueplm-sync/internal/models"
)

const requestTimeout = 30 * time.Second

// Service is everything the engine needs from the persistence service.
type Service interface {
	FetchRecord(ctx context.Context, path string) (*models.RemoteRecord, error)
	ListRecords(ctx context.Context) ([]models.RemoteRecord, error)
	CreateRecord(ctx context.Context, path, hash string, size int64, meta *models.PendingMetadata) (*models.RemoteRecord, error)
	Checkout(ctx context.Context, fileID, userID, machineID string) (*models.CheckoutLock, error)
	Checkin(ctx context.Context, fileID, userID, machineID, newHash string, meta *models.PendingMetadata) (*models.RemoteRecord, error)
	SoftDelete(ctx context.Context, fileID string) error
	ForceRelease(ctx context.Context, fileID, adminUserID string) error
	IsOnline(ctx context.Context, userID, machineID string) (bool, error)
	Download(ctx context.Context, fileID string, w io.Writer) (int64, error)
}

// Client implements Service over HTTP.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

var _ Service = (*Client)(nil)

func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	c := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetAuthToken(token).
		SetTimeout(requestTimeout)

	return &Client{http: c, logger: logger}
}

// FetchRecord returns the record at a vault-relative path, or
// ErrNotFound when the server does not track it.
func (c *Client) FetchRecord(ctx context.Context, path string) (*models.RemoteRecord, error) {
	var rec models.RemoteRecord

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("path", path).
		SetResult(&rec).
		Get("/api/v1/files/by-path")
	if err != nil {
		return nil, fmt.Errorf("%w: fetch record: %v", pdmerrors.ErrNetwork, err)
	}
	if err := mapError(resp); err != nil {
		return nil, err
	}

	return &rec, nil
}

// ListRecords returns every record in the vault, soft-deleted included.
func (c *Client) ListRecords(ctx context.Context) ([]models.RemoteRecord, error) {
	var records []models.RemoteRecord

	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&records).
		Get("/api/v1/files")
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %v", pdmerrors.ErrNetwork, err)
	}
	if err := mapError(resp); err != nil {
		return nil, err
	}

	return records, nil
}

type createRequest struct {
	Path     string                  `json:"path"`
	Hash     string                  `json:"hash"`
	Size     int64                   `json:"size"`
	Metadata *models.PendingMetadata `json:"metadata,omitempty"`
}

// CreateRecord registers a local-only file with the server. The first
// checkin of an added file goes through here; the returned record
// starts at version 1 with no lock.
func (c *Client) CreateRecord(ctx context.Context, path, hash string, size int64, meta *models.PendingMetadata) (*models.RemoteRecord, error) {
	var rec models.RemoteRecord

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(createRequest{Path: path, Hash: hash, Size: size, Metadata: meta}).
		SetResult(&rec).
		Post("/api/v1/files")
	if err != nil {
		return nil, fmt.Errorf("%w: create record: %v", pdmerrors.ErrNetwork, err)
	}
	if err := mapError(resp); err != nil {
		return nil, err
	}

	return &rec, nil
}

type lockRequest struct {
	UserID    string `json:"user_id"`
	MachineID string `json:"machine_id"`
}

func (c *Client) Checkout(ctx context.Context, fileID, userID, machineID string) (*models.CheckoutLock, error) {
	var lock models.CheckoutLock

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(lockRequest{UserID: userID, MachineID: machineID}).
		SetResult(&lock).
		Post("/api/v1/files/" + fileID + "/checkout")
	if err != nil {
		return nil, fmt.Errorf("%w: checkout: %v", pdmerrors.ErrNetwork, err)
	}
	if err := mapError(resp); err != nil {
		return nil, err
	}

	return &lock, nil
}

type checkinRequest struct {
	UserID    string                  `json:"user_id"`
	MachineID string                  `json:"machine_id"`
	Hash      string                  `json:"hash"`
	Metadata  *models.PendingMetadata `json:"metadata,omitempty"`
}

// Checkin publishes new content and staged metadata, releasing the
// lock. The server applies both atomically and returns the updated
// record with its new version.
func (c *Client) Checkin(ctx context.Context, fileID, userID, machineID, newHash string, meta *models.PendingMetadata) (*models.RemoteRecord, error) {
	var rec models.RemoteRecord

	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(checkinRequest{UserID: userID, MachineID: machineID, Hash: newHash, Metadata: meta}).
		SetResult(&rec).
		Post("/api/v1/files/" + fileID + "/checkin")
	if err != nil {
		return nil, fmt.Errorf("%w: checkin: %v", pdmerrors.ErrNetwork, err)
	}
	if err := mapError(resp); err != nil {
		return nil, err
	}

	return &rec, nil
}

// SoftDelete flags the record deleted server-side without touching
// version history.
func (c *Client) SoftDelete(ctx context.Context, fileID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		Delete("/api/v1/files/" + fileID)
	if err != nil {
		return fmt.Errorf("%w: soft delete: %v", pdmerrors.ErrNetwork, err)
	}

	return mapError(resp)
}

func (c *Client) ForceRelease(ctx context.Context, fileID, adminUserID string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(lockRequest{UserID: adminUserID}).
		Post("/api/v1/files/" + fileID + "/force-release")
	if err != nil {
		return fmt.Errorf("%w: force release: %v", pdmerrors.ErrNetwork, err)
	}

	return mapError(resp)
}

type onlineResponse struct {
	Online bool `json:"online"`
}

// IsOnline asks the coordination service whether a (user, machine)
// pair currently holds a live session.
func (c *Client) IsOnline(ctx context.Context, userID, machineID string) (bool, error) {
	var out onlineResponse

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("user_id", userID).
		SetQueryParam("machine_id", machineID).
		SetResult(&out).
		Get("/api/v1/machines/online")
	if err != nil {
		return false, fmt.Errorf("%w: online probe: %v", pdmerrors.ErrNetwork, err)
	}
	if err := mapError(resp); err != nil {
		return false, err
	}

	return out.Online, nil
}

// Download streams the record's content into w and returns the byte
// count.
func (c *Client) Download(ctx context.Context, fileID string, w io.Writer) (int64, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/api/v1/files/" + fileID + "/content")
	if err != nil {
		return 0, fmt.Errorf("%w: download: %v", pdmerrors.ErrNetwork, err)
	}
	defer resp.RawBody().Close()

	if err := mapError(resp); err != nil {
		return 0, err
	}

	n, err := io.Copy(w, resp.RawBody())
	if err != nil {
		return n, fmt.Errorf("%w: download body: %v", pdmerrors.ErrNetwork, err)
	}

	c.logger.Debug("downloaded content",
		slog.String("file_id", fileID),
		slog.Int64("bytes", n),
	)

	return n, nil
}

// mapError turns a non-2xx response into the sentinel the caller
// branches on. 423 means a live lock held elsewhere, 409 means lost
// checkout contention.
func mapError(resp *resty.Response) error {
	if resp.StatusCode() >= http.StatusOK && resp.StatusCode() < http.StatusMultipleChoices {
		return nil
	}

	body := strings.TrimSpace(string(resp.Body()))
	if body == "" {
		body = http.StatusText(resp.StatusCode())
	}

	switch resp.StatusCode() {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", pdmerrors.ErrNotFound, body)
	case http.StatusConflict:
		return fmt.Errorf("%w: %s", pdmerrors.ErrLockConflict, body)
	case http.StatusLocked:
		return fmt.Errorf("%w: %s", pdmerrors.ErrAlreadyLocked, body)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %s", pdmerrors.ErrNotPrivileged, body)
	default:
		if resp.StatusCode() >= http.StatusInternalServerError {
			return fmt.Errorf("%w: http %d: %s", pdmerrors.ErrNetwork, resp.StatusCode(), body)
		}

		return fmt.Errorf("http %d: %s", resp.StatusCode(), body)
	}
}
