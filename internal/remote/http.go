package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/shohag/sosrelay/internal/clock"
	"github.com/shohag/sosrelay/internal/models"
	"github.com/shohag/sosrelay/internal/signing"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderInstallation   = "X-SOSRelay-Installation"
	HeaderTimestamp      = "X-SOSRelay-Timestamp"
	HeaderSignature      = "X-SOSRelay-Signature"

	userAgent       = "SOSRelay/1.0"
	maxResponseBody = 1 << 20
	maxErrorBody    = 512
)

type HTTPOptions struct {
	BaseURL        string
	APIToken       string
	SigningSecret  string
	InstallationID string
	Timeout        time.Duration
}

// HTTPStore talks to the remote alert store over its JSON API.
type HTTPStore struct {
	baseURL        string
	token          string
	secret         string
	installationID string
	client         *http.Client
	clock          clock.Clock
	logger         zerolog.Logger
}

func NewHTTPStore(opts HTTPOptions, clk clock.Clock, logger zerolog.Logger) *HTTPStore {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &HTTPStore{
		baseURL:        strings.TrimRight(opts.BaseURL, "/"),
		token:          opts.APIToken,
		secret:         opts.SigningSecret,
		installationID: opts.InstallationID,
		client:         &http.Client{Timeout: opts.Timeout},
		clock:          clk,
		logger:         logger.With().Str("component", "remote").Logger(),
	}
}

// AlertPayload is the wire form of an alert.
type AlertPayload struct {
	ID             string    `json:"id,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	UserID         string    `json:"user_id"`
	Type           string    `json:"type"`
	Latitude       float64   `json:"lat"`
	Longitude      float64   `json:"lon"`
	LocationSource string    `json:"location_source,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	Resolved       bool      `json:"resolved"`
}

type createResponse struct {
	ID string `json:"id"`
}

type listResponse struct {
	Alerts []AlertPayload `json:"alerts"`
}

func payloadFromAlert(a models.Alert) AlertPayload {
	return AlertPayload{
		RequestID:      a.RequestID,
		UserID:         a.UserID,
		Type:           string(a.Type),
		Latitude:       a.Coordinate.Latitude,
		Longitude:      a.Coordinate.Longitude,
		LocationSource: a.LocationSource,
		CreatedAt:      a.CreatedAt.UTC(),
		Resolved:       a.Resolved,
	}
}

func (p AlertPayload) alert() models.Alert {
	return models.Alert{
		RemoteID:       p.ID,
		RequestID:      p.RequestID,
		UserID:         p.UserID,
		Type:           models.AlertType(strings.ToUpper(p.Type)),
		Coordinate:     models.Coordinate{Latitude: p.Latitude, Longitude: p.Longitude},
		LocationSource: p.LocationSource,
		CreatedAt:      p.CreatedAt.UTC(),
		Resolved:       p.Resolved,
		State:          models.StateDelivered,
	}
}

func (s *HTTPStore) Create(ctx context.Context, a models.Alert) (string, error) {
	body, err := json.Marshal(payloadFromAlert(a))
	if err != nil {
		return "", errors.Wrap(ErrRemotePermanent, err.Error())
	}

	respBody, err := s.do(ctx, http.MethodPost, "/v1/alerts", nil, body, a.RequestID)
	if err != nil {
		return "", err
	}

	var resp createResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.ID == "" {
		// The write may have landed; retrying with the same idempotency key is
		// safe and yields the stored id.
		return "", errors.Wrap(ErrRemoteTransient, "create response carried no alert id")
	}

	s.logger.Debug().
		Str("request_id", a.RequestID).
		Str("remote_id", resp.ID).
		Msg("alert created remotely")
	return resp.ID, nil
}

func (s *HTTPStore) Resolve(ctx context.Context, remoteID string) error {
	if remoteID == "" {
		return errors.Wrap(ErrRemotePermanent, "remote id is required")
	}
	_, err := s.do(ctx, http.MethodPost, "/v1/alerts/"+url.PathEscape(remoteID)+"/resolve", nil, nil, "")
	return err
}

func (s *HTTPStore) QueryByUser(ctx context.Context, userID string) ([]models.Alert, error) {
	return s.list(ctx, url.Values{"user_id": {userID}})
}

// QueryNearby fetches alerts created within window and keeps the ones within
// radiusMeters of center.
func (s *HTTPStore) QueryNearby(ctx context.Context, center models.Coordinate, radiusMeters float64, window time.Duration) ([]models.Alert, error) {
	since := s.clock.Now().Add(-window)
	alerts, err := s.list(ctx, url.Values{"since": {since.UTC().Format(time.RFC3339)}})
	if err != nil {
		return nil, err
	}
	return FilterNearby(alerts, center, radiusMeters, since), nil
}

// FilterNearby keeps alerts created at or after since and within radiusMeters
// of center.
func FilterNearby(alerts []models.Alert, center models.Coordinate, radiusMeters float64, since time.Time) []models.Alert {
	nearby := make([]models.Alert, 0, len(alerts))
	for _, a := range alerts {
		if a.CreatedAt.Before(since) {
			continue
		}
		if center.DistanceMeters(a.Coordinate) <= radiusMeters {
			nearby = append(nearby, a)
		}
	}
	return nearby
}

func (s *HTTPStore) list(ctx context.Context, query url.Values) ([]models.Alert, error) {
	respBody, err := s.do(ctx, http.MethodGet, "/v1/alerts", query, nil, "")
	if err != nil {
		return nil, err
	}

	var resp listResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Wrapf(ErrRemoteTransient, "decode alert list: %v", err)
	}
	alerts := make([]models.Alert, 0, len(resp.Alerts))
	for _, p := range resp.Alerts {
		alerts = append(alerts, p.alert())
	}
	return alerts, nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, query url.Values, body []byte, idempotencyKey string) ([]byte, error) {
	target := s.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrapf(ErrRemotePermanent, "build request: %v", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	if s.installationID != "" {
		req.Header.Set(HeaderInstallation, s.installationID)
	}
	if idempotencyKey != "" {
		req.Header.Set(HeaderIdempotencyKey, idempotencyKey)
	}
	if s.secret != "" {
		signature, timestamp := signing.Sign(s.secret, body, s.clock.Now())
		req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", timestamp))
		req.Header.Set(HeaderSignature, signature)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(ErrRemoteTransient, "%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, errors.Wrapf(ErrRemoteTransient, "read response: %v", err)
	}

	s.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("latency", time.Since(start)).
		Msg("remote call")

	if kind := Classify(resp.StatusCode); kind != nil {
		errBody := string(respBody)
		if len(errBody) > maxErrorBody {
			errBody = errBody[:maxErrorBody]
		}
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(errBody), kind: kind}
	}
	return respBody, nil
}
