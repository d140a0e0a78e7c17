package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
)

// graphMaxRetries bounds transparent retries of one Graph call
const graphMaxRetries = 3

// ErrRemoteNotFound means the provider no longer knows the subscription
var ErrRemoteNotFound = errors.New("remote subscription not found")

// RemoteSubscription is the provider-side view of a subscription
type RemoteSubscription struct {
	ID              string
	Resource        string
	ChangeType      string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
}

// CreateRequest carries everything needed to register a subscription
type CreateRequest struct {
	Resource        string
	NotificationURL string
	ClientState     string
	ExpiresAt       time.Time
}

// GraphClient is the narrow surface the manager needs from the provider
type GraphClient interface {
	Create(ctx context.Context, token string, req CreateRequest) (*RemoteSubscription, error)
	Renew(ctx context.Context, token, externalID string, expiresAt time.Time) (*RemoteSubscription, error)
	Delete(ctx context.Context, token, externalID string) error
}

// Graph wire shapes; expirationDateTime travels as RFC 3339 text
type wireSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
}

type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// HTTPGraphClient implements GraphClient against the Graph REST API with
// a client-side request rate cap and bounded retries on throttling and
// server errors.
type HTTPGraphClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  observability.Logger
}

func NewHTTPGraphClient(cfg config.GraphConfig, logger observability.Logger) *HTTPGraphClient {
	rps := cfg.RequestsPerSec
	if rps <= 0 {
		rps = 1
	}
	return &HTTPGraphClient{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger.WithPrefix("graph"),
	}
}

func (c *HTTPGraphClient) Create(ctx context.Context, token string, req CreateRequest) (*RemoteSubscription, error) {
	body := wireSubscription{
		ChangeType:         "updated",
		NotificationURL:    req.NotificationURL,
		Resource:           req.Resource,
		ClientState:        req.ClientState,
		ExpirationDateTime: req.ExpiresAt.UTC().Format(time.RFC3339),
	}
	var out wireSubscription
	if err := c.call(ctx, token, http.MethodPost, "/subscriptions", body, &out); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	return fromWire(out)
}

func (c *HTTPGraphClient) Renew(ctx context.Context, token, externalID string, expiresAt time.Time) (*RemoteSubscription, error) {
	body := wireSubscription{
		ExpirationDateTime: expiresAt.UTC().Format(time.RFC3339),
	}
	var out wireSubscription
	if err := c.call(ctx, token, http.MethodPatch, "/subscriptions/"+externalID, body, &out); err != nil {
		return nil, fmt.Errorf("renew subscription %s: %w", externalID, err)
	}
	return fromWire(out)
}

func (c *HTTPGraphClient) Delete(ctx context.Context, token, externalID string) error {
	if err := c.call(ctx, token, http.MethodDelete, "/subscriptions/"+externalID, nil, nil); err != nil {
		return fmt.Errorf("delete subscription %s: %w", externalID, err)
	}
	return nil
}

// call performs one Graph request with rate limiting and retry. 404 maps
// to ErrRemoteNotFound; throttling and 5xx retry; other client errors are
// permanent.
func (c *HTTPGraphClient) call(ctx context.Context, token, method, path string, in interface{}, out interface{}) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	operation := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if in != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if out != nil && resp.StatusCode != http.StatusNoContent {
				if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
					return backoff.Permanent(fmt.Errorf("decode response: %w", err))
				}
			}
			return nil
		case resp.StatusCode == http.StatusNotFound:
			return backoff.Permanent(ErrRemoteNotFound)
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return graphStatusError(resp)
		default:
			return backoff.Permanent(graphStatusError(resp))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, graphMaxRetries), ctx))
}

func graphStatusError(resp *http.Response) error {
	var we wireError
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	if json.Unmarshal(raw, &we) == nil && we.Error.Code != "" {
		return fmt.Errorf("graph %d %s: %s", resp.StatusCode, we.Error.Code, we.Error.Message)
	}
	return fmt.Errorf("graph %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
}

func fromWire(w wireSubscription) (*RemoteSubscription, error) {
	sub := &RemoteSubscription{
		ID:              w.ID,
		Resource:        w.Resource,
		ChangeType:      w.ChangeType,
		NotificationURL: w.NotificationURL,
		ClientState:     w.ClientState,
	}
	if w.ExpirationDateTime != "" {
		t, err := time.Parse(time.RFC3339, w.ExpirationDateTime)
		if err != nil {
			return nil, fmt.Errorf("parse expiration %q: %w", w.ExpirationDateTime, err)
		}
		sub.ExpiresAt = t
	}
	return sub, nil
}
