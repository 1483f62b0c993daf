package remote

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"golang.org/x/time/rate"

	apperrors "github.com/Playaa93/application-saisie-fleetzen-sub000/internal/errors"
	"github.com/Playaa93/application-saisie-fleetzen-sub000/internal/models"
)

const maxResponseBytes = 1 << 20

// HTTPConfig holds the remote connection settings.
type HTTPConfig struct {
	BaseURL   string
	AuthToken string
	// RequestsPerSecond paces submissions when a backlog drains. Zero
	// disables pacing.
	RequestsPerSecond float64
	Burst             int
}

// HTTPClient implements API over multipart HTTP.
type HTTPClient struct {
	config     HTTPConfig
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPClient creates a new HTTPClient. Deadlines come from the request
// context, so the http.Client carries no global timeout.
func NewHTTPClient(config HTTPConfig) *HTTPClient {
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	limiter := rate.NewLimiter(rate.Inf, 1)
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), max(config.Burst, 1))
	}
	return &HTTPClient{
		config: config,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: limiter,
	}
}

// Submit uploads the payload and its blobs as one multipart request. The
// body is streamed so attachments are never all held in memory.
func (c *HTTPClient) Submit(ctx context.Context, payload *Payload, blobs []Blob) (*Acceptance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrTimeout, "no upload slot before deadline", err)
	}

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeMultipart(mw, payload, blobs))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/interventions", pr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "build submit request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Idempotency-Key", payload.LocalID)
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportErr(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportErr(ctx, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var acc Acceptance
		if err := json.Unmarshal(body, &acc); err != nil || acc.ServerID == "" {
			return nil, apperrors.Newf(apperrors.ErrNetworkFailure, "malformed acceptance: %s", snippet(body))
		}
		return &acc, nil

	case http.StatusConflict:
		var cb conflictBody
		if err := json.Unmarshal(body, &cb); err != nil {
			return nil, apperrors.Newf(apperrors.ErrNetworkFailure, "malformed conflict response: %s", snippet(body))
		}
		if cb.Reason == "" {
			cb.Reason = "server record changed"
		}
		return nil, conflictErr(cb.Reason, cb.ServerState)

	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return nil, apperrors.Newf(apperrors.ErrPermanentRejection, "server rejected submission (%d): %s",
			resp.StatusCode, errorMessage(body))

	default:
		return nil, apperrors.Newf(apperrors.ErrNetworkFailure, "server returned %d: %s",
			resp.StatusCode, errorMessage(body))
	}
}

// Health probes the remote /health endpoint.
func (c *HTTPClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/health", nil)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "build health request", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportErr(ctx, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.Newf(apperrors.ErrNetworkFailure, "health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.config.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.AuthToken)
	}
}

type conflictBody struct {
	Reason      string             `json:"reason"`
	ServerState models.ServerState `json:"serverState"`
}

func writeMultipart(mw *multipart.Writer, payload *Payload, blobs []Blob) error {
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="payload"`)
	h.Set("Content-Type", "application/json")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(part).Encode(payload); err != nil {
		return err
	}

	for _, b := range blobs {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="attachment"; filename=%q`, b.Label))
		h.Set("Content-Type", b.ContentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		rc, err := b.Open()
		if err != nil {
			return fmt.Errorf("open attachment %s: %w", b.Label, err)
		}
		_, err = io.Copy(part, rc)
		rc.Close()
		if err != nil {
			return fmt.Errorf("stream attachment %s: %w", b.Label, err)
		}
	}
	return mw.Close()
}

// transportErr classifies a failed round trip. Deadlines become TIMEOUT,
// everything else NETWORK_FAILURE.
func transportErr(ctx context.Context, err error) error {
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(stderrors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.Wrap(apperrors.ErrTimeout, "upload timed out", err)
	}
	return apperrors.Wrap(apperrors.ErrNetworkFailure, "remote unreachable", err)
}

func errorMessage(body []byte) string {
	var eb struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &eb) == nil && eb.Error != "" {
		return eb.Error
	}
	return snippet(body)
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
