// Package alldebrid is the Debrid Gateway (spec.md §4.3): a client of the
// AllDebrid v4 REST API with submit/status/unlock operations, a shared
// token-bucket rate limiter, and 5xx/429 retry with the backoff policy of
// §4.2. Request plumbing (doRequest/get/post) is adapted from the teacher's
// internal/realdebrid.Client; the endpoint shapes and statusCode semantics
// are ported from original_source/src/alldebrid/client.py.
package alldebrid

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ygncode/alldebrid-broker/internal/broker"
)

const defaultBaseURL = "https://api.alldebrid.com/v4"

// Rate limiter tuning: spec.md §4.3 "default 8 requests/second burst,
// 4/s sustained".
const (
	rateLimitSustainedPerSec = 4
	rateLimitBurst           = 8
)

const maxRetries = 3

// Client is the Gateway's REST client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

func NewClient(apiKey, baseURL string, log *zap.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rateLimitSustainedPerSec), rateLimitBurst),
		log:     log,
	}
}

// File is one entry of a (possibly multi-file) magnet's contents, the
// Go-native shape the rest of the broker consumes in place of the gateway's
// raw wire format.
type File struct {
	Name      string
	Size      int64
	HostedURL string
}

// StatusResult is the logical {Processing | Ready | Error} variant of
// spec.md §4.3's `status` operation.
type StatusResult struct {
	Ready      bool
	Failed     bool
	Reason     string
	Files      []File
	SizeTotal  int64
	Downloaded int64
}

// Submit posts a magnet URI and returns the opaque debrid id, per spec.md
// §4.3's `submit(magnet_or_torrent) → debrid_id`.
func (c *Client) Submit(ctx context.Context, magnetURI string) (string, error) {
	form := url.Values{"magnets[]": {magnetURI}}

	var resp magnetUploadResponse
	if err := c.post(ctx, "magnet/upload", form, &resp); err != nil {
		return "", err
	}
	if len(resp.Magnets) == 0 {
		return "", broker.Newf(broker.KindDebridReject, "alldebrid: no magnet returned from upload")
	}
	entry := resp.Magnets[0]
	return fmt.Sprintf("%d", entry.ID), nil
}

// Status polls the magnet's current state, translating AllDebrid's
// statusCode into the Processing/Ready/Error variants of spec.md §4.3.
// StatusCode 4 is Ready; {5,6,7,8,11} are terminal errors (AllDebrid v4,
// mirrored from original_source/src/alldebrid/client.py).
func (c *Client) Status(ctx context.Context, debridID string) (StatusResult, error) {
	var resp magnetStatusResponse
	if err := c.get(ctx, "magnet/status", url.Values{"id": {debridID}}, &resp); err != nil {
		return StatusResult{}, err
	}
	entry := resp.Magnets

	if entry.StatusCode == StatusCodeReady {
		files := make([]File, 0, len(entry.Files))
		for _, f := range entry.Files {
			hosted := ""
			if len(f.Links) > 0 {
				hosted = f.Links[0]
			}
			files = append(files, File{Name: f.Name, Size: f.Size, HostedURL: hosted})
		}
		if len(files) == 0 && len(entry.Links) > 0 {
			// Single-file magnets sometimes report only the top-level
			// links array rather than a files[] breakdown.
			files = append(files, File{Name: entry.Filename, Size: entry.Size, HostedURL: entry.Links[0]})
		}
		return StatusResult{Ready: true, Files: files, SizeTotal: entry.Size, Downloaded: entry.Downloaded}, nil
	}

	if ErrorStatusCodes[entry.StatusCode] {
		return StatusResult{Failed: true, Reason: entry.Status}, nil
	}

	return StatusResult{SizeTotal: entry.Size, Downloaded: entry.Downloaded}, nil
}

// Unlock converts a hosted URL into a direct downloadable URL, per
// spec.md §4.3's `unlock(hosted_url) → {direct_url, ttl_seconds}`. AllDebrid
// does not report a TTL, so the default of 3600s named in the spec applies.
func (c *Client) Unlock(ctx context.Context, hostedURL string) (directURL string, ttl time.Duration, err error) {
	var resp unlockLinkResponse
	if err := c.get(ctx, "link/unlock", url.Values{"link": {hostedURL}}, &resp); err != nil {
		return "", 0, err
	}
	return resp.Link, 3600 * time.Second, nil
}

// doRequest applies the rate limiter, authenticates, and retries 5xx/429
// responses with the backoff policy of spec.md §4.2 (up to maxRetries),
// the same shape as the teacher's Client.doRequest generalized with retry.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, body io.Reader, contentType string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(broker.Backoff(attempt - 1)):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, broker.New(broker.KindCancelled, err)
		}

		reqURL := c.baseURL + "/" + endpoint
		if len(params) > 0 {
			reqURL += "?" + params.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, method, reqURL, body)
		if err != nil {
			return nil, broker.New(broker.KindInternal, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			kind := broker.ClassifyNetworkError(err)
			lastErr = broker.New(kind, err)
			if kind != broker.KindNetworkTransient {
				return nil, lastErr
			}
			c.log.Warn("alldebrid: request failed, retrying", zap.String("endpoint", endpoint), zap.Error(err), zap.Int("attempt", attempt))
			continue
		}

		if resp.StatusCode >= 400 {
			kind := broker.ClassifyHTTPStatus(resp.StatusCode)
			bodyBytes, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			lastErr = broker.Newf(kind, "alldebrid: status %d: %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
			if kind != broker.KindDebridUnavailable {
				return nil, lastErr
			}
			c.log.Warn("alldebrid: transient HTTP status, retrying", zap.Int("status", resp.StatusCode), zap.Int("attempt", attempt))
			continue
		}

		return resp, nil
	}
	return nil, lastErr
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, result interface{}) error {
	params = withAuth(params, c.apiKey)
	resp, err := c.doRequest(ctx, http.MethodGet, endpoint, params, nil, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp.Body, result)
}

func (c *Client) post(ctx context.Context, endpoint string, form url.Values, result interface{}) error {
	params := withAuth(nil, c.apiKey)
	resp, err := c.doRequest(ctx, http.MethodPost, endpoint, params, strings.NewReader(form.Encode()), "application/x-www-form-urlencoded")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeEnvelope(resp.Body, result)
}

func withAuth(params url.Values, apiKey string) url.Values {
	if params == nil {
		params = url.Values{}
	}
	params.Set("agent", "alldebrid-broker")
	params.Set("apikey", apiKey)
	return params
}

func decodeEnvelope(r io.Reader, result interface{}) error {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return broker.New(broker.KindInternal, fmt.Errorf("alldebrid: decode envelope: %w", err))
	}
	if env.Status == "error" {
		msg := "unknown error"
		if env.Error != nil {
			msg = env.Error.Message
		}
		return broker.Newf(broker.KindDebridReject, "alldebrid: %s", msg)
	}
	if result == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return broker.New(broker.KindInternal, fmt.Errorf("alldebrid: decode data: %w", err))
	}
	return nil
}
