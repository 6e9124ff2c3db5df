package downloader

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// probeResult is the outcome of a range-support probe, adapted from
// teal33t-Surge's internal/engine.ProbeServer (GET with Range: bytes=0-0,
// inspecting the response status and Content-Range).
type probeResult struct {
	supportsRange bool
	sizeTotal     int64
}

// probeRange issues a minimal ranged GET to determine whether the origin
// honors byte ranges, per spec.md §4.5: "On 200 without range support, seek
// to 0 and restart; on 206, stream the body."
func probeRange(ctx context.Context, client *http.Client, url string) (probeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return probeResult{}, err
	}
	req.Header.Set("Range", "bytes=0-0")
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(req)
	if err != nil {
		return probeResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		size := int64(0)
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				if v, err := strconv.ParseInt(cr[idx+1:], 10, 64); err == nil {
					size = v
				}
			}
		}
		return probeResult{supportsRange: true, sizeTotal: size}, nil
	case http.StatusOK:
		size := int64(0)
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if v, err := strconv.ParseInt(cl, 10, 64); err == nil {
				size = v
			}
		}
		return probeResult{supportsRange: false, sizeTotal: size}, nil
	default:
		return probeResult{}, fmt.Errorf("downloader: unexpected probe status %d", resp.StatusCode)
	}
}
