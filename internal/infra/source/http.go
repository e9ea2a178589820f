package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/indexing/metrics"
)

// HTTPSource reads blocks from a JSON endpoint:
//
//	GET {url}/blocks?after=N&limit=M  ->  {"blocks": [...]}
type HTTPSource struct {
	name       string
	endpoint   string
	httpClient *http.Client
}

var _ Source = (*HTTPSource)(nil)

func NewHTTPSource(name, endpoint string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		name:     name,
		endpoint: strings.TrimSuffix(endpoint, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type blocksResponse struct {
	Blocks []domain.Block `json:"blocks"`
}

func (s *HTTPSource) NextBlocks(ctx context.Context, after uint64, limit uint32) ([]domain.Block, error) {
	start := time.Now()
	blocks, err := s.fetch(ctx, after, limit)
	metrics.SourceLatency.WithLabelValues(s.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SourceErrors.WithLabelValues(s.name, errorType(err)).Inc()
		return nil, err
	}
	return blocks, nil
}

func (s *HTTPSource) fetch(ctx context.Context, after uint64, limit uint32) ([]domain.Block, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatUint(after, 10))
	q.Set("limit", strconv.FormatUint(uint64(limit), 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"/blocks?"+q.Encode(), nil)
	if err != nil {
		return nil, domain.Wrap(domain.ErrExecution, "next_blocks", fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, Classify("next_blocks", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Classify("next_blocks", fmt.Errorf("read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		err := fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if delay, ok := parseRetryAfter(resp.Header.Get("Retry-After")); ok {
			err = &RetryError{Err: err, Delay: delay}
		}
		return nil, domain.Wrap(domain.ErrTransport, "next_blocks", err)
	default:
		return nil, domain.Errorf(domain.ErrExecution, "next_blocks",
			"http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out blocksResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, domain.Wrap(domain.ErrTransport, "next_blocks", fmt.Errorf("parse response: %w", err))
	}
	return out.Blocks, nil
}

func (s *HTTPSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}

// parseRetryAfter accepts the delay-seconds form of Retry-After.
func parseRetryAfter(v string) (time.Duration, bool) {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}
