package dataset

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"qbank/internal/metrics"
	"qbank/internal/records"
)

// DefaultHubEndpoint is the public datasets-server rows API.
const DefaultHubEndpoint = "https://datasets-server.huggingface.co/rows"

// hubMaxPage is the largest page the rows API serves.
const hubMaxPage = 100

// Hub pages through a hosted dataset split via the rows API.
type Hub struct {
	Endpoint    string
	Dataset     string
	Config      string
	Split       string
	Token       string
	PageSize    int
	MaxRows     int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	Client *http.Client
	Log    *zap.Logger
}

// NewHTTPClient returns a client tuned for sequential page fetches.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 4,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}

// Stream fetches pages until the split is exhausted or MaxRows is reached.
// Row.Index is the row's position in the split.
func (h *Hub) Stream(ctx context.Context, emit func(records.Row) error) error {
	if strings.TrimSpace(h.Dataset) == "" {
		return fmt.Errorf("hub: dataset name is required")
	}
	page := h.PageSize
	if page <= 0 || page > hubMaxPage {
		page = hubMaxPage
	}
	client := h.Client
	if client == nil {
		client = NewHTTPClient(60 * time.Second)
	}
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}

	index := 0
	for offset := 0; ; offset += page {
		length := page
		if h.MaxRows > 0 {
			if index >= h.MaxRows {
				return nil
			}
			if rem := h.MaxRows - index; rem < length {
				length = rem
			}
		}

		body, err := h.fetch(ctx, client, offset, length)
		if err != nil {
			return err
		}

		rows, err := decodeHubPage(body)
		if err != nil {
			return fmt.Errorf("hub: decode page offset=%d: %w", offset, err)
		}
		got := len(rows)
		for _, obj := range rows {
			if err := emit(records.RowFromObject(index, obj)); err != nil {
				return err
			}
			index++
		}
		log.Debug("hub page fetched", zap.Int("offset", offset), zap.Int("rows", got))
		if got < length {
			return nil
		}
	}
}

// decodeHubPage extracts the row objects of one rows-API response:
// {"features": [...], "rows": [{"row_idx": 0, "row": {...}}, ...]}.
func decodeHubPage(body string) ([]records.Object, error) {
	v, err := records.DecodeJSON([]byte(body))
	if err != nil {
		return nil, err
	}
	env, ok := v.(records.Object)
	if !ok {
		return nil, fmt.Errorf("page is %T, want object", v)
	}
	raw, ok := env.Get("rows")
	if !ok {
		return nil, fmt.Errorf("page has no rows field")
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("rows is %T, want array", raw)
	}
	out := make([]records.Object, 0, len(list))
	for _, el := range list {
		obj, ok := el.(records.Object)
		if !ok {
			return nil, fmt.Errorf("row element is %T, want object", el)
		}
		out = append(out, unwrapRow(obj))
	}
	return out, nil
}

func (h *Hub) pageURL(offset, length int) (string, error) {
	endpoint := h.Endpoint
	if endpoint == "" {
		endpoint = DefaultHubEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("hub: parse endpoint: %w", err)
	}
	cfg := h.Config
	if cfg == "" {
		cfg = "default"
	}
	split := h.Split
	if split == "" {
		split = "train"
	}
	q := u.Query()
	q.Set("dataset", h.Dataset)
	q.Set("config", cfg)
	q.Set("split", split)
	q.Set("offset", strconv.Itoa(offset))
	q.Set("length", strconv.Itoa(length))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// fetch retries transient failures with exponential backoff, honouring
// Retry-After on 429.
func (h *Hub) fetch(ctx context.Context, client *http.Client, offset, length int) (string, error) {
	rawURL, err := h.pageURL(offset, length)
	if err != nil {
		return "", err
	}
	attempts := h.MaxAttempts
	if attempts <= 0 {
		attempts = 4
	}
	base := h.BaseBackoff
	if base <= 0 {
		base = 2 * time.Second
	}
	maxWait := h.MaxBackoff
	if maxWait <= 0 {
		maxWait = 60 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		start := time.Now()
		body, status, retryAfter, err := h.doAttempt(ctx, client, rawURL)
		metrics.RecordHTTP(status, err, time.Since(start))
		if err == nil && status >= 200 && status < 300 {
			return body, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("hub: %s returned status %d", rawURL, status)
			if status >= 400 && status < 500 && status != http.StatusTooManyRequests {
				return "", lastErr
			}
		}
		if attempt == attempts {
			break
		}
		wait := nextRetryDelay(status, retryAfter, attempt, base, maxWait)
		if !sleepContext(ctx, wait) {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

func (h *Hub) doAttempt(ctx context.Context, client *http.Client, rawURL string) (string, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", 0, 0, err
	}
	if h.Token != "" {
		req.Header.Set("Authorization", "Bearer "+h.Token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", 0, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", resp.StatusCode, parseRetryAfter(resp.Header), nil
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", resp.StatusCode, 0, err
	}
	return string(b), resp.StatusCode, 0, nil
}

func nextRetryDelay(status int, retryAfter time.Duration, attempt int, base, max time.Duration) time.Duration {
	if status == http.StatusTooManyRequests && retryAfter > 0 {
		return retryAfter
	}
	d := base << uint(attempt-1)
	if d > max {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func parseRetryAfter(h http.Header) time.Duration {
	ra := strings.TrimSpace(h.Get("Retry-After"))
	if ra == "" {
		return 0
	}
	if secs, err := strconv.Atoi(ra); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(ra); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
