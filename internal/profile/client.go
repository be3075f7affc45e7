// Package profile はプロフィールサービスのクライアントを提供する。
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/gossip/internal/metrics"
	"github.com/hitoshi/gossip/internal/model"
)

const serviceName = "profile"

// Client はプロフィールサービスのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string
}

// NewClient はClientを生成する。
// baseURLは GET {baseURL}/api/profile/{userId} の {baseURL} 部分。
func NewClient(httpClient *http.Client, logger *slog.Logger, collector metrics.MetricsCollector, baseURL string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	if collector == nil {
		collector = metrics.NopCollector{}
	}
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		metrics:    collector,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// Fetch は指定ユーザーのプロフィールを取得する。
// 2xx以外のステータスは*model.StatusErrorとして返す。
func (c *Client) Fetch(ctx context.Context, userID string) (*model.Profile, error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordUpstreamLatency(serviceName, "fetch_profile", time.Since(start))
	}()

	reqURL := c.baseURL + "/api/profile/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(serviceName, "fetch_profile", metrics.OutcomeNetworkError)
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.RecordUpstreamRequest(serviceName, "fetch_profile", metrics.OutcomeStatusError)
		return nil, &model.StatusError{StatusCode: resp.StatusCode}
	}

	var p model.Profile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		c.metrics.RecordUpstreamRequest(serviceName, "fetch_profile", metrics.OutcomePayloadError)
		return nil, fmt.Errorf("failed to parse profile response: %w", err)
	}

	c.metrics.RecordUpstreamRequest(serviceName, "fetch_profile", metrics.OutcomeSuccess)
	c.logger.Debug("profile fetched", slog.String("user_id", userID))
	return &p, nil
}
