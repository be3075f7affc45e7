// Package tweet はツイートを保存・配信するバックエンドAPIのクライアントを提供する。
package tweet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/gossip/internal/metrics"
	"github.com/hitoshi/gossip/internal/model"
)

const serviceName = "backend"

// listResponse は GET /api/tweets/{userId} のレスポンス。
// 成功時は tweets、失敗時は error が設定される。
type listResponse struct {
	Tweets []model.Tweet `json:"tweets"`
	Error  any           `json:"error"`
}

// postRequest は POST /api/tweet/{userId} のリクエストボディ。
type postRequest struct {
	Content string `json:"content"`
}

// postErrorResponse は投稿失敗時のレスポンス。
type postErrorResponse struct {
	Detail any `json:"detail"`
}

// Client はバックエンドAPIのHTTPクライアント。
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
	baseURL    string
}

// NewClient はClientを生成する。
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

// List は指定ユーザーの最近のツイート一覧を取得する。
// 2xx以外は*model.StatusError、ボディに error がある場合は*model.PayloadErrorを返す。
func (c *Client) List(ctx context.Context, userID string) ([]model.Tweet, error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordUpstreamLatency(serviceName, "list_tweets", time.Since(start))
	}()

	reqURL := c.baseURL + "/api/tweets/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create list request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(serviceName, "list_tweets", metrics.OutcomeNetworkError)
		return nil, fmt.Errorf("list request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.metrics.RecordUpstreamRequest(serviceName, "list_tweets", metrics.OutcomeStatusError)
		return nil, &model.StatusError{StatusCode: resp.StatusCode}
	}

	var body listResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		c.metrics.RecordUpstreamRequest(serviceName, "list_tweets", metrics.OutcomePayloadError)
		return nil, fmt.Errorf("failed to parse list response: %w", err)
	}

	if msg := errorText(body.Error); msg != "" {
		c.metrics.RecordUpstreamRequest(serviceName, "list_tweets", metrics.OutcomePayloadError)
		return nil, &model.PayloadError{Message: msg}
	}

	c.metrics.RecordUpstreamRequest(serviceName, "list_tweets", metrics.OutcomeSuccess)

	if body.Tweets == nil {
		return []model.Tweet{}, nil
	}
	return body.Tweets, nil
}

// Post はツイートを作成する。
// 2xxの場合はボディを読まずに成功とする。
// それ以外は detail フィールドを保持した*model.PostErrorを返す。
func (c *Client) Post(ctx context.Context, userID, content string) error {
	start := time.Now()
	defer func() {
		c.metrics.RecordUpstreamLatency(serviceName, "post_tweet", time.Since(start))
	}()

	payload, err := json.Marshal(postRequest{Content: content})
	if err != nil {
		return fmt.Errorf("failed to encode post request: %w", err)
	}

	reqURL := c.baseURL + "/api/tweet/" + url.PathEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create post request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordUpstreamRequest(serviceName, "post_tweet", metrics.OutcomeNetworkError)
		return fmt.Errorf("post request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		c.metrics.RecordUpstreamRequest(serviceName, "post_tweet", metrics.OutcomeSuccess)
		return nil
	}

	c.metrics.RecordUpstreamRequest(serviceName, "post_tweet", metrics.OutcomeStatusError)

	postErr := &model.PostError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Warn("failed to read post error body", slog.String("error", err.Error()))
		return postErr
	}

	var errBody postErrorResponse
	if err := json.Unmarshal(body, &errBody); err != nil {
		c.logger.Warn("failed to parse post error body",
			slog.Int("status", resp.StatusCode),
			slog.String("error", err.Error()),
		)
		return postErr
	}
	postErr.Detail = errorText(errBody.Detail)
	return postErr
}

// errorText はJSONの error / detail フィールドを表示用文字列に変換する。
// 文字列以外（オブジェクトや配列）はJSONとして文字列化する。
// null・空文字列・false・0 は空文字列を返す。
func errorText(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		if !val {
			return ""
		}
		return "true"
	case float64:
		if val == 0 {
			return ""
		}
		return fmt.Sprint(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}
