package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nikiz24/proxymon"
)

type retryPayload struct {
	RequestID string `json:"requestId"`
	URL       string `json:"url"`
	Target    string `json:"target"`
	Attempt   int    `json:"attempt"`
	DelayMs   int64  `json:"delayMs"`
}

// retryWebhook asks the host to re-issue a request by POSTing it to url.
type retryWebhook struct {
	url     string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

func newRetryWebhook(url string, timeout time.Duration, logger *zap.Logger) *retryWebhook {
	return &retryWebhook{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
		logger:  logger,
	}
}

func (w *retryWebhook) Reissue(req proxymon.RetryRequest) {
	if err := w.post(req); err != nil {
		w.logger.Warn("retry webhook failed",
			zap.String("id", req.RequestID),
			zap.Int("attempt", req.Attempt),
			zap.Error(err))
	}
}

func (w *retryWebhook) post(req proxymon.RetryRequest) error {
	body, err := json.Marshal(retryPayload{
		RequestID: req.RequestID,
		URL:       req.URL,
		Target:    string(req.Target),
		Attempt:   req.Attempt,
		DelayMs:   req.Delay.Milliseconds(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
