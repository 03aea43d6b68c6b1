// File: internal/notification/webhook.go
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/smartdevs17/security-event-chain/internal/models"
	"github.com/smartdevs17/security-event-chain/pkg/utils"
)

// Transport delivers one alert to one endpoint
type Transport interface {
	Post(ctx context.Context, url string, payload *models.AlertPayload, timeout time.Duration) error
}

// WebhookResponse represents a webhook response
type WebhookResponse struct {
	StatusCode   int           `json:"status_code"`
	ResponseTime time.Duration `json:"response_time"`
	Body         string        `json:"body,omitempty"`
}

// WebhookTransport posts alerts as JSON over HTTP
type WebhookTransport struct {
	headers    map[string]string
	httpClient *http.Client
	logger     *logrus.Entry
}

// NewWebhookTransport creates a webhook transport sending headers with every request
func NewWebhookTransport(headers map[string]string) *WebhookTransport {
	return &WebhookTransport{
		headers: headers,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     30 * time.Second,
			},
		},
		logger: utils.ComponentLogger("webhook_transport"),
	}
}

// Post sends payload to url. Non-2xx responses are errors.
func (wt *WebhookTransport) Post(ctx context.Context, url string, payload *models.AlertPayload, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	response, err := wt.send(ctx, url, payload)
	fields := logrus.Fields{"url": url, "alert_id": payload.ID}
	if response != nil {
		fields["status_code"] = response.StatusCode
		fields["response_time"] = response.ResponseTime
	}
	if err != nil {
		wt.logger.WithFields(fields).WithError(err).Debug("Webhook delivery failed")
		return err
	}
	wt.logger.WithFields(fields).Debug("Webhook delivered")
	return nil
}

func (wt *WebhookTransport) send(ctx context.Context, url string, payload *models.AlertPayload) (*WebhookResponse, error) {
	startTime := time.Now()

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to marshal webhook payload", err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, utils.NewAppError(utils.ErrCodeInternal, "Failed to create webhook request", err.Error())
	}
	wt.setRequestHeaders(req, payload)

	resp, err := wt.httpClient.Do(req)
	if err != nil {
		return nil, utils.WrapAppError(utils.ErrCodeExternal, "Failed to send webhook", err)
	}
	defer resp.Body.Close()

	// Read response body (limited to prevent memory issues)
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	response := &WebhookResponse{
		StatusCode:   resp.StatusCode,
		ResponseTime: time.Since(startTime),
		Body:         string(body),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return response, utils.NewAppError(utils.ErrCodeExternal,
			"Webhook returned non-success status",
			fmt.Sprintf("status: %d, body: %s", resp.StatusCode, response.Body))
	}
	return response, nil
}

// setRequestHeaders sets HTTP request headers
func (wt *WebhookTransport) setRequestHeaders(req *http.Request, payload *models.AlertPayload) {
	for key, value := range wt.headers {
		req.Header.Set(key, value)
	}

	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "Security-Event-Chain/1.0")
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	req.Header.Set("X-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set("X-Request-ID", payload.ID)
}
