package http_request

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/caldera-ci/caldera/pkg/models"
)

// HTTPRequestAction calls an external system on behalf of a stage. Deploy
// hooks, build service kicks and notification webhooks all go through here.
type HTTPRequestAction struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
	Timeout time.Duration
	Retry   RetryConfig
}

type RetryConfig struct {
	Attempts int
	Delay    int
}

func NewHTTPRequestAction(config map[string]any) (*HTTPRequestAction, error) {
	method, _ := config["method"].(string)
	url, _ := config["url"].(string)
	body, _ := config["body"].(string)

	if url == "" {
		return nil, fmt.Errorf("http_request action requires a url")
	}

	headers := make(map[string]string)

	if headersConfig, exists := config["headers"]; exists {
		if headersMap, ok := headersConfig.(map[string]any); ok {
			for k, v := range headersMap {
				if strVal, ok := v.(string); ok {
					headers[k] = strVal
				}
			}
		}
	}

	retry := RetryConfig{Attempts: 1, Delay: 0}

	if retryConfig, exists := config["retry"]; exists {
		if retryMap, ok := retryConfig.(map[string]any); ok {
			if attempts, ok := retryMap["attempts"].(float64); ok {
				retry.Attempts = int(attempts)
			}

			if attempts, ok := retryMap["attempts"].(int); ok {
				retry.Attempts = attempts
			}

			if delay, ok := retryMap["delay"].(float64); ok {
				retry.Delay = int(delay)
			}

			if delay, ok := retryMap["delay"].(int); ok {
				retry.Delay = delay
			}
		}
	}

	if method == "" {
		method = http.MethodGet
	}

	timeout := 30 * time.Second
	if seconds, ok := config["timeout"].(float64); ok && seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}

	return &HTTPRequestAction{
		Method:  strings.ToUpper(method),
		URL:     url,
		Headers: headers,
		Body:    body,
		Timeout: timeout,
		Retry:   retry,
	}, nil
}

func (a *HTTPRequestAction) Execute(ctx context.Context, params models.RunParameters, logger *slog.Logger) (map[string]any, error) {
	logger = logger.With("action_type", "http_request", "url", a.URL, "method", a.Method)
	logger.Info("Executing HTTP request stage")

	var (
		lastErr error
		resp    *http.Response
	)

	for attempt := 1; attempt <= a.Retry.Attempts; attempt++ {
		if attempt > 1 {
			logger.Info("Retrying HTTP request", "attempt", attempt, "of", a.Retry.Attempts)
			time.Sleep(time.Duration(a.Retry.Delay) * time.Second)
		}

		reqCtx, cancel := context.WithTimeout(ctx, a.Timeout)

		var bodyReader io.Reader
		if a.Body != "" {
			bodyReader = strings.NewReader(a.Body)
		}

		req, err := http.NewRequestWithContext(reqCtx, a.Method, a.URL, bodyReader)
		if err != nil {
			cancel()

			lastErr = fmt.Errorf("failed to create http request: %w", err)

			continue
		}

		for key, value := range a.Headers {
			req.Header.Set(key, value)
		}

		req.Header.Set("X-Caldera-Environment", params.Environment)
		req.Header.Set("X-Caldera-Branch", params.Branch)

		client := &http.Client{}

		resp, err = client.Do(req)

		cancel()

		if err != nil {
			lastErr = fmt.Errorf("http request failed: %w", err)

			continue
		}

		if resp.StatusCode >= 500 && attempt < a.Retry.Attempts {
			if err := resp.Body.Close(); err != nil {
				logger.Error("Failed to close response body", "error", err)
			}

			lastErr = fmt.Errorf("server error (status %d), retrying", resp.StatusCode)

			continue
		}

		break
	}

	if resp == nil {
		return nil, fmt.Errorf("all retry attempts failed, last error: %w", lastErr)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any
	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		body = string(bodyBytes)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("http request returned status %d", resp.StatusCode)
	}

	logger.Info("HTTP request stage completed", "status", resp.StatusCode, "body_length", len(bodyBytes))

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
	}, nil
}
