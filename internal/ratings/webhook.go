package ratings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var errMissingWebhookURL = errors.New("ratings: webhook url is required")

// WebhookCalculator posts requests to an external rating service.
type WebhookCalculator struct {
	url    string
	client *http.Client
}

func NewWebhookCalculator(url string, client *http.Client) (*WebhookCalculator, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errMissingWebhookURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &WebhookCalculator{url: url, client: client}, nil
}

func (c *WebhookCalculator) Recalculate(ctx context.Context, request Request) error {
	body, err := json.Marshal(request)
	if err != nil {
		return err
	}
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpRequest.Header.Set("Content-Type", "application/json")

	response, err := c.client.Do(httpRequest)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	_, _ = io.Copy(io.Discard, response.Body)

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return fmt.Errorf("rating webhook returned status %d", response.StatusCode)
	}
	return nil
}
