// Package webhook forwards progress events to an external consumer over
// HTTP. Delivery is best-effort by design; the presentation layer owns any
// retry or dedup policy it needs.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	contractx "github.com/tanpawarit/Relay-Multi-Agent-Assistant/agent/contract"
)

type Config struct {
	URL     string        `split_words:"true"`
	Token   string        `split_words:"true"`
	Timeout time.Duration `split_words:"true" default:"10s"`
}

// Publisher POSTs each event as a JSON document to the configured URL.
type Publisher struct {
	endpoint   string
	token      string
	httpClient *http.Client
}

func NewPublisher(cfg Config) (*Publisher, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	if endpoint == "" {
		return nil, errors.New("webhook url is required")
	}
	if _, err := url.ParseRequestURI(endpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Publisher{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func MustNew(cfg Config) *Publisher {
	p, err := NewPublisher(cfg)
	if err != nil {
		panic(err)
	}
	return p
}

// Publish delivers one event. Non-2xx responses are reported as errors so
// the caller can log them; events are never retried here.
func (p *Publisher) Publish(ctx context.Context, event contractx.ProgressEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal progress event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver progress event: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("webhook status=%d", resp.StatusCode)
	}
	return nil
}
