package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// WebhookConfig configures an HTTP JSON publishing endpoint.
type WebhookConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	Client   *http.Client
}

// Webhook POSTs the post body as JSON to a per-platform endpoint.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
	now    func() time.Time
}

type webhookPayload struct {
	TaskID   string `json:"task_id"`
	PostID   string `json:"post_id"`
	Platform string `json:"platform"`
	Body     string `json:"body"`
	Attempt  int    `json:"attempt"`
}

func NewWebhook(cfg WebhookConfig) (*Webhook, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New("webhook endpoint is empty")
	}
	c := cfg.Client
	if c == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		c = &http.Client{Timeout: timeout}
	}
	return &Webhook{cfg: cfg, client: c, now: time.Now}, nil
}

func (w *Webhook) Attempt(ctx context.Context, req Request) Outcome {
	body, err := json.Marshal(webhookPayload{
		TaskID:   req.TaskID,
		PostID:   req.PostID,
		Platform: req.Platform,
		Body:     req.Body,
		Attempt:  req.Attempt,
	})
	if err != nil {
		return PermanentReject(fmt.Sprintf("encode payload: %v", err))
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return PermanentReject(fmt.Sprintf("build request: %v", err))
	}
	hreq.Header.Set("Content-Type", "application/json")
	// Delivery is at-least-once; the task id lets the endpoint drop duplicates.
	hreq.Header.Set("Idempotency-Key", req.TaskID)
	if tok := strings.TrimSpace(w.cfg.Token); tok != "" {
		hreq.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := w.client.Do(hreq)
	if err != nil {
		return Transient(err.Error())
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	return classifyHTTP(resp.StatusCode, resp.Header.Get("Retry-After"), strings.TrimSpace(string(snippet)), w.now())
}

func classifyHTTP(code int, retryAfter, detail string, now time.Time) Outcome {
	reason := fmt.Sprintf("http %d", code)
	if detail != "" {
		reason += ": " + detail
	}
	switch {
	case code >= 200 && code < 300:
		return Delivered()
	case code == http.StatusTooManyRequests:
		return RateLimited(parseRetryAfter(retryAfter, now), reason)
	case code == http.StatusRequestTimeout:
		return Transient(reason)
	case code >= 400 && code < 500:
		// Auth failures included: credentials get fixed while the task
		// still has attempts left.
		return Rejected(reason)
	default:
		return Transient(reason)
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
