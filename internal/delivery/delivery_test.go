package delivery

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestWebhookClassifiesResponses(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		status    int
		header    string
		kind      Kind
		permanent bool
		after     time.Duration
	}{
		{"ok", http.StatusOK, "", KindDelivered, false, 0},
		{"created", http.StatusCreated, "", KindDelivered, false, 0},
		{"rate limited", http.StatusTooManyRequests, "12", KindRateLimited, false, 12 * time.Second},
		{"unauthorized", http.StatusUnauthorized, "", KindRejected, false, 0},
		{"forbidden", http.StatusForbidden, "", KindRejected, false, 0},
		{"bad request", http.StatusBadRequest, "", KindRejected, false, 0},
		{"server error", http.StatusBadGateway, "", KindTransientError, false, 0},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tc.header != "" {
					w.Header().Set("Retry-After", tc.header)
				}
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			wh, err := NewWebhook(WebhookConfig{Endpoint: srv.URL})
			if err != nil {
				t.Fatalf("NewWebhook: %v", err)
			}
			out := wh.Attempt(context.Background(), Request{TaskID: "t1", PostID: "p1", Platform: "x", Body: "hi", Attempt: 1})
			if out.Kind != tc.kind || out.Permanent != tc.permanent || out.RetryAfter != tc.after {
				t.Fatalf("outcome = %+v", out)
			}
		})
	}
}

func TestWebhookSendsPayloadAndHeaders(t *testing.T) {
	t.Parallel()
	var got webhookPayload
	var auth, idem string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	wh, _ := NewWebhook(WebhookConfig{Endpoint: srv.URL, Token: "secret"})
	out := wh.Attempt(context.Background(), Request{TaskID: "t9", PostID: "p9", Platform: "mastodon", Body: "hello", Attempt: 2})
	if !out.Delivered() {
		t.Fatalf("outcome = %+v", out)
	}
	if auth != "Bearer secret" || idem != "t9" {
		t.Fatalf("headers auth=%q idem=%q", auth, idem)
	}
	if got.Body != "hello" || got.Platform != "mastodon" || got.Attempt != 2 {
		t.Fatalf("payload = %+v", got)
	}
}

func TestWebhookTransportErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	wh, _ := NewWebhook(WebhookConfig{Endpoint: url, Timeout: time.Second})
	out := wh.Attempt(context.Background(), Request{TaskID: "t"})
	if out.Kind != KindTransientError {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := parseRetryAfter("30", now); got != 30*time.Second {
		t.Fatalf("seconds: %s", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := parseRetryAfter(date, now); got != 90*time.Second {
		t.Fatalf("date: %s", got)
	}
	if got := parseRetryAfter("garbage", now); got != 0 {
		t.Fatalf("garbage: %s", got)
	}
	if got := parseRetryAfter("-4", now); got != 0 {
		t.Fatalf("negative: %s", got)
	}
}

func TestOutcomeRetryable(t *testing.T) {
	cases := []struct {
		out  Outcome
		want bool
	}{
		{Delivered(), false},
		{RateLimited(time.Second, "slow down"), true},
		{Rejected("bad"), true},
		{PermanentReject("banned"), false},
		{Transient("timeout"), true},
	}
	for _, tc := range cases {
		if got := tc.out.Retryable(); got != tc.want {
			t.Fatalf("%s: Retryable = %v, want %v", tc.out, got, tc.want)
		}
	}
}

func TestRegistryLookupIsCaseInsensitive(t *testing.T) {
	r := NewRegistry()
	r.Register("X", Func(func(context.Context, Request) Outcome { return Delivered() }))
	if _, ok := r.Get(" x "); !ok {
		t.Fatal("expected adapter for x")
	}
	if _, ok := r.Get("threads"); ok {
		t.Fatal("unexpected adapter for threads")
	}
	if got := r.Platforms(); len(got) != 1 || got[0] != "x" {
		t.Fatalf("Platforms = %v", got)
	}
}

func TestUnconfiguredRejectsPermanently(t *testing.T) {
	out := Unconfigured("linkedin").Attempt(context.Background(), Request{})
	if out.Kind != KindRejected || !out.Permanent || !strings.Contains(out.Reason, "linkedin") {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestTelegramSendFloodAndAuth(t *testing.T) {
	t.Parallel()
	var mode atomic.Int32 // 0 ok, 1 flood, 2 unauthorized
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/sendMessage") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch mode.Load() {
		case 1:
			_, _ = io.WriteString(w, `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`)
			return
		case 2:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = io.WriteString(w, `{"ok":false,"error_code":401,"description":"Unauthorized"}`)
			return
		}
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":42,"date":1700000000,"chat":{"id":-100,"type":"channel"},"text":"hi"}}`)
	}))
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: -100, URL: srv.URL})
	if err != nil {
		t.Fatalf("NewTelegram: %v", err)
	}
	if out := tg.Attempt(context.Background(), Request{Body: "hi"}); !out.Delivered() {
		t.Fatalf("outcome = %+v", out)
	}

	mode.Store(1)
	out := tg.Attempt(context.Background(), Request{Body: "hi"})
	if out.Kind != KindRateLimited {
		t.Fatalf("outcome = %+v", out)
	}

	mode.Store(2)
	out = tg.Attempt(context.Background(), Request{Body: "hi"})
	if out.Kind != KindRejected || out.Permanent || !out.Retryable() {
		t.Fatalf("unauthorized outcome = %+v", out)
	}
}

func TestNewTelegramValidates(t *testing.T) {
	if _, err := NewTelegram(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatal("expected error for empty token")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "x"}); err == nil {
		t.Fatal("expected error for empty chat id")
	}
}
