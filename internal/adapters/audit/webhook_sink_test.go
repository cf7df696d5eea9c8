package audit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainauth "github.com/casetrail/tcm-ui-api/internal/domain/auth"
)

func testEvent() domainauth.AuditEvent {
	return domainauth.AuditEvent{
		ID:        "event-1",
		ActorID:   "identity-1",
		Action:    domainauth.AuditLogin,
		Outcome:   domainauth.OutcomeSuccess,
		IPAddress: "203.0.113.7",
		Metadata:  map[string]string{"session_id": "session-1"},
		At:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

type capturedRequest struct {
	body    []byte
	headers http.Header
}

func captureServer(t *testing.T, status int) (*httptest.Server, func() []capturedRequest) {
	t.Helper()

	var mu sync.Mutex
	var requests []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		mu.Lock()
		requests = append(requests, capturedRequest{body: body, headers: r.Header.Clone()})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv, func() []capturedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]capturedRequest(nil), requests...)
	}
}

func TestWebhookSink_DeliversEvent(t *testing.T) {
	t.Parallel()

	srv, captured := captureServer(t, http.StatusOK)

	sink, err := NewWebhookSink(WebhookSinkOptions{
		URL:     srv.URL,
		Headers: map[string]string{"X-Api-Key": "secret"},
	})
	require.NoError(t, err)

	sink.Record(context.Background(), testEvent())
	sink.Close()

	requests := captured()
	require.Len(t, requests, 1)
	assert.Equal(t, "application/json", requests[0].headers.Get("Content-Type"))
	assert.Equal(t, "secret", requests[0].headers.Get("X-Api-Key"))

	var event domainauth.AuditEvent
	require.NoError(t, json.Unmarshal(requests[0].body, &event))
	assert.Equal(t, domainauth.AuditLogin, event.Action)
	assert.Equal(t, "identity-1", event.ActorID)
}

func TestWebhookSink_BodyExpression(t *testing.T) {
	t.Parallel()

	srv, captured := captureServer(t, http.StatusOK)

	sink, err := NewWebhookSink(WebhookSinkOptions{
		URL:      srv.URL,
		BodyExpr: `{type: action, who: actor_id}`,
	})
	require.NoError(t, err)

	sink.Record(context.Background(), testEvent())
	sink.Close()

	requests := captured()
	require.Len(t, requests, 1)

	var shaped map[string]string
	require.NoError(t, json.Unmarshal(requests[0].body, &shaped))
	assert.Equal(t, string(domainauth.AuditLogin), shaped["type"])
	assert.Equal(t, "identity-1", shaped["who"])
}

func TestWebhookSink_ToleratesFailures(t *testing.T) {
	t.Parallel()

	srv, captured := captureServer(t, http.StatusBadGateway)

	sink, err := NewWebhookSink(WebhookSinkOptions{URL: srv.URL})
	require.NoError(t, err)

	// A failing collector must not surface into the caller.
	sink.Record(context.Background(), testEvent())
	sink.Close()

	assert.Len(t, captured(), 1)
}

func TestWebhookSink_SurvivesCanceledRequestContext(t *testing.T) {
	t.Parallel()

	srv, captured := captureServer(t, http.StatusOK)

	sink, err := NewWebhookSink(WebhookSinkOptions{URL: srv.URL})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink.Record(ctx, testEvent())
	sink.Close()

	assert.Len(t, captured(), 1)
}

func TestNewWebhookSink_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		opts WebhookSinkOptions
	}{
		{"empty URL", WebhookSinkOptions{}},
		{"bad scheme", WebhookSinkOptions{URL: "ftp://collector.example.com"}},
		{"missing host", WebhookSinkOptions{URL: "https://"}},
		{"bad JMESPath", WebhookSinkOptions{URL: "https://collector.example.com", BodyExpr: "].bad"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewWebhookSink(tt.opts)
			assert.Error(t, err)
		})
	}
}

func TestFanout_RecordsToAllSinks(t *testing.T) {
	t.Parallel()

	var a, b recordingSink
	fanout := NewFanout(&a, nil, &b)

	fanout.Record(context.Background(), testEvent())

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

type recordingSink struct {
	events []domainauth.AuditEvent
}

func (r *recordingSink) Record(_ context.Context, event domainauth.AuditEvent) {
	r.events = append(r.events, event)
}
