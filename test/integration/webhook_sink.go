package integration

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// ReceivedWebhook is one delivery captured by the sink, with the decoded
// payload and the headers the dispatcher set.
type ReceivedWebhook struct {
	ActionType string
	TenantID   string
	Payload    map[string]any
}

// WebhookSink is a recording HTTP receiver standing in for the downstream
// systems that consume dispatched actions. It answers every POST with the
// configured status code and remembers what it was sent.
type WebhookSink struct {
	server *httptest.Server

	mu       sync.Mutex
	received []ReceivedWebhook
	status   int
}

// newWebhookSink starts a sink answering 200 OK. The server is closed when
// the test completes.
func newWebhookSink(t *testing.T) *WebhookSink {
	t.Helper()

	s := &WebhookSink{status: http.StatusOK}
	s.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var payload map[string]any
		json.Unmarshal(body, &payload)

		s.mu.Lock()
		s.received = append(s.received, ReceivedWebhook{
			ActionType: r.Header.Get("X-Stageflow-Action"),
			TenantID:   r.Header.Get("X-Stageflow-Tenant"),
			Payload:    payload,
		})
		status := s.status
		s.mu.Unlock()

		w.WriteHeader(status)
	}))
	t.Cleanup(s.server.Close)
	return s
}

// URL returns the sink's endpoint URL.
func (s *WebhookSink) URL() string {
	return s.server.URL
}

// Received returns a copy of all deliveries captured so far.
func (s *WebhookSink) Received() []ReceivedWebhook {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ReceivedWebhook, len(s.received))
	copy(out, s.received)
	return out
}

// Count returns the number of deliveries captured so far.
func (s *WebhookSink) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

// RespondWith changes the status code returned to subsequent deliveries.
func (s *WebhookSink) RespondWith(status int) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

// Reset forgets all captured deliveries.
func (s *WebhookSink) Reset() {
	s.mu.Lock()
	s.received = nil
	s.mu.Unlock()
}
