package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T, s *Sink) string {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(body)
}

func TestSinkCountersAndHistograms(t *testing.T) {
	s := New()
	s.IncCounter("sessions_created_total", nil)
	s.IncCounter("sessions_created_total", nil)
	s.IncCounter("ratelimit_rejected_total", map[string]string{"scope": "connection"})
	s.IncCounter("ratelimit_rejected_total", map[string]string{"wrong": "labels"})
	s.ObserveHistogram("session_duration_seconds", 42, nil)
	s.Gauge("sessions_active", "Live sessions.", func() float64 { return 3 })

	out := scrape(t, s)
	for _, want := range []string{
		"ephemeral_chat_sessions_created_total 2",
		`ephemeral_chat_ratelimit_rejected_total{scope="connection"} 1`,
		"ephemeral_chat_session_duration_seconds_count 1",
		"ephemeral_chat_sessions_active 3",
		"# HELP ephemeral_chat_sessions_created_total Sessions created.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
	if strings.Contains(out, `wrong="labels"`) {
		t.Errorf("mismatched label set should be dropped")
	}
}
