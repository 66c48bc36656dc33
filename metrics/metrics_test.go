package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init() // a second call must not double-register
}

func TestHandlerServesCounters(t *testing.T) {
	Init()
	CommandsReceived.Inc()
	CommandsSent.WithLabelValues("shard0").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "tqkvproxy_commands_received_total") {
		t.Error("commands_received counter missing from exposition")
	}
	if !strings.Contains(body, `tqkvproxy_commands_sent_total{backend="shard0"}`) {
		t.Error("commands_sent counter missing from exposition")
	}
}
