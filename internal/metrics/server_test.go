package metrics

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestServerEndpoints(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := New()
	m.SendsTotal.WithLabelValues("number", "success").Inc()

	tests := []struct {
		name       string
		allowedIPs []string
		path       string
		remoteAddr string
		wantStatus int
		wantBody   string
	}{
		{"metrics open", nil, "/metrics", "1.2.3.4:1", http.StatusOK, "campaignd_sends_total"},
		{"metrics allowed", []string{"10.0.0.0/8"}, "/metrics", "10.1.1.1:1", http.StatusOK, "campaignd_sends_total"},
		{"metrics denied", []string{"10.0.0.0/8"}, "/metrics", "1.2.3.4:1", http.StatusForbidden, ""},
		{"health not filtered", []string{"10.0.0.0/8"}, "/health", "1.2.3.4:1", http.StatusOK, "OK"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(m, ":0", "/metrics", tt.allowedIPs, logger)

			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			s.Handler().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantBody != "" && !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("body does not contain %q", tt.wantBody)
			}
		})
	}
}
