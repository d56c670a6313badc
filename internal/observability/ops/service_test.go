package ops

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"confessbot/internal/config"
	"confessbot/internal/observability/metrics"
	logx "confessbot/pkg/logx"
)

func TestHandlerRoutesAndAuth(t *testing.T) {
	t.Parallel()

	m := metrics.New()
	m.Submission(metrics.OutcomeAccepted)
	ready := errors.New("db down")
	s := New(Config{}, m.Registry, func(context.Context) error { return ready }, logx.Nop())
	h := s.Handler(Config{Token: "secret", Metrics: true})

	cases := []struct {
		name   string
		path   string
		auth   string
		status int
		body   string
	}{
		{"no token", "/healthz", "", http.StatusUnauthorized, "unauthorized"},
		{"query token", "/healthz?token=secret", "", http.StatusOK, "ok"},
		{"bearer", "/healthz", "Bearer secret", http.StatusOK, "ok"},
		{"wrong bearer", "/healthz", "Bearer nope", http.StatusUnauthorized, ""},
		{"not ready", "/readyz?token=secret", "", http.StatusServiceUnavailable, "db down"},
		{"metrics", "/metrics?token=secret", "", http.StatusOK, `confessbot_submissions_total{outcome="accepted"} 1`},
		{"pprof off", "/debug/pprof/?token=secret", "", http.StatusNotFound, ""},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		if tc.auth != "" {
			req.Header.Set("Authorization", tc.auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.status || !strings.Contains(rec.Body.String(), tc.body) {
			t.Fatalf("%s: status=%d body=%q", tc.name, rec.Code, rec.Body.String())
		}
	}
}

func TestFromConfigDefaults(t *testing.T) {
	t.Parallel()

	c := FromConfig(config.OpsConfig{Enabled: true, Token: " t "})
	if c.Addr != config.DefaultOpsAddr || c.Token != "t" || c.ReadTimeout <= 0 {
		t.Fatalf("cfg=%+v", c)
	}
}

func TestServeOnceRefusesInsecureBind(t *testing.T) {
	t.Parallel()

	s := New(Config{Enabled: true, Addr: "0.0.0.0:0"}, nil, nil, logx.Nop())
	if err := s.serveOnce(context.Background()); err == nil || !strings.Contains(err.Error(), "insecure") {
		t.Fatalf("err=%v", err)
	}
}
