package gateway_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/basket/hostbridge/internal/config"
	"github.com/basket/hostbridge/internal/gateway"
	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/shared"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func authConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled: true,
		Keys: []config.APIKeyEntry{
			{Name: "agent", Key: "test-key-123"},
			{Name: "dashboard", Key: "events-only", Scopes: []string{gateway.ScopeEvents}},
			{Name: "blank", Key: ""},
		},
	}
}

func authRequest(header, value string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, gateway.CommandPath, nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	return req
}

func TestAuthenticator_Rejections(t *testing.T) {
	mw := gateway.NewAuthenticator(authConfig()).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler reached without a valid key")
	}))

	cases := []struct {
		name   string
		req    *http.Request
		status int
		msg    string
	}{
		{"missing", authRequest("", ""), http.StatusUnauthorized, "missing API key"},
		{"wrong bearer", authRequest("Authorization", "Bearer wrong-key"), http.StatusForbidden, "invalid API key"},
		{"wrong header", authRequest("X-API-Key", "test-key-12"), http.StatusForbidden, "invalid API key"},
		{"basic scheme", authRequest("Authorization", "Basic dGVzdA=="), http.StatusUnauthorized, "missing API key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			mw.ServeHTTP(rec, tc.req)
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Fatalf("content type = %q", ct)
			}
			resp, err := protocol.DecodeResponse(rec.Body.Bytes())
			if err != nil || resp.Success || resp.Error != tc.msg {
				t.Fatalf("body %s (err %v), want error %q", rec.Body.String(), err, tc.msg)
			}
		})
	}
}

func TestAuthenticator_AcceptsKnownKey(t *testing.T) {
	var principal string
	var entry *config.APIKeyEntry
	mw := gateway.NewAuthenticator(authConfig()).Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal = shared.Principal(r.Context())
		entry = gateway.KeyEntryFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, authRequest("Authorization", "bearer test-key-123"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if principal != "agent" || entry == nil || entry.Name != "agent" {
		t.Fatalf("principal %q entry %+v", principal, entry)
	}
}

func TestAuthenticator_Verify(t *testing.T) {
	a := gateway.NewAuthenticator(authConfig())
	if e, ok := a.Verify("events-only"); !ok || e.Name != "dashboard" {
		t.Fatalf("Verify(events-only) = %+v, %v", e, ok)
	}
	if _, ok := a.Verify(""); ok {
		t.Fatal("empty key must never verify")
	}
	if _, ok := a.Verify("TEST-KEY-123"); ok {
		t.Fatal("keys are case-sensitive")
	}
}

func TestAuthenticator_Disabled(t *testing.T) {
	mw := gateway.NewAuthenticator(config.AuthConfig{Keys: []config.APIKeyEntry{{Key: "k"}}}).Middleware(okHandler())
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, authRequest("", ""))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d with auth disabled", rec.Code)
	}
}

func TestExtractAPIKey_Sources(t *testing.T) {
	bearer := authRequest("Authorization", "Bearer  a ")
	header := authRequest("X-API-Key", "b")
	query := httptest.NewRequest(http.MethodGet, "/events?api_key=c", nil)
	none := authRequest("", "")

	for req, want := range map[*http.Request]string{bearer: "a", header: "b", query: "c", none: ""} {
		if got := gateway.ExtractAPIKey(req); got != want {
			t.Fatalf("ExtractAPIKey(%v) = %q, want %q", req.Header, got, want)
		}
	}
}

func TestHasScope(t *testing.T) {
	if !gateway.HasScope(context.Background(), gateway.ScopeEvents) {
		t.Fatal("no auth entry should grant every scope")
	}

	grants := map[string][]string{}
	a := gateway.NewAuthenticator(config.AuthConfig{
		Enabled: true,
		Keys: []config.APIKeyEntry{
			{Name: "cmd", Key: "k1", Scopes: []string{gateway.ScopeCommand}},
			{Name: "all", Key: "k2", Scopes: []string{"*"}},
			{Name: "any", Key: "k3"},
		},
	})
	mw := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got []string
		for _, s := range []string{gateway.ScopeCommand, gateway.ScopeEvents} {
			if gateway.HasScope(r.Context(), s) {
				got = append(got, s)
			}
		}
		grants[shared.Principal(r.Context())] = got
	}))
	for _, key := range []string{"k1", "k2", "k3"} {
		mw.ServeHTTP(httptest.NewRecorder(), authRequest("X-API-Key", key))
	}

	want := map[string]string{"cmd": "command", "all": "command,events", "any": "command,events"}
	for name, w := range want {
		if got := strings.Join(grants[name], ","); got != w {
			t.Errorf("%s grants %q, want %q", name, got, w)
		}
	}
}

func TestHTTP_CommandScopeRequired(t *testing.T) {
	srv := startServer(t, gateway.Config{Dispatcher: &recordingDispatcher{}, Auth: authConfig()})

	req, _ := http.NewRequest(http.MethodPost, "http://"+srv.HTTPAddr()+gateway.CommandPath, strings.NewReader(`{"tool":"echo"}`))
	req.Header.Set("X-API-Key", "events-only")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("events-only key on /command: status %d", resp.StatusCode)
	}
}

func TestHTTP_UnknownRouteIs404BeforeAuth(t *testing.T) {
	d := &recordingDispatcher{}
	srv := startServer(t, gateway.Config{Dispatcher: d, Auth: authConfig()})
	base := "http://" + srv.HTTPAddr()

	cases := []struct{ method, path string }{
		{http.MethodPost, "/other"},
		{http.MethodGet, gateway.CommandPath},
		{http.MethodDelete, gateway.CommandPath},
		{http.MethodGet, gateway.EventsPath},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, base+tc.path, strings.NewReader(`{"tool":"echo"}`))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("%s %s without a key: status = %d", tc.method, tc.path, resp.StatusCode)
		}
		if string(raw) != string(gateway.NotFoundBody) {
			t.Fatalf("%s %s: body = %s", tc.method, tc.path, raw)
		}
	}

	req, _ := http.NewRequest(http.MethodPost, base+gateway.CommandPath, strings.NewReader(`{"tool":"echo"}`))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("known route without a key: status = %d", resp.StatusCode)
	}
	if len(d.calls()) != 0 {
		t.Fatal("unauthenticated requests must not dispatch")
	}
}
