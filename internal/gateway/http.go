package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"go.opentelemetry.io/otel/metric"

	hbotel "github.com/basket/hostbridge/internal/otel"
	"github.com/basket/hostbridge/internal/protocol"
	"github.com/basket/hostbridge/internal/shared"
)

const (
	// CommandPath is the only route that dispatches commands.
	CommandPath = "/command"
	// EventsPath streams job events over a websocket when enabled.
	EventsPath = "/events"
)

// NotFoundBody is returned for every unknown method or path.
var NotFoundBody = protocol.EncodeResponse(protocol.Fail("Not found"))

// Handler returns the HTTP routes. Unknown routes and methods answer the
// fixed 404 body before auth and rate limiting see the request.
func (s *Server) Handler() http.Handler {
	guarded := s.rateLimit.Middleware(s.auth.Middleware(http.HandlerFunc(s.route)))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.routable(r) {
			writeBody(w, http.StatusNotFound, NotFoundBody)
			return
		}
		guarded.ServeHTTP(w, r)
	})
}

func (s *Server) routable(r *http.Request) bool {
	switch r.URL.Path {
	case CommandPath:
		return r.Method == http.MethodPost
	case EventsPath:
		return r.Method == http.MethodGet && s.eventsEnabled()
	}
	return false
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == EventsPath {
		s.handleEvents(w, r)
		return
	}
	s.handleCommand(w, r)
}

func (s *Server) eventsEnabled() bool {
	return s.cfg.HTTP.EventsEnabled && s.cfg.Bus != nil
}

// handleCommand decodes one envelope, dispatches it and always answers 200;
// the Response's success field carries the outcome.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeBody(w, http.StatusNotFound, NotFoundBody)
		return
	}
	if !HasScope(r.Context(), ScopeCommand) {
		writeResponse(w, http.StatusForbidden, protocol.Fail("API key lacks the command scope"))
		return
	}

	select {
	case s.inflight <- struct{}{}:
	case <-r.Context().Done():
		return
	}
	defer func() { <-s.inflight }()

	ctx := shared.WithTransport(r.Context(), "http")
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if m := s.cfg.Metrics; m != nil {
		attrs := metric.WithAttributes(hbotel.AttrTransport.String("http"))
		m.ActiveConnections.Add(ctx, 1, attrs)
		defer m.ActiveConnections.Add(ctx, -1, attrs)
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.HTTP.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeResponse(w, http.StatusOK, protocol.Failf("Request body exceeds %d bytes.", tooLarge.Limit))
			return
		}
		s.logger.Warn("http read failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	env, decErr := protocol.DecodeEnvelope(body)
	if decErr != nil {
		s.logger.Debug("http envelope not decodable", "remote", r.RemoteAddr, "error", decErr)
	}

	ctx, span := hbotel.StartServerSpan(hbotel.ExtractHeader(ctx, r.Header), s.tracer, "POST "+CommandPath,
		hbotel.AttrTransport.String("http"),
		hbotel.AttrToolName.String(env.Tool),
	)
	resp := s.cfg.Dispatcher.Dispatch(ctx, env)
	hbotel.EndSpan(span, resp.Success, resp.Error)

	writeResponse(w, http.StatusOK, resp)
}

func writeResponse(w http.ResponseWriter, status int, resp protocol.Response) {
	writeBody(w, status, protocol.EncodeResponse(resp))
}

func writeBody(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
