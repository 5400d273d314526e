package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/hostbridge/internal/bus"
	"github.com/basket/hostbridge/internal/protocol"
)

const eventWriteTimeout = 5 * time.Second

// EventFrame is one websocket message on GET /events.
type EventFrame struct {
	Topic string       `json:"topic"`
	Job   bus.JobEvent `json:"job"`
}

// handleEvents upgrades to a websocket and forwards job events until either
// side closes. The optional job_id query param narrows the feed to one job.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeBody(w, http.StatusNotFound, NotFoundBody)
		return
	}
	if !HasScope(r.Context(), ScopeEvents) {
		writeResponse(w, http.StatusForbidden, protocol.Fail("API key lacks the events scope"))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.HTTP.AllowOrigins,
	})
	if err != nil {
		s.logger.Warn("events: websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer conn.CloseNow()

	jobID := r.URL.Query().Get("job_id")
	sub := s.cfg.Bus.Subscribe(bus.Filter{Prefix: bus.TopicJobPrefix, JobID: jobID})
	defer func() {
		s.cfg.Bus.Unsubscribe(sub)
		if n := sub.Dropped(); n > 0 {
			s.logger.Warn("events: subscriber fell behind", "remote", r.RemoteAddr, "dropped", n)
		}
	}()

	// CloseRead discards client frames and cancels ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())
	s.logger.Debug("events: client connected", "remote", r.RemoteAddr, "job_id", jobID)

	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := s.writeEvent(ctx, conn, EventFrame{Topic: ev.Topic, Job: ev.Job}); err != nil {
				s.logger.Debug("events: write failed, closing", "remote", r.RemoteAddr, "error", err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, frame EventFrame) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, frame)
}
