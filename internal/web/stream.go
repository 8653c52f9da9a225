package web

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteWait = 10 * time.Second
	streamPongWait  = 60 * time.Second
	// Must fire well inside streamPongWait or healthy clients get dropped.
	streamPingPeriod = 30 * time.Second
)

var streamUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades to a websocket and forwards committed events as JSON
// text messages. from_seq picks the starting sequence: the ledger replays the
// backlog from there, then follows live commits. An optional instance
// parameter narrows the stream to one strategy.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	fromSeq, err := queryUint(q.Get("from_seq"))
	if err != nil {
		http.Error(w, errBadParam("from_seq", err).Error(), http.StatusBadRequest)
		return
	}
	instance := q.Get("instance")

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		s.log.Warn("stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, stop, err := s.journal.Tail(ctx, fromSeq)
	if err != nil {
		s.log.Warn("ledger tail failed", zap.Error(err))
		return
	}
	defer stop()

	streamClients.Inc()
	defer streamClients.Dec()

	// The read pump only services pongs and surfaces the peer closing. The
	// hijacked connection does not cancel the request context on its own.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pings := time.NewTicker(streamPingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pings.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// Ledger shut down, tell the peer instead of vanishing.
				_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "ledger closed"))
				return
			}
			if instance != "" && ev.Instance != instance {
				continue
			}
			buf, err := json.Marshal(ev)
			if err != nil {
				s.log.Error("stream encode failed", zap.Error(err))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, buf); err != nil {
				return
			}
			streamedEvents.Inc()
		}
	}
}
