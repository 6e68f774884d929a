package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/querygate/querygate/internal/hub"
	"github.com/querygate/querygate/internal/registry"
	pkgmw "github.com/querygate/querygate/pkg/middleware"
	"github.com/querygate/querygate/pkg/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Subscribe streams results published on ?topic= over a WebSocket. The
// subscription is admitted on the subscription endpoint before upgrading,
// so a denied client gets a plain 429.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	sub, err := h.Orchestrator.Subscribe(r.Context(), pkgmw.PrincipalID(r.Context()), topic)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	serveStream(w, r, sub, func() { h.Orchestrator.Unsubscribe(sub) })
}

// StatusStream streams agent health transitions over a WebSocket.
func (h *Handlers) StatusStream(w http.ResponseWriter, r *http.Request) {
	sub, err := h.Status.Subscribe(registry.StatusTopic)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	serveStream(w, r, sub, func() { h.Status.Unsubscribe(sub) })
}

// serveStream upgrades the connection and forwards sub's messages until
// the client goes away or the hub ends the subscription.
func serveStream[T any](w http.ResponseWriter, r *http.Request, sub *hub.Subscription[T], unsubscribe func()) {
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("topic", sub.Topic).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	log.Info().Str("subscription", sub.ID).Str("topic", sub.Topic).Msg("Subscriber connected")

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(4096)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case msg, ok := <-sub.C():
			if !ok {
				closeStream(conn, sub.Err())
				log.Info().Str("subscription", sub.ID).Err(sub.Err()).Msg("Subscription ended")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-gone:
			log.Info().Str("subscription", sub.ID).Msg("Subscriber disconnected")
			return
		}
	}
}

// closeStream sends a close frame matching why the hub ended the
// subscription.
func closeStream(conn *websocket.Conn, cause error) {
	code, reason := websocket.CloseNormalClosure, ""
	switch {
	case models.IsKind(cause, models.ErrSubscriberOverflow):
		code, reason = websocket.CloseTryAgainLater, string(models.ErrSubscriberOverflow)
	case errors.Is(cause, hub.ErrClosed):
		code, reason = websocket.CloseGoingAway, "server shutting down"
	}
	deadline := time.Now().Add(wsWriteTimeout)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}
