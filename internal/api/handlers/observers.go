package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/baharkarakas/fxcard-wallet/internal/middleware"
	"github.com/baharkarakas/fxcard-wallet/internal/notify"
)

type Registry interface {
	Register(userID string, c notify.Conn)
	Unregister(userID string, c notify.Conn)
}

// ObserverHandler upgrades to a websocket and keeps it registered for the
// caller until the client goes away. The connection is write-only from the
// server's side; inbound frames are read and discarded to see pongs and closes.
type ObserverHandler struct {
	Hub      Registry
	Upgrader websocket.Upgrader
	Log      *slog.Logger
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 50 * time.Second
)

func (h *ObserverHandler) Connect(w http.ResponseWriter, r *http.Request) {
	uid, ok := userOrFail(w, r)
	if !ok {
		return
	}
	c, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		middleware.Logger(r.Context(), h.Log).Debug("websocket upgrade failed", "err", err)
		return
	}
	h.Hub.Register(uid, c)
	h.Log.Info("observer connected", "user_id", uid)

	done := make(chan struct{})
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}()

	c.SetReadLimit(512)
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error { return c.SetReadDeadline(time.Now().Add(pongWait)) })
	for {
		if _, _, err := c.NextReader(); err != nil {
			break
		}
	}
	close(done)
	h.Hub.Unregister(uid, c)
	h.Log.Info("observer disconnected", "user_id", uid)
}
