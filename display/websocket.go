package tessitura

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	Tt "github.com/maroda/tessitura/types"
)

const (
	wsBuffer       = 256 // events queued per connection before dropping
	wsWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebsocketHandler streams every sample event as JSON.
// A slow client loses events, the dispatcher is never held up.
func (v *View) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events := make(chan Tt.SampleEvent, wsBuffer)
	var dropped atomic.Uint64
	unlisten := v.Sup.Dispatcher.Listen(func(ev Tt.SampleEvent) {
		select {
		case events <- ev:
		default:
			dropped.Add(1)
		}
	})
	defer unlisten()

	// reader notices the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	slog.Debug("Websocket client connected", slog.String("remote", r.RemoteAddr))
	for {
		select {
		case ev := <-events:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				return // Connection closed
			}
		case <-closed:
			slog.Debug("Websocket client left", slog.String("remote", r.RemoteAddr), slog.Uint64("dropped", dropped.Load()))
			return
		}
	}
}
