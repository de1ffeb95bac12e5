package web

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rfeldman/goldwatch/internal/model"
)

const (
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser clients come from anywhere, same as the original dashboard.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// pushMessage is one named message on the browser stream.
type pushMessage struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

// priceEventName maps a venue to its browser message name.
func priceEventName(v model.Venue) string {
	switch v {
	case model.VenueBrokerage:
		return "mt5_price_update"
	case model.VenueExchange:
		return "binance_price_update"
	default:
		return string(v) + "_price_update"
	}
}

// handleStream upgrades to WebSocket and relays hub events to the client.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe()
	defer sub.Close()

	s.logger.Info("stream client connected", "subscriber", sub.ID())

	// Replay each venue's last-known tick so the client starts with a
	// populated view.
	for v, snap := range s.hub.Snapshot() {
		if snap.LatestTick == nil {
			continue
		}
		if err := s.writeMessage(conn, pushMessage{Event: priceEventName(v), Data: snap.LatestTick}); err != nil {
			return
		}
	}

	// Reader: only consumes control frames and detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(wsPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-done:
			s.logger.Info("stream client disconnected",
				"subscriber", sub.ID(),
				"dropped", sub.Dropped(),
			)
			return

		case <-pinger.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}

		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := s.writeMessage(conn, s.toPush(ev)); err != nil {
				return
			}
		}
	}
}

// toPush converts a hub event into its browser message.
func (s *Server) toPush(ev model.Event) pushMessage {
	switch ev.Kind {
	case model.EventTick:
		return pushMessage{Event: priceEventName(ev.Tick.Venue), Data: ev.Tick}
	case model.EventStatusChange:
		return pushMessage{Event: "status_update", Data: ev.Status}
	default:
		return pushMessage{Event: string(ev.Kind), Data: ev}
	}
}

func (s *Server) writeMessage(conn *websocket.Conn, msg pushMessage) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(msg)
}
