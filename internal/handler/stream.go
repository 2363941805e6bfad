package handler

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/audit"
	"github.com/chatrelay/session-relay/internal/broker"
	"github.com/chatrelay/session-relay/internal/config"
	"github.com/chatrelay/session-relay/internal/middleware"
	"github.com/chatrelay/session-relay/internal/service"
)

var (
	errSubscriberClosed   = errors.New("subscriber closed")
	errSubscriberOverflow = errors.New("subscriber send buffer full")
)

// streamSubscriber queues frames for one WebSocket viewer. Send never
// blocks: a full queue marks the viewer as dead.
type streamSubscriber struct {
	events chan broker.Event
	done   chan struct{}
	once   sync.Once
}

func newStreamSubscriber(size int) *streamSubscriber {
	return &streamSubscriber{
		events: make(chan broker.Event, size),
		done:   make(chan struct{}),
	}
}

func (s *streamSubscriber) Send(event broker.Event) error {
	select {
	case <-s.done:
		return errSubscriberClosed
	default:
	}

	select {
	case s.events <- event:
		return nil
	default:
		s.close()
		return errSubscriberOverflow
	}
}

func (s *streamSubscriber) close() {
	s.once.Do(func() { close(s.done) })
}

type StreamHandler struct {
	gateway  *service.Gateway
	upgrader websocket.Upgrader
}

func NewStreamHandler(gateway *service.Gateway, cors *middleware.CORSMiddleware) *StreamHandler {
	return &StreamHandler{
		gateway: gateway,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if cors.Allowed(origin) {
					return true
				}
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventOriginRejected,
					Details: map[string]interface{}{"origin": origin},
				})
				return false
			},
		},
	}
}

// GET /ws
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		log.Debug().Err(err).Str("ip", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	sub := newStreamSubscriber(config.SubscriberBuffer)
	id, err := h.gateway.Open(sub)
	if err != nil {
		log.Warn().Err(err).Msg("failed to open viewer subscription")
		conn.Close()
		return
	}

	log.Info().
		Str("subscriberId", id).
		Str("ip", r.RemoteAddr).
		Msg("viewer connected")

	go h.writePump(id, conn, sub)
	h.readPump(id, conn, sub)
}

// readPump is the only reader of conn. It returns when the viewer goes away
// or the subscription is dropped, and tears the subscription down.
func (h *StreamHandler) readPump(id string, conn *websocket.Conn, sub *streamSubscriber) {
	defer func() {
		h.gateway.Close(id)
		sub.close()
		conn.Close()

		log.Info().Str("subscriberId", id).Msg("viewer disconnected")
	}()

	conn.SetReadLimit(config.StreamMaxCommandSize)
	conn.SetReadDeadline(time.Now().Add(config.StreamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.StreamPongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				log.Debug().Err(err).Str("subscriberId", id).Msg("viewer read error")
			}
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		h.gateway.HandleCommand(id, data)
	}
}

// writePump is the only writer of conn.
func (h *StreamHandler) writePump(id string, conn *websocket.Conn, sub *streamSubscriber) {
	ticker := time.NewTicker(config.StreamPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case <-sub.done:
			// Flush what was queued before the subscription ended, then say goodbye.
			for {
				select {
				case event := <-sub.events:
					if err := writeFrame(conn, event); err != nil {
						return
					}
				default:
					conn.SetWriteDeadline(time.Now().Add(config.StreamWriteWait))
					conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}

		case event := <-sub.events:
			if err := writeFrame(conn, event); err != nil {
				log.Debug().Err(err).Str("subscriberId", id).Msg("viewer write failed")
				sub.close()
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(config.StreamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Str("subscriberId", id).Msg("ping failed, closing viewer")
				sub.close()
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, event broker.Event) error {
	conn.SetWriteDeadline(time.Now().Add(config.StreamWriteWait))
	return conn.WriteMessage(websocket.TextMessage, event.Data)
}
