package handler

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/session-relay/internal/broker"
	"github.com/chatrelay/session-relay/internal/middleware"
	"github.com/chatrelay/session-relay/internal/service"
	"github.com/chatrelay/session-relay/internal/util"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testTiming() service.Timing {
	return service.Timing{
		CodeIssueDelay: 5 * time.Millisecond,
		PairingTimeout: 500 * time.Millisecond,
		ConnectDelay:   30 * time.Millisecond,
		ActivityDelay:  time.Hour,
		AutoReplyMin:   time.Hour,
		AutoReplyMax:   time.Hour,
	}
}

func newTestGateway(t *testing.T) (*service.Gateway, *service.SessionService) {
	t.Helper()
	session := service.NewSessionService(testTiming())
	b := broker.NewBroker(nil)
	t.Cleanup(func() {
		session.Close()
		b.Close()
	})
	return service.NewGateway(session, b), session
}

// connectDevice pairs the shared session without a viewer stream.
func connectDevice(t *testing.T, gw *service.Gateway, session *service.SessionService) {
	t.Helper()
	_, err := gw.IssueCode()
	require.NoError(t, err)
	require.NoError(t, session.SimulateConnect())
	require.Eventually(t, func() bool { return gw.Status().Ready }, waitFor, tick)
}

type recordingSubscriber struct {
	mu     sync.Mutex
	frames [][]byte
}

func (s *recordingSubscriber) Send(event broker.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, append([]byte(nil), event.Data...))
	return nil
}

func (s *recordingSubscriber) has(frame string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.frames {
		if string(f) == frame {
			return true
		}
	}
	return false
}

func (s *recordingSubscriber) last() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec, resp
}

func TestRelayHandler_Status(t *testing.T) {
	gw, session := newTestGateway(t)
	routes := NewRelayHandler(gw).Routes()

	t.Run("reports a fresh session", func(t *testing.T) {
		rec, resp := doJSON(t, routes, "GET", "/status", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.NotContains(t, resp, "device")
		assert.Equal(t, "disconnected", resp["status"])
		assert.Equal(t, "uninitialized", resp["state"])
		assert.Equal(t, false, resp["whatsapp_ready"])
		assert.Equal(t, float64(0), resp["connections"])
		assert.NotZero(t, resp["timestamp"])
	})

	t.Run("counts stream subscribers", func(t *testing.T) {
		_, err := gw.Open(&recordingSubscriber{})
		require.NoError(t, err)

		_, resp := doJSON(t, routes, "GET", "/status", "")
		assert.Equal(t, float64(1), resp["connections"])
	})

	t.Run("reports a connected device", func(t *testing.T) {
		connectDevice(t, gw, session)

		_, resp := doJSON(t, routes, "GET", "/status", "")
		assert.Equal(t, "connected", resp["status"])
		assert.Equal(t, true, resp["whatsapp_ready"])

		device, ok := resp["device"].(map[string]any)
		require.True(t, ok, "connected status carries the device")
		assert.Equal(t, session.Snapshot().Device.ID, device["id"])
	})
}

func TestRelayHandler_SendMessage(t *testing.T) {
	t.Run("rejects while not connected", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		routes := NewRelayHandler(gw).Routes()

		rec, resp := doJSON(t, routes, "POST", "/send-message", `{"to":"33612345678@c.us","body":"hi"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "SESSION_NOT_CONNECTED", resp["code"])
		assert.Equal(t, false, resp["success"])
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		routes := NewRelayHandler(gw).Routes()

		rec, resp := doJSON(t, routes, "POST", "/send-message", `{"to":`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", resp["code"])
	})

	t.Run("sends through the shared session", func(t *testing.T) {
		gw, session := newTestGateway(t)
		routes := NewRelayHandler(gw).Routes()
		connectDevice(t, gw, session)

		viewer := &recordingSubscriber{}
		_, err := gw.Open(viewer)
		require.NoError(t, err)

		rec, resp := doJSON(t, routes, "POST", "/send-message", `{"to":"33612345678@c.us","body":"Bonjour"}`)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, resp["success"])
		assert.Equal(t, "Message sent", resp["message"])
		assert.NotEmpty(t, resp["id"])

		var frame map[string]any
		require.NoError(t, json.Unmarshal(viewer.last(), &frame))
		assert.Equal(t, "message_sent", frame["type"])
		assert.Equal(t, resp["id"], frame["id"])
	})

	t.Run("accepts the legacy message field", func(t *testing.T) {
		gw, session := newTestGateway(t)
		routes := NewRelayHandler(gw).Routes()
		connectDevice(t, gw, session)

		rec, _ := doJSON(t, routes, "POST", "/send-message", `{"to":"33612345678@c.us","message":"Salut"}`)
		require.Equal(t, http.StatusOK, rec.Code)

		msgs := session.Messages("33612345678@c.us")
		require.Len(t, msgs, 1)
		assert.Equal(t, "Salut", msgs[0].Body)
	})

	t.Run("requires a recipient", func(t *testing.T) {
		gw, session := newTestGateway(t)
		routes := NewRelayHandler(gw).Routes()
		connectDevice(t, gw, session)

		rec, resp := doJSON(t, routes, "POST", "/send-message", `{"body":"hi"}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "MISSING_REQUIRED", resp["code"])
	})
}

func TestRelayHandler_Conversations(t *testing.T) {
	gw, session := newTestGateway(t)
	routes := NewRelayHandler(gw).Routes()

	_, resp := doJSON(t, routes, "GET", "/conversations", "")
	assert.Empty(t, resp["conversations"])

	connectDevice(t, gw, session)
	_, err := gw.SendMessageOnce("33698765432@c.us", "Hello")
	require.NoError(t, err)

	rec, resp := doJSON(t, routes, "GET", "/conversations", "")
	require.Equal(t, http.StatusOK, rec.Code)

	list, ok := resp["conversations"].([]any)
	require.True(t, ok)
	require.Len(t, list, 1)

	conv := list[0].(map[string]any)
	assert.Equal(t, "33698765432@c.us", conv["peer"])
	assert.Equal(t, "Bruno Petit", conv["contactName"])
	assert.Equal(t, float64(0), conv["unread"])
}

func TestRelayHandler_GenerateCode(t *testing.T) {
	gw, session := newTestGateway(t)
	routes := NewRelayHandler(gw).Routes()

	rec, resp := doJSON(t, routes, "POST", "/generate-qr", "")
	require.Equal(t, http.StatusOK, rec.Code)

	code, _ := resp["qr"].(string)
	assert.True(t, strings.HasPrefix(code, "2@"), code)
	assert.Equal(t, float64(testTiming().PairingTimeout.Milliseconds()), resp["expires_in"])
	assert.Equal(t, code, session.Snapshot().Code)

	_, again := doJSON(t, routes, "POST", "/generate-qr", "")
	assert.NotEqual(t, code, again["qr"])

	connectDevice(t, gw, session)

	rec, resp = doJSON(t, routes, "POST", "/generate-qr", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ALREADY_CONNECTED", resp["code"])
}

func TestRelayHandler_Logout(t *testing.T) {
	t.Run("rejects when nothing is paired", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		routes := NewRelayHandler(gw).Routes()

		rec, resp := doJSON(t, routes, "POST", "/logout", "")

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "INVALID_STATE", resp["code"])
	})

	t.Run("disconnects the device", func(t *testing.T) {
		gw, session := newTestGateway(t)
		routes := NewRelayHandler(gw).Routes()
		connectDevice(t, gw, session)

		rec, resp := doJSON(t, routes, "POST", "/logout", "")

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, true, resp["success"])
		assert.False(t, gw.Status().Ready)
	})
}

func TestRelayHandler_Webhook(t *testing.T) {
	frame := `{"type":"message_received","data":{"from":"33612345678@c.us","body":"yo"},"timestamp":1700000000000}`

	t.Run("rebroadcasts the frame verbatim", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		h := http.HandlerFunc(NewRelayHandler(gw).Webhook)

		viewer := &recordingSubscriber{}
		_, err := gw.Open(viewer)
		require.NoError(t, err)

		rec, resp := doJSON(t, h, "POST", "/webhook", frame)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.Equal(t, true, resp["success"])
		assert.True(t, viewer.has(frame))
	})

	t.Run("requires a type", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		h := http.HandlerFunc(NewRelayHandler(gw).Webhook)

		rec, resp := doJSON(t, h, "POST", "/webhook", `{"data":{}}`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "MISSING_REQUIRED", resp["code"])
	})

	t.Run("rejects non-object bodies", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		h := http.HandlerFunc(NewRelayHandler(gw).Webhook)

		rec, resp := doJSON(t, h, "POST", "/webhook", `[1,2,3]`)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "VALIDATION_ERROR", resp["code"])
	})

	t.Run("signature is enforced in front of the handler", func(t *testing.T) {
		gw, _ := newTestGateway(t)
		viewer := &recordingSubscriber{}
		_, err := gw.Open(viewer)
		require.NoError(t, err)

		secret := "0123456789abcdef0123456789abcdef"
		h := middleware.NewSignatureMiddleware(secret).Handler(http.HandlerFunc(NewRelayHandler(gw).Webhook))

		req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(frame))
		req.Header.Set(middleware.SignatureHeader, util.HmacSHA256("wrong", frame))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, viewer.has(frame))

		req = httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(frame))
		req.Header.Set(middleware.SignatureHeader, util.HmacSHA256(secret, frame))
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.True(t, viewer.has(frame))
	})
}

func TestRelayHandler_RouteGuards(t *testing.T) {
	frame := `{"type":"custom","data":{"n":1}}`
	secret := "0123456789abcdef0123456789abcdef"

	gw, session := newTestGateway(t)
	limiter := middleware.NewRateLimiter()
	routes := NewRelayHandler(gw,
		WithSendGuards(middleware.NewIPRateLimitMiddleware(limiter, 1, "send").Handler),
		WithCodeGuards(middleware.NewIPRateLimitMiddleware(limiter, 1, "qr").Handler),
		WithWebhookGuards(middleware.NewSignatureMiddleware(secret).Handler),
	).Routes()

	viewer := &recordingSubscriber{}
	_, err := gw.Open(viewer)
	require.NoError(t, err)

	t.Run("webhook is mounted behind its guards", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(frame))
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		req = httptest.NewRequest("POST", "/webhook", bytes.NewBufferString(frame))
		req.Header.Set(middleware.SignatureHeader, util.HmacSHA256(secret, frame))
		rec = httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.True(t, viewer.has(frame))
	})

	t.Run("code issue is rate limited", func(t *testing.T) {
		rec, _ := doJSON(t, routes, "POST", "/generate-qr", "")
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, resp := doJSON(t, routes, "POST", "/generate-qr", "")
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "RATE_LIMIT_EXCEEDED", resp["code"])
	})

	t.Run("send is rate limited", func(t *testing.T) {
		require.NoError(t, session.SimulateConnect())
		require.Eventually(t, func() bool { return gw.Status().Ready }, waitFor, tick)

		body := `{"to":"33612345678@c.us","body":"hi"}`
		rec, _ := doJSON(t, routes, "POST", "/send-message", body)
		assert.Equal(t, http.StatusOK, rec.Code)

		rec, _ = doJSON(t, routes, "POST", "/send-message", body)
		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	})

	t.Run("unguarded routes stay open", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			rec, _ := doJSON(t, routes, "GET", "/status", "")
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	})
}
