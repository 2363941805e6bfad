package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/chatrelay/session-relay/internal/broker"
	apperrors "github.com/chatrelay/session-relay/internal/errors"
	"github.com/chatrelay/session-relay/internal/metrics"
	"github.com/chatrelay/session-relay/internal/model"
)

type GatewayStatus struct {
	State       model.SessionState
	Ready       bool
	Connections int
	Device      *model.Device
}

type IssuedCode struct {
	Code      string
	ExpiresIn time.Duration
}

// Gateway connects viewer subscriptions to the process-wide session. It
// keeps no state of its own beyond what the broker tracks.
type Gateway struct {
	session *SessionService
	broker  *broker.Broker
	forward broker.Subscriber
}

type GatewayOption func(*Gateway)

// WithForwarder also hands every session event to sub, outside the broker.
// Webhook-ingested frames are not forwarded.
func WithForwarder(sub broker.Subscriber) GatewayOption {
	return func(g *Gateway) { g.forward = sub }
}

func NewGateway(session *SessionService, b *broker.Broker, opts ...GatewayOption) *Gateway {
	g := &Gateway{session: session, broker: b}
	for _, opt := range opts {
		opt(g)
	}
	session.OnEvent(g.broadcast)
	return g
}

// Open registers sub, sends it one frame describing the current session
// state and makes sure a pairing cycle is running. The replay and the
// registration happen with session emissions held off, so sub sees no gap
// and no duplicate.
func (g *Gateway) Open(sub broker.Subscriber) (string, error) {
	id := uuid.NewString()

	var openErr error
	g.session.WithSnapshot(func(snap model.SessionSnapshot) {
		frame, err := encodeEvent(replayEvent(snap, time.Now()))
		if err != nil {
			openErr = fmt.Errorf("encode replay: %w", err)
			return
		}
		if err := sub.Send(frame); err != nil {
			openErr = fmt.Errorf("send replay: %w", err)
			return
		}
		g.broker.Add(id, sub)
	})
	if openErr != nil {
		return "", openErr
	}

	g.session.Initialize()
	return id, nil
}

func (g *Gateway) Close(id string) {
	g.broker.Remove(id)
}

// HandleCommand dispatches one raw command frame from subscriber id. Any
// failure is reported to that subscriber only.
func (g *Gateway) HandleCommand(id string, raw []byte) {
	command, err := g.dispatch(id, raw)

	result := "ok"
	if err != nil {
		result = "error"
		g.sendError(id, err)

		log.Debug().
			Err(err).
			Str("subscriberId", id).
			Str("command", command).
			Msg("command rejected")
	}
	metrics.Commands.WithLabelValues(command, result).Inc()
}

func (g *Gateway) dispatch(id string, raw []byte) (string, error) {
	if !gjson.ValidBytes(raw) {
		return "invalid", apperrors.InvalidCommand("Malformed command frame")
	}

	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String || typ.String() == "" {
		return "invalid", apperrors.InvalidCommand("Command type is required")
	}

	switch command := model.CommandType(typ.String()); command {
	case model.CommandRefreshCode:
		g.session.Refresh()
		return string(command), nil

	case model.CommandSimulateConnect:
		return string(command), g.session.SimulateConnect()

	case model.CommandSendMessage:
		args := gjson.GetManyBytes(raw, "to", "body", "message")
		body := args[1].String()
		if !args[1].Exists() {
			body = args[2].String()
		}
		_, err := g.session.SendMessage(args[0].String(), body)
		return string(command), err

	case model.CommandGetConversations:
		return string(command), g.sendTo(id, model.ConversationsEvent(g.session.Conversations()))

	default:
		return "unknown", apperrors.InvalidCommand(fmt.Sprintf("Unknown command type: %s", typ.String()))
	}
}

func (g *Gateway) Status() GatewayStatus {
	snap := g.session.Snapshot()
	return GatewayStatus{
		State:       snap.State,
		Ready:       snap.Ready(),
		Connections: g.broker.Count(),
		Device:      snap.Device,
	}
}

// SendMessageOnce sends through the shared session without a subscription.
func (g *Gateway) SendMessageOnce(to, body string) (*model.Message, error) {
	return g.session.SendMessage(to, body)
}

func (g *Gateway) Conversations() []model.ConversationSummary {
	return g.session.Conversations()
}

// IssueCode refreshes the pairing code unless a device is connected.
func (g *Gateway) IssueCode() (*IssuedCode, error) {
	code, err := g.session.RefreshUnlessConnected()
	if err != nil {
		return nil, err
	}
	return &IssuedCode{Code: code, ExpiresIn: g.session.timing.PairingTimeout}, nil
}

func (g *Gateway) Disconnect() error {
	return g.session.Disconnect()
}

// Ingest rebroadcasts an externally produced event frame verbatim to every
// subscriber of every relay instance.
func (g *Gateway) Ingest(ctx context.Context, raw []byte) error {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return apperrors.ValidationError("Event must be a JSON object")
	}

	typ := gjson.GetBytes(raw, "type")
	if typ.Type != gjson.String || typ.String() == "" {
		return apperrors.MissingRequired("type")
	}

	event := broker.Event{
		Type: typ.String(),
		Data: json.RawMessage(append([]byte(nil), raw...)),
	}
	if err := g.broker.Publish(ctx, event); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	metrics.WebhookEvents.WithLabelValues(event.Type).Inc()

	log.Info().
		Str("eventType", event.Type).
		Msg("external event ingested")

	return nil
}

func (g *Gateway) broadcast(event model.Event) {
	frame, err := encodeEvent(event)
	if err != nil {
		log.Error().Err(err).Str("eventType", string(event.Type)).Msg("failed to encode event")
		return
	}
	g.broker.Broadcast(frame)

	if g.forward != nil {
		if err := g.forward.Send(frame); err != nil {
			log.Warn().Err(err).Str("eventType", frame.Type).Msg("failed to queue event for forwarding")
		}
	}
}

func (g *Gateway) sendTo(id string, event model.Event) error {
	frame, err := encodeEvent(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return g.broker.Send(id, frame)
}

func (g *Gateway) sendError(id string, err error) {
	appErr, ok := apperrors.AsAppError(err)
	if !ok {
		appErr = apperrors.Internal("Command failed")
	}

	event := model.ErrorEvent(appErr.Message, string(appErr.Code), "")
	if sendErr := g.sendTo(id, event); sendErr != nil {
		log.Debug().Err(sendErr).Str("subscriberId", id).Msg("failed to deliver command error")
	}
}

// replayEvent describes snap to a viewer that just subscribed.
func replayEvent(snap model.SessionSnapshot, now time.Time) model.Event {
	switch snap.State {
	case model.SessionStateCodeIssued:
		return model.QREvent(snap.Code, snap.CodeExpiresIn(now))
	case model.SessionStateConnecting:
		return model.ConnectingEvent()
	case model.SessionStateConnected:
		if snap.Device != nil {
			return model.ConnectedEvent(*snap.Device)
		}
	}
	return model.InitializingEvent(snap.State, snap.LastError)
}

func encodeEvent(event model.Event) (broker.Event, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return broker.Event{}, err
	}
	return broker.Event{Type: string(event.Type), Data: data}, nil
}
