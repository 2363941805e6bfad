package service

import (
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/config"
	apperrors "github.com/chatrelay/session-relay/internal/errors"
	"github.com/chatrelay/session-relay/internal/metrics"
	"github.com/chatrelay/session-relay/internal/model"
)

const (
	pairingExpiredError = "pairing code expired"
	deviceIDAlphabet    = "0123456789abcdefghijklmnopqrstuvwxyz"
	deviceIDLength      = 9
	selfAddress         = "me"
)

// Timing holds the artificial delays of the simulated session.
type Timing struct {
	CodeIssueDelay time.Duration
	PairingTimeout time.Duration
	ConnectDelay   time.Duration
	ActivityDelay  time.Duration
	AutoReplyMin   time.Duration
	AutoReplyMax   time.Duration
}

func TimingFromConfig(cfg *config.Config) Timing {
	return Timing{
		CodeIssueDelay: cfg.CodeIssueDelay(),
		PairingTimeout: cfg.PairingTimeout(),
		ConnectDelay:   cfg.ConnectDelay(),
		ActivityDelay:  cfg.ActivityDelay(),
		AutoReplyMin:   cfg.AutoReplyMinDelay(),
		AutoReplyMax:   cfg.AutoReplyMaxDelay(),
	}
}

type Contact struct {
	Peer string
	Name string
}

var defaultContacts = []Contact{
	{Peer: "33612345678@c.us", Name: "Alice Martin"},
	{Peer: "33698765432@c.us", Name: "Bruno Petit"},
	{Peer: "33655511122@c.us", Name: "Chloé Bernard"},
}

var defaultDevice = model.Device{Name: "Mon iPhone", Phone: "33600000000"}

var inboundBodies = []string{
	"Bonjour ! Vous êtes disponible ?",
	"Merci pour votre retour.",
	"Je voulais avoir des nouvelles de ma commande.",
}

var autoReplyBodies = []string{
	"Bien reçu, merci !",
	"D'accord, je regarde ça.",
	"Parfait 👍",
	"Je vous réponds dans la journée.",
}

type SessionOption func(*SessionService)

// WithCodeGenerator replaces GeneratePairingCode.
func WithCodeGenerator(fn func() string) SessionOption {
	return func(s *SessionService) { s.generate = fn }
}

func WithContacts(contacts []Contact) SessionOption {
	return func(s *SessionService) { s.contacts = contacts }
}

// SessionService owns the single simulated device session of the process.
//
// All state transitions and every emission happen under mu, so listeners
// observe events in the order transitions occurred. Each scheduled callback
// captures the generation it was armed in and does nothing once a newer
// cycle (Refresh, Initialize from a terminal state, Disconnect) or connect
// attempt has superseded it.
type SessionService struct {
	timing   Timing
	generate func() string
	contacts []Contact

	mu       sync.Mutex
	listener func(model.Event)
	closed   bool

	state         model.SessionState
	code          string
	codeExpiresAt time.Time
	device        *model.Device
	lastError     string
	book          *conversationBook

	cycle   uint64
	attempt uint64

	issueTimer    *time.Timer
	guardTimer    *time.Timer
	connectTimer  *time.Timer
	activityTimer *time.Timer
	replyTimers   map[*time.Timer]struct{}
}

func NewSessionService(timing Timing, opts ...SessionOption) *SessionService {
	s := &SessionService{
		timing:      timing,
		generate:    GeneratePairingCode,
		contacts:    defaultContacts,
		state:       model.SessionStateUninitialized,
		book:        newConversationBook(),
		replyTimers: make(map[*time.Timer]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnEvent sets the listener that receives every emitted event. The listener
// runs with the session lock held and must not call back into the session.
func (s *SessionService) OnEvent(fn func(model.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = fn
}

// Initialize starts a pairing cycle from uninitialized, disconnected or error.
// It is a no-op while a code issue is pending or a cycle is in progress.
func (s *SessionService) Initialize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.state.Recoverable() || s.issueTimer != nil {
		return
	}

	s.cycle++
	gen := s.cycle
	s.issueTimer = time.AfterFunc(s.timing.CodeIssueDelay, func() { s.onIssue(gen) })

	log.Debug().
		Str("state", string(s.state)).
		Dur("delay", s.timing.CodeIssueDelay).
		Msg("pairing code issue scheduled")
}

// Refresh cancels everything in flight and issues a new code immediately.
func (s *SessionService) Refresh() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ""
	}
	return s.refreshLocked()
}

// RefreshUnlessConnected behaves like Refresh but refuses to drop a connected
// device.
func (s *SessionService) RefreshUnlessConnected() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == model.SessionStateConnected {
		return "", apperrors.AlreadyConnected()
	}
	if s.closed {
		return "", apperrors.Unavailable("Session")
	}
	return s.refreshLocked(), nil
}

func (s *SessionService) refreshLocked() string {
	s.stopTimersLocked()
	s.cycle++
	s.device = nil
	s.lastError = ""
	s.book.reset()

	s.issueCodeLocked()
	return s.code
}

// SimulateConnect starts the connect sequence. A second call while connecting
// restarts the connect delay.
func (s *SessionService) SimulateConnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.SessionStateCodeIssued && s.state != model.SessionStateConnecting {
		return apperrors.InvalidState("simulate connect", string(s.state))
	}

	stopTimer(&s.guardTimer)
	stopTimer(&s.connectTimer)
	s.attempt++
	gen, attempt := s.cycle, s.attempt

	s.code = ""
	s.codeExpiresAt = time.Time{}
	s.setStateLocked(model.SessionStateConnecting)
	s.emitLocked(model.ConnectingEvent())

	s.connectTimer = time.AfterFunc(s.timing.ConnectDelay, func() { s.onConnected(gen, attempt) })
	return nil
}

// SendMessage records an outbound message and schedules the peer's
// auto-reply.
func (s *SessionService) SendMessage(to, body string) (*model.Message, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return nil, apperrors.MissingRequired("to")
	}
	if strings.TrimSpace(body) == "" {
		return nil, apperrors.MissingRequired("body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.SessionStateConnected {
		return nil, apperrors.SessionNotConnected()
	}

	msg := s.book.append(model.Message{
		ID:          uuid.NewString(),
		From:        s.selfAddressLocked(),
		To:          to,
		Body:        body,
		FromMe:      true,
		ContactName: s.contactNameLocked(to),
		Timestamp:   time.Now(),
	})
	s.book.markRead(to)
	s.emitLocked(model.MessageSentEvent(msg))

	s.scheduleReplyLocked(to)

	log.Info().
		Str("messageId", msg.ID).
		Str("to", to).
		Msg("message sent")

	return &msg, nil
}

// Disconnect drops the device or abandons the pairing in progress.
func (s *SessionService) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case model.SessionStateConnected, model.SessionStateConnecting, model.SessionStateCodeIssued:
	default:
		return apperrors.InvalidState("disconnect", string(s.state))
	}

	s.stopTimersLocked()
	s.cycle++
	s.device = nil
	s.code = ""
	s.codeExpiresAt = time.Time{}
	s.lastError = ""
	s.setStateLocked(model.SessionStateDisconnected)
	s.emitLocked(model.ErrorEvent("Device disconnected", "", model.SessionStateDisconnected))
	return nil
}

func (s *SessionService) Conversations() []model.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.summaries()
}

// Messages returns the history exchanged with peer, oldest first.
func (s *SessionService) Messages(peer string) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.messages(peer)
}

func (s *SessionService) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// WithSnapshot runs fn with the current snapshot while no event can be
// emitted, so a caller can replay state and subscribe without gaps.
func (s *SessionService) WithSnapshot(fn func(model.SessionSnapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.snapshotLocked())
}

// Close stops every pending timer. The session emits nothing afterwards.
func (s *SessionService) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.cycle++
	s.stopTimersLocked()
}

func (s *SessionService) snapshotLocked() model.SessionSnapshot {
	snap := model.SessionSnapshot{
		State:         s.state,
		Code:          s.code,
		CodeExpiresAt: s.codeExpiresAt,
		LastError:     s.lastError,
	}
	if s.device != nil {
		d := *s.device
		snap.Device = &d
	}
	return snap
}

func (s *SessionService) issueCodeLocked() {
	s.code = s.generate()
	s.codeExpiresAt = time.Now().Add(s.timing.PairingTimeout)
	s.lastError = ""
	s.device = nil

	gen := s.cycle
	s.guardTimer = time.AfterFunc(s.timing.PairingTimeout, func() { s.onPairingTimeout(gen) })

	s.setStateLocked(model.SessionStateCodeIssued)
	s.emitLocked(model.QREvent(s.code, s.timing.PairingTimeout))
}

func (s *SessionService) onIssue(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.cycle || s.closed {
		return
	}
	s.issueTimer = nil
	s.issueCodeLocked()
}

func (s *SessionService) onPairingTimeout(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.cycle || s.closed {
		return
	}
	// A connect attempt already in flight always completes.
	if s.state != model.SessionStateCodeIssued {
		return
	}

	s.guardTimer = nil
	s.code = ""
	s.codeExpiresAt = time.Time{}
	s.lastError = pairingExpiredError
	s.setStateLocked(model.SessionStateError)
	s.emitLocked(model.ErrorEvent(
		"Pairing code expired, refresh to get a new one",
		string(apperrors.ErrCodePairingTimeout),
		model.SessionStateError,
	))
}

func (s *SessionService) onConnected(gen, attempt uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.cycle || attempt != s.attempt || s.closed {
		return
	}
	if s.state != model.SessionStateConnecting {
		return
	}

	s.connectTimer = nil
	stopTimer(&s.guardTimer)

	device := defaultDevice
	device.ID = "device_" + randomDeviceSuffix()
	s.device = &device

	s.setStateLocked(model.SessionStateConnected)
	s.emitLocked(model.ConnectedEvent(device))

	s.activityTimer = time.AfterFunc(s.timing.ActivityDelay, func() { s.onActivity(gen) })
}

func (s *SessionService) onActivity(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.cycle || s.closed || s.state != model.SessionStateConnected {
		return
	}
	s.activityTimer = nil

	if len(s.contacts) == 0 {
		return
	}

	count := 1 + rand.IntN(len(s.contacts))
	for i, idx := range rand.Perm(len(s.contacts))[:count] {
		contact := s.contacts[idx]
		msg := s.book.append(model.Message{
			ID:          uuid.NewString(),
			From:        contact.Peer,
			To:          s.selfAddressLocked(),
			Body:        inboundBodies[i%len(inboundBodies)],
			ContactName: contact.Name,
			Timestamp:   time.Now(),
		})
		s.emitLocked(model.MessageReceivedEvent(msg))
	}
}

func (s *SessionService) scheduleReplyLocked(peer string) {
	gen := s.cycle
	delay := s.autoReplyDelay()

	// The callback blocks on mu until the handle below is recorded.
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() { s.onAutoReply(gen, &timer, peer) })
	s.replyTimers[timer] = struct{}{}
}

func (s *SessionService) onAutoReply(gen uint64, timer **time.Timer, peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.replyTimers, *timer)
	if gen != s.cycle || s.closed || s.state != model.SessionStateConnected {
		return
	}

	msg := s.book.append(model.Message{
		ID:          uuid.NewString(),
		From:        peer,
		To:          s.selfAddressLocked(),
		Body:        autoReplyBodies[rand.IntN(len(autoReplyBodies))],
		ContactName: s.contactNameLocked(peer),
		Timestamp:   time.Now(),
	})
	s.emitLocked(model.MessageReceivedEvent(msg))
}

func (s *SessionService) autoReplyDelay() time.Duration {
	lo, hi := s.timing.AutoReplyMin, s.timing.AutoReplyMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func (s *SessionService) contactNameLocked(peer string) string {
	if name := s.book.contactName(peer); name != "" {
		return name
	}
	for _, c := range s.contacts {
		if c.Peer == peer {
			return c.Name
		}
	}
	return ""
}

func (s *SessionService) selfAddressLocked() string {
	if s.device != nil && s.device.Phone != "" {
		return s.device.Phone
	}
	return selfAddress
}

func (s *SessionService) stopTimersLocked() {
	stopTimer(&s.issueTimer)
	stopTimer(&s.guardTimer)
	stopTimer(&s.connectTimer)
	stopTimer(&s.activityTimer)
	for t := range s.replyTimers {
		t.Stop()
	}
	clear(s.replyTimers)
}

func (s *SessionService) setStateLocked(next model.SessionState) {
	prev := s.state
	s.state = next
	metrics.SessionTransitions.WithLabelValues(string(next)).Inc()

	log.Info().
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("session state changed")
}

func (s *SessionService) emitLocked(event model.Event) {
	if s.listener == nil {
		return
	}
	s.listener(event)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func randomDeviceSuffix() string {
	var b strings.Builder
	b.Grow(deviceIDLength)
	for i := 0; i < deviceIDLength; i++ {
		b.WriteByte(deviceIDAlphabet[rand.IntN(len(deviceIDAlphabet))])
	}
	return b.String()
}
