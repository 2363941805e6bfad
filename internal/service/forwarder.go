package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/chatrelay/session-relay/internal/broker"
	"github.com/chatrelay/session-relay/internal/metrics"
	"github.com/chatrelay/session-relay/internal/util"
)

const (
	forwardTimeout   = 5 * time.Second
	forwardQueueSize = 256

	// ForwardSignatureHeader matches the header the webhook ingress verifies,
	// so one relay can forward into another.
	ForwardSignatureHeader = "X-Relay-Signature"
)

var errForwardQueueFull = errors.New("forward queue full")

// Forwarder posts every session event frame to an external webhook, signed
// with HMAC-SHA256 when a secret is set. Delivery is best effort: frames
// are queued without blocking the session and dropped when the queue is
// full or the target fails.
type Forwarder struct {
	target string
	secret string
	client *http.Client

	queue chan broker.Event
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

func NewForwarder(target, secret string) (*Forwarder, error) {
	if !isValidForwardURL(target) {
		return nil, fmt.Errorf("invalid forward URL %q", target)
	}

	return &Forwarder{
		target: target,
		secret: secret,
		client: &http.Client{
			Timeout: forwardTimeout,
		},
		queue: make(chan broker.Event, forwardQueueSize),
		done:  make(chan struct{}),
	}, nil
}

func (f *Forwarder) Start() {
	f.wg.Add(1)
	go f.run()
	log.Info().Str("url", f.target).Msg("event forwarder started")
}

// Stop delivers what is already queued and waits for the worker to exit.
func (f *Forwarder) Stop() {
	f.once.Do(func() { close(f.done) })
	f.wg.Wait()
	log.Info().Msg("event forwarder stopped")
}

// Send queues event for delivery.
func (f *Forwarder) Send(event broker.Event) error {
	select {
	case f.queue <- event:
		return nil
	default:
		metrics.ForwardedEvents.WithLabelValues("dropped").Inc()
		return errForwardQueueFull
	}
}

func (f *Forwarder) run() {
	defer f.wg.Done()

	for {
		select {
		case event := <-f.queue:
			f.forward(event)
		case <-f.done:
			for {
				select {
				case event := <-f.queue:
					f.forward(event)
				default:
					return
				}
			}
		}
	}
}

func (f *Forwarder) forward(event broker.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), forwardTimeout)
	defer cancel()

	if err := f.deliver(ctx, event); err != nil {
		metrics.ForwardedEvents.WithLabelValues("failed").Inc()
		log.Warn().
			Err(err).
			Str("eventType", event.Type).
			Msg("event forward failed")
		return
	}
	metrics.ForwardedEvents.WithLabelValues("delivered").Inc()
}

func (f *Forwarder) deliver(ctx context.Context, event broker.Event) error {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.target, bytes.NewReader(event.Data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if f.secret != "" {
		req.Header.Set(ForwardSignatureHeader, util.HmacSHA256(f.secret, string(event.Data)))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("forward request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("forward failed with status %d", resp.StatusCode)
	}

	log.Debug().
		Str("eventType", event.Type).
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Msg("event forwarded")

	return nil
}

func isValidForwardURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return false
	}
	return parsed.Hostname() != ""
}
