package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "session_relay"

var (
	Subscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "subscribers",
		Help:      "Number of viewer subscriptions currently registered",
	})

	SubscribersDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "subscribers_dropped_total",
		Help:      "Number of subscribers removed after a failed delivery",
	})

	EventsBroadcast = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "events_broadcast_total",
		Help:      "Number of events fanned out to subscribers",
	}, []string{"event_type"})

	SessionTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "transitions_total",
		Help:      "Number of session state transitions by target state",
	}, []string{"state"})

	Commands = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "commands_total",
		Help:      "Number of viewer commands handled",
	}, []string{"command", "result"})

	WebhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "gateway",
		Name:      "webhook_events_total",
		Help:      "Number of events accepted through the webhook ingress",
	}, []string{"event_type"})

	ForwardedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "forwarder",
		Name:      "events_total",
		Help:      "Number of session events pushed to the forward webhook by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		Subscribers,
		SubscribersDropped,
		EventsBroadcast,
		SessionTransitions,
		Commands,
		WebhookEvents,
		ForwardedEvents,
	)
}
