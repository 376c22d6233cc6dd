// Package metrics holds the prometheus collectors published by the encryption core. Each
// client owns its own Metrics so several clients can live in one process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "e2ee"

type Metrics struct {
	Decrypted          *prometheus.CounterVec
	DecryptionFailures *prometheus.CounterVec
	Encrypted          *prometheus.CounterVec
	OlmSessionsCreated prometheus.Counter

	SolicitationsSent     prometheus.Counter
	SolicitationsReceived prometheus.Counter
	ResponsesSent         *prometheus.CounterVec
	FulfillmentsObserved  prometheus.Counter
	KeysImported          prometheus.Counter
	RequestsOutstanding   prometheus.Gauge
}

// New builds the collectors and registers them with reg. A nil reg leaves them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Decrypted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decrypted_events_total",
				Help:      "Number of events decrypted, by algorithm",
			},
			[]string{"algorithm"},
		),
		DecryptionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decryption_failures_total",
				Help:      "Number of events which failed to decrypt, by error code",
			},
			[]string{"code"},
		),
		Encrypted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "encrypted_messages_total",
				Help:      "Number of messages encrypted, by algorithm",
			},
			[]string{"algorithm"},
		),
		OlmSessionsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "olm_sessions_created_total",
				Help:      "Number of outbound pairwise sessions created",
			},
		),
		SolicitationsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_solicitations_sent_total",
				Help:      "Number of key solicitations posted",
			},
		),
		SolicitationsReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_solicitations_received_total",
				Help:      "Number of key solicitations received from other devices",
			},
		),
		ResponsesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_responses_sent_total",
				Help:      "Number of key responses sent, by kind",
			},
			[]string{"kind"},
		),
		FulfillmentsObserved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "key_fulfillments_observed_total",
				Help:      "Number of responses skipped because another member already answered",
			},
		),
		KeysImported: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "keys_imported_total",
				Help:      "Number of group session keys imported from key responses",
			},
		),
		RequestsOutstanding: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "key_requests_outstanding",
				Help:      "Number of conversations with an unresolved key request",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.Decrypted,
			m.DecryptionFailures,
			m.Encrypted,
			m.OlmSessionsCreated,
			m.SolicitationsSent,
			m.SolicitationsReceived,
			m.ResponsesSent,
			m.FulfillmentsObserved,
			m.KeysImported,
			m.RequestsOutstanding,
		)
	}
	return m
}
