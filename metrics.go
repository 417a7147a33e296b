package keyshare

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	requestsSent     prometheus.Counter
	requestTimeouts  prometheus.Counter
	sendFailures     prometheus.Counter
	inboundRequests  *prometheus.CounterVec
	responses        *prometheus.CounterVec
	sessionsImported prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requestsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keyshare_key_requests_sent_total",
				Help: "Number of room key requests dispatched to peers",
			},
		),
		requestTimeouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keyshare_key_request_timeouts_total",
				Help: "Number of room key requests which got no answer in time",
			},
		),
		sendFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keyshare_key_request_send_failures_total",
				Help: "Number of room key requests which could not be sent",
			},
		),
		inboundRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyshare_inbound_key_requests_total",
				Help: "Number of room key requests received from peers",
			},
			[]string{"outcome"},
		),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keyshare_key_responses_total",
				Help: "Number of room key responses received from peers",
			},
			[]string{"kind"},
		),
		sessionsImported: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "keyshare_sessions_imported_total",
				Help: "Number of group sessions imported from key responses",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(
			m.requestsSent,
			m.requestTimeouts,
			m.sendFailures,
			m.inboundRequests,
			m.responses,
			m.sessionsImported,
		)
	}
	return m
}
