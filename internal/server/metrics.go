package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scopeserver_state",
		Help: "Current lifecycle state of the interface server.",
	})

	metricFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scopeserver_frames_total",
		Help: "Control frames dispatched, by command.",
	}, []string{"cmd"})

	metricReplyBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scopeserver_reply_bytes_total",
		Help: "Bytes written to the control socket as replies.",
	})

	metricDataBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scopeserver_data_bytes_total",
		Help: "Acquisition bytes written to the data socket.",
	})

	metricSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scopeserver_sessions_total",
		Help: "Client sessions accepted, by kind.",
	}, []string{"kind"})
)
