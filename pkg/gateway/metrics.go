package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "xiaozhi",
		Subsystem: "gateway",
		Name:      "connected_devices",
		Help:      "Devices with a live, identified session.",
	})
	acceptedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xiaozhi",
		Subsystem: "gateway",
		Name:      "connections_total",
		Help:      "WebSocket connections accepted on the device path.",
	})
	protocolViolations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaozhi",
		Subsystem: "gateway",
		Name:      "protocol_violations_total",
		Help:      "Connections closed with a policy violation.",
	}, []string{"reason"})
	turnOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaozhi",
		Subsystem: "gateway",
		Name:      "turns_total",
		Help:      "Completed turns by outcome code.",
	}, []string{"outcome"})
	audioBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "xiaozhi",
		Subsystem: "gateway",
		Name:      "audio_bytes_total",
		Help:      "Binary audio bytes received from devices.",
	})
	speechDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xiaozhi",
		Subsystem: "gateway",
		Name:      "tts_total",
		Help:      "Speech dispatches by result.",
	}, []string{"result"})
)
