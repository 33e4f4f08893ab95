package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	connectedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "wasmbed_gateway_connected_devices",
		Help: "Number of devices with a live session on this gateway.",
	})
	heartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wasmbed_gateway_heartbeats_total",
		Help: "Heartbeats received from devices.",
	})
	enrollmentsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wasmbed_gateway_enrollments_total",
		Help: "Successful device enrollments.",
	})
	enrollmentFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wasmbed_gateway_enrollment_failures_total",
		Help: "Rejected or failed connection attempts.",
	})
	sweepEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "wasmbed_gateway_heartbeat_evictions_total",
		Help: "Devices marked unreachable by the heartbeat sweep.",
	})
	dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "wasmbed_gateway_dispatch_total",
		Help: "Command dispatches to devices by action and result.",
	}, []string{"action", "result"})
)

func init() {
	metrics.Registry.MustRegister(
		connectedSessions,
		heartbeatsTotal,
		enrollmentsTotal,
		enrollmentFailures,
		sweepEvictions,
		dispatchTotal,
	)
}
