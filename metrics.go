package tdls

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdls",
			Subsystem: "vendor",
			Name:      "commands_total",
			Help:      "Total TDLS vendor commands sent to the driver.",
		},
		[]string{"command", "status"},
	)
	commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tdls",
			Subsystem: "vendor",
			Name:      "command_duration_seconds",
			Help:      "Time spent waiting for the driver to reply to a TDLS vendor command.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command"},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tdls",
			Subsystem: "vendor",
			Name:      "events_total",
			Help:      "Total TDLS vendor events received from the driver.",
		},
		[]string{"event", "result"},
	)
)

// RegisterMetrics registers the package's Prometheus collectors with the
// default registry. It is safe to call more than once.
func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(commandsTotal, commandDuration, eventsTotal)
	})
}

// recordCommand records the outcome of a vendor command.
func recordCommand(command string, err error, d time.Duration) {
	commandsTotal.WithLabelValues(command, strconv.Itoa(Code(err))).Inc()
	commandDuration.WithLabelValues(command).Observe(d.Seconds())
}

// recordEvent records the handling of a vendor event.
func recordEvent(event, result string) {
	eventsTotal.WithLabelValues(event, result).Inc()
}
