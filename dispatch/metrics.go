package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var queuedCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paddyflow_dispatch_queued_total",
	Help: "counter of device commands enqueued for dispatch",
}, []string{"device_type"})

var sentCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paddyflow_dispatch_sent_total",
	Help: "counter of device commands sent to the control callback",
}, []string{"device_type", "action"})

var failedCommands = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paddyflow_dispatch_failed_total",
	Help: "counter of device commands which exhausted their retries",
}, []string{"device_type", "action"})
