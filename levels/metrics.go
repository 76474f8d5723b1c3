package levels

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var readingsAdmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paddyflow_levels_readings_admitted_total",
	Help: "counter of water-level readings admitted to the store",
}, []string{"source", "quality"})

var readingsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paddyflow_levels_readings_rejected_total",
	Help: "counter of water-level readings rejected as invalid",
}, []string{"source", "reason"})

var sensorFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "paddyflow_levels_sensor_fetch_total",
	Help: "counter of sensor API fetch attempts by outcome",
}, []string{"outcome"})
