package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "spoold_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panics is the number of recovered panics, tests fail if it is not zero.
var Panics atomic.Int64

type Panic string

const (
	Ctl      Panic = "ctl"
	Queue    Panic = "queue"
	Webadmin Panic = "webadmin"
)

func PanicInc(pkg Panic) {
	Panics.Add(1)
	metricPanic.WithLabelValues(string(pkg)).Inc()
}
