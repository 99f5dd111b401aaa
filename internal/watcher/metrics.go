package watcher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsObserved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svctrigger_watch_events_total",
			Help: "LoadBalancer Service change events delivered by kind.",
		},
		[]string{"kind"},
	)
	eventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svctrigger_watch_events_dropped_total",
			Help: "Raw watch notifications dropped before classification.",
		},
		[]string{"reason"},
	)
	watchOpens = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svctrigger_watch_opens_total",
			Help: "Watch streams successfully opened.",
		},
	)
	watchTerminations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svctrigger_watch_terminations_total",
			Help: "Watch stream terminations by reason.",
		},
		[]string{"reason"},
	)
)
