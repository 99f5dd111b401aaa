package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svctrigger_orchestrator_state_transitions_total",
			Help: "Orchestrator state transitions by target state.",
		},
		[]string{"state"},
	)
	reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svctrigger_watch_reconnects_total",
			Help: "Watch stream reconnect cycles.",
		},
	)
	relists = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "svctrigger_watch_relists_total",
			Help: "Full relists forced by expired resume tokens.",
		},
	)
	intentsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "svctrigger_intents_dropped_total",
			Help: "Events dropped before dispatch by reason.",
		},
		[]string{"reason"},
	)
)
