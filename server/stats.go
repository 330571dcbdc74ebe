/******************************************************************************
 *
 *  Description :
 *
 *    Process metrics.
 *
 *****************************************************************************/

package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "onionchat_live_sessions",
		Help: "Number of open event sessions.",
	})

	messagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onionchat_messages_persisted_total",
		Help: "Messages written to the store.",
	})

	fanoutDeliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "onionchat_fanout_deliveries_total",
		Help: "Event frames queued to receiving sessions.",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "onionchat_http_requests_total",
		Help: "REST requests by status class.",
	}, []string{"code"})
)
