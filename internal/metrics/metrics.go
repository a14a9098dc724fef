// Package metrics holds the Prometheus collectors for campaign delivery and
// status reconciliation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CampaignSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_campaign_sends_total",
			Help: "Campaign sends by delivery path and outcome",
		},
		[]string{"path", "outcome"},
	)

	ProviderSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_provider_send_duration_seconds",
			Help:    "Duration of WhatsApp Cloud API send requests",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10},
		},
		[]string{"path"},
	)

	StatusEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_status_events_total",
			Help: "Delivery status callbacks by status and whether they changed a message",
		},
		[]string{"status", "applied"},
	)

	Redrives = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_redrives_total",
			Help: "Redrives of failed messages by outcome",
		},
		[]string{"outcome"},
	)
)

// PathLabel is the delivery path label for a send.
func PathLabel(lite bool) string {
	if lite {
		return "lite"
	}
	return "standard"
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
