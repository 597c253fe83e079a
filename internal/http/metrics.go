package http

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projectdesk_login_attempts_total",
		Help: "Login attempts by outcome.",
	}, []string{"result"})

	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "projectdesk_billing_webhook_events_total",
		Help: "Processed billing webhook events by resource type and action.",
	}, []string{"resource_type", "action"})
)
