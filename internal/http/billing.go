package http

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/billing"
)

func (s *Server) handleCreateRedirectFlow(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	// The user ID doubles as the provider session token so the complete
	// call can only succeed for the same account.
	flow, err := s.billing.CreateRedirectFlow(r.Context(), claims.UserID, s.cfg.BillingRedirectURL)
	if err != nil {
		writeBillingError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"flowId":      flow.ID,
		"redirectUrl": flow.RedirectURL,
	})
}

type completeRedirectFlowRequest struct {
	FlowID string `json:"flowId"`
}

func (s *Server) handleCompleteRedirectFlow(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req completeRedirectFlowRequest
	if err := decodeJSON(r, &req); err != nil || req.FlowID == "" {
		writeError(w, http.StatusBadRequest, "missing_flow_id")
		return
	}

	flow, err := s.billing.CompleteRedirectFlow(r.Context(), req.FlowID, claims.UserID)
	if err != nil {
		writeBillingError(w, err)
		return
	}

	subscription, err := s.billing.CreateSubscription(r.Context(), flow.MandateID, s.cfg.PlanAmountPence, s.cfg.PlanCurrency, s.cfg.PlanInterval)
	if err != nil {
		writeBillingError(w, err)
		return
	}

	subscriptionID := subscription.ID
	customerID := flow.CustomerID
	mandateID := flow.MandateID
	if err := s.store.SetBillingIdentifiers(r.Context(), claims.UserID, &customerID, &mandateID, &subscriptionID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// The webhook will confirm the subscription too, but the account is
	// activated immediately so the user is not locked out while the
	// provider settles.
	if err := s.control.ActivateSubscription(r.Context(), claims.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	user, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapUserSummary(user))
}

func (s *Server) handleCancelSubscription(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	user, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	if user.BillingSubscriptionID == nil {
		writeError(w, http.StatusConflict, "no_active_subscription")
		return
	}

	// Provider first: local state only changes once the cancellation is
	// accepted upstream.
	if err := s.billing.CancelSubscription(r.Context(), *user.BillingSubscriptionID); err != nil {
		writeBillingError(w, err)
		return
	}

	if err := s.control.TerminateSubscription(r.Context(), claims.UserID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	updated, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapUserSummary(updated))
}

func (s *Server) handleBillingWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body")
		return
	}

	if !billing.VerifySignature(s.cfg.BillingWebhookSecret, body, r.Header.Get("Webhook-Signature")) {
		writeError(w, http.StatusUnauthorized, "invalid_signature")
		return
	}

	events, err := billing.ParseEvents(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload")
		return
	}

	processed := processEvents(events,
		func(eventID string) bool { return s.webhookEventSeen(r.Context(), eventID) },
		func(event billing.Event) error { return s.applyWebhookEvent(r, event) },
		func(eventID string) { s.markWebhookEvent(r.Context(), eventID) },
	)

	writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
}

// processEvents applies each unseen event and marks it only after the
// apply succeeded, so a failed apply is retried when the provider
// redelivers the event.
func processEvents(events []billing.Event, seen func(string) bool, apply func(billing.Event) error, mark func(string)) int {
	processed := 0
	for _, event := range events {
		if event.ID != "" && seen(event.ID) {
			continue
		}
		if err := apply(event); err != nil {
			log.Printf("billing: webhook event %s (%s %s): %v", event.ID, event.ResourceType, event.Action, err)
			continue
		}
		if event.ID != "" {
			mark(event.ID)
		}
		webhookEvents.WithLabelValues(event.ResourceType, event.Action).Inc()
		processed++
	}
	return processed
}

// Best effort: without redis every delivery is treated as new, which
// is safe because the event handlers are idempotent.
func (s *Server) webhookEventSeen(ctx context.Context, eventID string) bool {
	if s.redis == nil {
		return false
	}
	count, err := s.redis.Exists(ctx, "webhook:"+eventID).Result()
	if err != nil {
		return false
	}
	return count > 0
}

func (s *Server) markWebhookEvent(ctx context.Context, eventID string) {
	if s.redis == nil {
		return
	}
	_ = s.redis.Set(ctx, "webhook:"+eventID, 1, 7*24*time.Hour).Err()
}

func (s *Server) applyWebhookEvent(r *http.Request, event billing.Event) error {
	ctx := r.Context()

	switch event.ResourceType {
	case billing.ResourceSubscriptions:
		user, err := s.store.UserByBillingSubscription(ctx, event.Links.Subscription)
		if err != nil {
			// Subscriptions created outside this system are not ours to track.
			return nil
		}
		switch {
		case event.Action == billing.ActionActive:
			return s.control.ActivateSubscription(ctx, user.ID)
		case event.Terminal():
			return s.control.TerminateSubscription(ctx, user.ID)
		}
	case billing.ResourceMandates:
		user, err := s.store.UserByBillingMandate(ctx, event.Links.Mandate)
		if err != nil {
			return nil
		}
		if event.Terminal() {
			return s.control.CancelMandate(ctx, user.ID)
		}
	}
	return nil
}

func writeBillingError(w http.ResponseWriter, err error) {
	var providerErr *billing.ProviderError
	if errors.As(err, &providerErr) {
		writeJSON(w, http.StatusBadGateway, map[string]string{
			"error":   "billing_provider_error",
			"message": providerErr.Message,
		})
		return
	}
	writeError(w, http.StatusBadGateway, "billing_unavailable")
}
