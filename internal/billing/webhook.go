package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Webhook actions in the provider's vocabulary. Activation and the
// termination family are the only ones that change subscription state.
const (
	ResourceSubscriptions = "subscriptions"
	ResourceMandates      = "mandates"

	ActionCreated          = "created"
	ActionApprovalGranted  = "customer_approval_granted"
	ActionActive           = "active"
	ActionCancelled        = "cancelled"
	ActionExpired          = "expired"
	ActionFinished         = "finished"
	ActionFailed           = "failed"
)

type Event struct {
	ID           string `json:"id"`
	ResourceType string `json:"resource_type"`
	Action       string `json:"action"`
	Links        struct {
		Subscription string `json:"subscription"`
		Mandate      string `json:"mandate"`
	} `json:"links"`
}

type eventBatch struct {
	Events []Event `json:"events"`
}

// ParseEvents decodes a webhook body into its event batch.
func ParseEvents(body []byte) ([]Event, error) {
	var batch eventBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, err
	}
	return batch.Events, nil
}

// VerifySignature checks the raw webhook body against the
// `sha256=<hex>` signature header using a constant-time comparison.
func VerifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimSpace(header)
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	claimed, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(claimed, mac.Sum(nil))
}

// Terminal reports whether the event's action ends the subscription or
// mandate it refers to.
func (e Event) Terminal() bool {
	switch e.Action {
	case ActionCancelled, ActionExpired, ActionFinished, ActionFailed:
		return true
	default:
		return false
	}
}
