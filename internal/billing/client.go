// Package billing talks to the payment provider and verifies its
// webhooks. Provider calls are synchronous and single-attempt;
// provider errors surface with the provider's message.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

func NewClient(baseURL, accessToken string) *Client {
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
	}
}

// ProviderError carries the provider's own message so it can be shown
// to the user.
type ProviderError struct {
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("billing provider error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("billing provider error (%d)", e.StatusCode)
}

type RedirectFlow struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
}

type redirectFlowEnvelope struct {
	RedirectFlow redirectFlowBody `json:"redirect_flows"`
}

type redirectFlowBody struct {
	ID          string `json:"id,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
	Description string `json:"description,omitempty"`
	SessionTok  string `json:"session_token,omitempty"`
	SuccessURL  string `json:"success_redirect_url,omitempty"`
	Links       struct {
		Mandate  string `json:"mandate,omitempty"`
		Customer string `json:"customer,omitempty"`
	} `json:"links,omitempty"`
}

// CreateRedirectFlow starts the provider's hosted mandate-setup
// handshake and returns the URL to send the user to.
func (c *Client) CreateRedirectFlow(ctx context.Context, sessionToken, successURL string) (RedirectFlow, error) {
	payload := redirectFlowEnvelope{RedirectFlow: redirectFlowBody{
		Description: "ProjectDesk subscription",
		SessionTok:  sessionToken,
		SuccessURL:  successURL,
	}}
	var response redirectFlowEnvelope
	if err := c.do(ctx, http.MethodPost, "/redirect_flows", payload, &response); err != nil {
		return RedirectFlow{}, err
	}
	return RedirectFlow{ID: response.RedirectFlow.ID, RedirectURL: response.RedirectFlow.RedirectURL}, nil
}

type RedirectFlowResult struct {
	MandateID  string
	CustomerID string
}

// CompleteRedirectFlow finishes the handshake after the user returns
// from the provider, yielding the mandate the subscription will debit.
func (c *Client) CompleteRedirectFlow(ctx context.Context, flowID, sessionToken string) (RedirectFlowResult, error) {
	payload := map[string]map[string]string{
		"data": {"session_token": sessionToken},
	}
	var response redirectFlowEnvelope
	path := "/redirect_flows/" + flowID + "/actions/complete"
	if err := c.do(ctx, http.MethodPost, path, payload, &response); err != nil {
		return RedirectFlowResult{}, err
	}
	return RedirectFlowResult{
		MandateID:  response.RedirectFlow.Links.Mandate,
		CustomerID: response.RedirectFlow.Links.Customer,
	}, nil
}

type Subscription struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type subscriptionEnvelope struct {
	Subscription subscriptionBody `json:"subscriptions"`
}

type subscriptionBody struct {
	ID           string `json:"id,omitempty"`
	Status       string `json:"status,omitempty"`
	Amount       int    `json:"amount,omitempty"`
	Currency     string `json:"currency,omitempty"`
	IntervalUnit string `json:"interval_unit,omitempty"`
	Links        struct {
		Mandate string `json:"mandate,omitempty"`
	} `json:"links,omitempty"`
}

func (c *Client) CreateSubscription(ctx context.Context, mandateID string, amount int, currency, intervalUnit string) (Subscription, error) {
	payload := subscriptionEnvelope{Subscription: subscriptionBody{
		Amount:       amount,
		Currency:     currency,
		IntervalUnit: intervalUnit,
	}}
	payload.Subscription.Links.Mandate = mandateID

	var response subscriptionEnvelope
	if err := c.do(ctx, http.MethodPost, "/subscriptions", payload, &response); err != nil {
		return Subscription{}, err
	}
	return Subscription{ID: response.Subscription.ID, Status: response.Subscription.Status}, nil
}

func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return c.do(ctx, http.MethodPost, "/subscriptions/"+subscriptionID+"/actions/cancel", struct{}{}, nil)
}

func (c *Client) CancelMandate(ctx context.Context, mandateID string) error {
	return c.do(ctx, http.MethodPost, "/mandates/"+mandateID+"/actions/cancel", struct{}{}, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{StatusCode: resp.StatusCode, Message: providerMessage(data)}
	}

	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

func providerMessage(data []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.Error.Message
}
