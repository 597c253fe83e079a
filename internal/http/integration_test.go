package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/access"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/config"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/db"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/mail"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/repository"
)

func TestSignupLoginAndProjectFlow(t *testing.T) {
	pool := openTestDB(t)
	if pool == nil {
		return
	}
	defer pool.Close()

	cfg := config.Config{
		HTTPAddr:        ":0",
		JWTSecret:       "test-secret",
		JWTIssuer:       "test-issuer",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		TrialPeriod:     8 * 24 * time.Hour,
	}
	store := repository.NewStore(pool)
	controller := access.NewController(store, mail.LogSender{})
	server := NewServer(cfg, store, controller, nil, mail.LogSender{}, nil)
	app := httptest.NewServer(server.Router())
	defer app.Close()

	email := "supervisor." + time.Now().Format("150405.000000") + "@example.local"

	// Supervisor signup starts a free trial.
	resp := doReq(t, http.MethodPost, app.URL+"/auth/signup", "", map[string]interface{}{
		"email":     email,
		"password":  "dev-password",
		"firstName": "Test",
		"lastName":  "Supervisor",
		"role":      "SUPERVISOR",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var created struct {
		ID               string `json:"id"`
		SubscriptionType string `json:"subscriptionType"`
	}
	decodeBody(t, resp, &created)
	if created.SubscriptionType != "FREE_TRIAL" {
		t.Fatalf("expected FREE_TRIAL, got %s", created.SubscriptionType)
	}

	// Login before verification is rejected.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"email":    email,
		"password": "dev-password",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before verification, got %d", resp.StatusCode)
	}

	if err := store.SetEmailVerified(context.Background(), created.ID); err != nil {
		t.Fatalf("verify error: %v", err)
	}

	resp = doReq(t, http.MethodPost, app.URL+"/auth/login", "", map[string]interface{}{
		"email":    email,
		"password": "dev-password",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 after verification, got %d", resp.StatusCode)
	}
	var session struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
	}
	decodeBody(t, resp, &session)
	if session.AccessToken == "" || session.RefreshToken == "" {
		t.Fatalf("expected tokens in login response")
	}

	// Profile reflects the trial and no lockout.
	resp = doReq(t, http.MethodGet, app.URL+"/auth/me", session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var me struct {
		Locked bool `json:"locked"`
	}
	decodeBody(t, resp, &me)
	if me.Locked {
		t.Fatalf("expected trial account not to be locked")
	}

	// New projects start out Not Started.
	resp = doReq(t, http.MethodPost, app.URL+"/projects", session.AccessToken, map[string]interface{}{
		"title":   "Thesis " + time.Now().Format("150405.000000"),
		"endDate": "2030-06-30",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}
	var project struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	decodeBody(t, resp, &project)
	if project.Status != "Not Started" {
		t.Fatalf("expected Not Started, got %s", project.Status)
	}

	// An overdue task pushes the project to At Risk on read.
	resp = doReq(t, http.MethodPost, app.URL+"/projects/"+project.ID+"/tasks", session.AccessToken, map[string]interface{}{
		"title":   "Literature review",
		"status":  "TODO",
		"dueDate": "2020-01-01",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201, got %d", resp.StatusCode)
	}

	resp = doReq(t, http.MethodGet, app.URL+"/projects/"+project.ID, session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var fetched struct {
		Status string `json:"status"`
	}
	decodeBody(t, resp, &fetched)
	if fetched.Status != "At Risk" {
		t.Fatalf("expected At Risk, got %s", fetched.Status)
	}

	// Completing with an open task needs force.
	resp = doReq(t, http.MethodPost, app.URL+"/projects/"+project.ID+"/complete", session.AccessToken, map[string]interface{}{})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 with open tasks, got %d", resp.StatusCode)
	}
	resp = doReq(t, http.MethodPost, app.URL+"/projects/"+project.ID+"/complete", session.AccessToken, map[string]interface{}{
		"force": true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 with force, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &fetched)
	if fetched.Status != "Completed" {
		t.Fatalf("expected Completed, got %s", fetched.Status)
	}

	// Reactivation falls back to the derived status.
	resp = doReq(t, http.MethodPost, app.URL+"/projects/"+project.ID+"/reactivate", session.AccessToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	decodeBody(t, resp, &fetched)
	if fetched.Status != "At Risk" {
		t.Fatalf("expected At Risk after reactivation, got %s", fetched.Status)
	}

	// Refresh rotates the session.
	resp = doReq(t, http.MethodPost, app.URL+"/auth/refresh", "", map[string]interface{}{
		"refreshToken": session.RefreshToken,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp = doReq(t, http.MethodPost, app.URL+"/auth/refresh", "", map[string]interface{}{
		"refreshToken": session.RefreshToken,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 reusing rotated token, got %d", resp.StatusCode)
	}

	// No token, no project list.
	resp = doReq(t, http.MethodGet, app.URL+"/projects", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
}

func openTestDB(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("PROJECTDESK_TEST_DB")
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		t.Skip("PROJECTDESK_TEST_DB or DATABASE_URL not set")
		return nil
	}
	pool, err := db.NewPool(context.Background(), url)
	if err != nil {
		t.Skipf("db unavailable: %v", err)
		return nil
	}
	return pool
}

func doReq(t *testing.T, method, url, token string, body interface{}) *http.Response {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode error: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("http error: %v", err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out interface{}) {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode error: %v", err)
	}
}
