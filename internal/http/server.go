package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/access"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/auth"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/billing"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/config"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/crypto"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/mail"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/model"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/repository"
)

type Server struct {
	cfg     config.Config
	store   *repository.Store
	control *access.Controller
	billing *billing.Client
	mailer  mail.Sender
	redis   *redis.Client
}

func NewServer(cfg config.Config, store *repository.Store, control *access.Controller, billingClient *billing.Client, mailer mail.Sender, redisClient *redis.Client) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		control: control,
		billing: billingClient,
		mailer:  mailer,
		redis:   redisClient,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/auth/signup", s.handleSignup)
	r.Post("/auth/login", s.handleLogin)
	r.Post("/auth/refresh", s.handleRefresh)
	r.Post("/auth/verify-email", s.handleVerifyEmail)
	r.Post("/auth/resend-verification", s.handleResendVerification)
	r.With(s.authMiddleware).Post("/auth/logout", s.handleLogout)
	r.With(s.authMiddleware).Get("/auth/me", s.handleGetMe)

	r.Route("/sponsorships", func(r chi.Router) {
		r.Use(s.authMiddleware, s.requireSupervisor)
		r.Get("/", s.handleListSponsored)
		r.Get("/pending", s.handleListPendingSponsorships)
		r.Post("/", s.handleSponsorUsers)
		r.Post("/{userID}/approve", s.handleApproveSponsorship)
		r.Delete("/{userID}", s.handleRemoveSponsorship)
	})

	r.Route("/billing", func(r chi.Router) {
		r.Use(s.authMiddleware, s.requireSupervisor)
		r.Post("/redirect-flows", s.handleCreateRedirectFlow)
		r.Post("/redirect-flows/complete", s.handleCompleteRedirectFlow)
		r.Post("/cancel", s.handleCancelSubscription)
	})
	r.Post("/webhooks/billing", s.handleBillingWebhook)

	r.Route("/users", func(r chi.Router) {
		r.Use(s.authMiddleware, s.requireAdmin)
		r.Get("/", s.handleListUsers)
		r.Patch("/{userID}/subscription", s.handleSetSubscription)
		r.Delete("/{userID}", s.handleDeleteUser)
	})

	r.Route("/projects", func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/", s.handleListProjects)
		r.Post("/", s.handleCreateProject)
		r.Get("/{projectID}", s.handleGetProject)
		r.Patch("/{projectID}", s.handleUpdateProject)
		r.Delete("/{projectID}", s.handleDeleteProject)
		r.Post("/{projectID}/complete", s.handleCompleteProject)
		r.Post("/{projectID}/reactivate", s.handleReactivateProject)
		r.Post("/{projectID}/tasks", s.handleCreateTask)
		r.Patch("/{projectID}/tasks/{taskID}", s.handleUpdateTask)
		r.Delete("/{projectID}/tasks/{taskID}", s.handleDeleteTask)
	})

	return r
}

type signupRequest struct {
	Email           string `json:"email"`
	Password        string `json:"password"`
	FirstName       string `json:"firstName"`
	LastName        string `json:"lastName"`
	Role            string `json:"role"`
	SupervisorEmail string `json:"supervisorEmail,omitempty"`
}

type userSummary struct {
	ID                          string  `json:"id"`
	Email                       string  `json:"email"`
	FirstName                   string  `json:"firstName"`
	LastName                    string  `json:"lastName"`
	Role                        string  `json:"role"`
	SubscriptionType            string  `json:"subscriptionType"`
	SubscriptionStartedAt       *int64  `json:"subscriptionStartedAt,omitempty"`
	SubscriptionExpiresAt       *int64  `json:"subscriptionExpiresAt,omitempty"`
	SponsorID                   *string `json:"sponsorId,omitempty"`
	SupervisorID                *string `json:"supervisorId,omitempty"`
	SponsorSubscriptionInactive bool    `json:"sponsorSubscriptionInactive,omitempty"`
	EmailVerified               bool    `json:"emailVerified"`
}

func mapUserSummary(user model.User) userSummary {
	summary := userSummary{
		ID:                          user.ID,
		Email:                       user.Email,
		FirstName:                   user.FirstName,
		LastName:                    user.LastName,
		Role:                        string(user.Role),
		SubscriptionType:            string(user.SubscriptionType),
		SponsorID:                   user.SponsorID,
		SupervisorID:                user.SupervisorID,
		SponsorSubscriptionInactive: user.SponsorSubscriptionInactive,
		EmailVerified:               user.EmailVerified,
	}
	if user.SubscriptionStartedAt != nil {
		startedAt := user.SubscriptionStartedAt.Unix()
		summary.SubscriptionStartedAt = &startedAt
	}
	if user.SubscriptionExpiresAt != nil {
		expiresAt := user.SubscriptionExpiresAt.Unix()
		summary.SubscriptionExpiresAt = &expiresAt
	}
	return summary
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" || req.FirstName == "" || req.LastName == "" {
		writeError(w, http.StatusBadRequest, "missing_fields")
		return
	}
	role, err := model.ParseRole(req.Role)
	if err != nil || role == model.RoleAdmin {
		writeError(w, http.StatusBadRequest, "invalid_role")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "password_hash_failed")
		return
	}

	now := time.Now().UTC()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		PasswordHash: hash,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	var sponsorEmail string
	switch role {
	case model.RoleSupervisor:
		trialEnd := now.Add(s.cfg.TrialPeriod)
		user.SubscriptionType = model.SubscriptionFreeTrial
		user.SubscriptionStartedAt = &now
		user.SubscriptionExpiresAt = &trialEnd
	default:
		supervisorEmail := strings.TrimSpace(strings.ToLower(req.SupervisorEmail))
		if supervisorEmail == "" {
			writeError(w, http.StatusBadRequest, "missing_supervisor_email")
			return
		}
		supervisor, err := s.store.UserByEmail(r.Context(), supervisorEmail)
		if err != nil || supervisor.Role != model.RoleSupervisor {
			writeError(w, http.StatusBadRequest, "supervisor_not_found")
			return
		}
		user.SubscriptionType = model.SubscriptionSponsored
		user.SupervisorID = &supervisor.ID
		sponsorEmail = supervisor.Email
	}

	if err := s.store.CreateUser(r.Context(), user); err != nil {
		writeError(w, http.StatusBadRequest, "user_create_failed")
		return
	}

	s.sendVerificationEmail(r.Context(), user)
	if sponsorEmail != "" {
		s.sendMail(sponsorEmail, "New sponsorship request",
			user.FirstName+" "+user.LastName+" ("+user.Email+") signed up and is waiting for your sponsorship approval.")
	}

	writeJSON(w, http.StatusCreated, mapUserSummary(user))
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	AccessToken  string      `json:"accessToken"`
	RefreshToken string      `json:"refreshToken"`
	User         userSummary `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "missing_credentials")
		return
	}

	user, err := s.control.Authorize(r.Context(), req.Email, req.Password)
	if err != nil {
		loginAttempts.WithLabelValues("rejected").Inc()
		switch {
		case errors.Is(err, access.ErrUserNotFound):
			writeAuthError(w, "no_user_found", err)
		case errors.Is(err, access.ErrInvalidPassword):
			writeAuthError(w, "invalid_password", err)
		case errors.Is(err, access.ErrEmailNotVerified):
			// The rejection still triggers a fresh verification email.
			s.sendVerificationEmail(r.Context(), user)
			writeAuthError(w, "email_not_verified", err)
		case errors.Is(err, access.ErrAwaitingApproval):
			writeAuthError(w, "awaiting_sponsorship_approval", err)
		case errors.Is(err, access.ErrTrialEnded):
			writeAuthError(w, "free_trial_ended", err)
		case errors.Is(err, access.ErrSubscriptionCancelled):
			writeAuthError(w, "subscription_cancelled", err)
		default:
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return
	}

	accessToken, refreshToken, err := s.issueTokens(r.Context(), user, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}
	loginAttempts.WithLabelValues("success").Inc()

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         mapUserSummary(user),
	})
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "missing_refresh_token")
		return
	}

	tokenHash := crypto.HashToken(req.RefreshToken)
	session, err := s.store.GetRefreshSession(r.Context(), tokenHash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusUnauthorized, "invalid_refresh_token")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if session.RevokedAt != nil || session.ExpiresAt.Before(time.Now().UTC()) {
		writeError(w, http.StatusUnauthorized, "refresh_token_expired")
		return
	}

	user, err := s.store.UserByID(r.Context(), session.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "user_not_found")
		return
	}

	if err := s.store.RevokeRefreshSession(r.Context(), session.ID, time.Now().UTC()); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	accessToken, refreshToken, err := s.issueTokens(r.Context(), user, r.UserAgent(), clientIP(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token_error")
		return
	}

	writeJSON(w, http.StatusOK, authResponse{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		User:         mapUserSummary(user),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	_ = s.store.RevokeRefreshSessionsByUser(r.Context(), claims.UserID, time.Now().UTC())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

func (s *Server) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(r, &req); err != nil || strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, "missing_token")
		return
	}
	if s.redis == nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	key := verificationKey(crypto.HashToken(strings.TrimSpace(req.Token)))
	userID, err := s.redis.Get(r.Context(), key).Result()
	if err == redis.Nil {
		writeError(w, http.StatusBadRequest, "invalid_or_expired_token")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	_ = s.redis.Del(r.Context(), key).Err()

	if err := s.store.SetEmailVerified(r.Context(), userID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

type resendVerificationRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleResendVerification(w http.ResponseWriter, r *http.Request) {
	var req resendVerificationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" {
		writeError(w, http.StatusBadRequest, "missing_email")
		return
	}

	// Whether or not the account exists, the response is the same.
	if user, err := s.store.UserByEmail(r.Context(), email); err == nil && !user.EmailVerified {
		s.sendVerificationEmail(r.Context(), user)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}

	// Billing state changes asynchronously via webhook, so the lockout
	// state is recomputed from storage on every fetch.
	user, err := s.store.UserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}

	reason, locked := access.Lockout(user)
	writeJSON(w, http.StatusOK, struct {
		userSummary
		Locked     bool   `json:"locked"`
		LockReason string `json:"lockReason,omitempty"`
	}{mapUserSummary(user), locked, reason})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	users, err := s.store.ListUsers(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	summaries := make([]userSummary, 0, len(users))
	for _, user := range users {
		summaries = append(summaries, mapUserSummary(user))
	}
	writeJSON(w, http.StatusOK, summaries)
}

type setSubscriptionRequest struct {
	SubscriptionType string  `json:"subscriptionType"`
	ExpiresAt        *string `json:"expiresAt,omitempty"`
}

// handleSetSubscription is the admin override: a direct field write
// with no side effects on sponsored users.
func (s *Server) handleSetSubscription(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req setSubscriptionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	subscriptionType, err := model.ParseSubscriptionType(req.SubscriptionType)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_subscription_type")
		return
	}

	user, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}

	var expiresAt *time.Time
	if req.ExpiresAt != nil {
		expiresAt = parseDate(*req.ExpiresAt)
	}
	if err := s.store.SetSubscription(r.Context(), userID, subscriptionType, user.SubscriptionStartedAt, expiresAt); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	updated, err := s.store.UserByID(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapUserSummary(updated))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	deleted, err := s.store.DeleteUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "user_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) issueTokens(ctx context.Context, user model.User, userAgent, ip string) (string, string, error) {
	accessToken, err := auth.NewAccessToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, s.cfg.AccessTokenTTL, auth.ClaimsForUser(user))
	if err != nil {
		return "", "", err
	}

	refreshToken, err := crypto.NewToken()
	if err != nil {
		return "", "", err
	}

	now := time.Now().UTC()
	session := model.RefreshSession{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		TokenHash: crypto.HashToken(refreshToken),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTokenTTL),
	}
	if userAgent != "" {
		session.UserAgent = &userAgent
	}
	if ip != "" {
		session.IPAddress = &ip
	}

	if err := s.store.CreateRefreshSession(ctx, session); err != nil {
		return "", "", err
	}

	return accessToken, refreshToken, nil
}

func (s *Server) sendVerificationEmail(ctx context.Context, user model.User) {
	if s.redis == nil || user.Email == "" {
		return
	}
	token, err := crypto.NewToken()
	if err != nil {
		return
	}
	key := verificationKey(crypto.HashToken(token))
	if err := s.redis.Set(ctx, key, user.ID, s.cfg.VerificationTokenTTL).Err(); err != nil {
		return
	}
	s.sendMail(user.Email, "Verify your email address",
		"Confirm your ProjectDesk account by opening "+s.cfg.AppBaseURL+"/verify-email?token="+token)
}

func (s *Server) sendMail(to, subject, body string) {
	if s.mailer == nil {
		return
	}
	if err := s.mailer.Send(to, subject, body); err != nil {
		logMailFailure(to, err)
	}
}

func logMailFailure(to string, err error) {
	log.Printf("mail: send to %s failed: %v", to, err)
}

func verificationKey(tokenHash string) string {
	return "verify:" + tokenHash
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}

		claims, err := auth.ParseToken(s.cfg.JWTSecret, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireSupervisor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || (claims.Role != string(model.RoleSupervisor) && claims.Role != string(model.RoleAdmin)) {
			writeError(w, http.StatusForbidden, "supervisor_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims := claimsFromContext(r.Context())
		if claims == nil || claims.Role != string(model.RoleAdmin) {
			writeError(w, http.StatusForbidden, "admin_only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// parseDate accepts RFC3339 or plain dates; anything malformed behaves
// as if the date were absent.
func parseDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if parsed, err := time.Parse(layout, raw); err == nil {
			utc := parsed.UTC()
			return &utc
		}
	}
	return nil
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeAuthError(w http.ResponseWriter, code string, err error) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{
		"error":   code,
		"message": err.Error(),
	})
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		return strings.TrimSpace(parts[0])
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	return ""
}
