package http

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/access"
)

func (s *Server) handleListSponsored(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	users, err := s.store.SponsoredBy(r.Context(), claims.UserID)
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

func (s *Server) handleListPendingSponsorships(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	users, err := s.store.PendingSponsorships(r.Context(), claims.UserID)
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

type sponsorUsersRequest struct {
	UserIDs []string `json:"userIds"`
}

func (s *Server) handleSponsorUsers(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	var req sponsorUsersRequest
	if err := decodeJSON(r, &req); err != nil || len(req.UserIDs) == 0 {
		writeError(w, http.StatusBadRequest, "missing_user_ids")
		return
	}

	if err := s.control.SponsorUsers(r.Context(), claims.UserID, req.UserIDs); err != nil {
		writeSponsorshipError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sponsored": req.UserIDs})
}

func (s *Server) handleApproveSponsorship(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	userID := chi.URLParam(r, "userID")

	if err := s.control.ApproveSponsorship(r.Context(), claims.UserID, userID); err != nil {
		writeSponsorshipError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleRemoveSponsorship(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	userID := chi.URLParam(r, "userID")

	if err := s.control.RemoveSponsorship(r.Context(), claims.UserID, userID); err != nil {
		writeSponsorshipError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func writeSponsorshipError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, access.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user_not_found")
	case errors.Is(err, access.ErrCannotSponsor):
		writeError(w, http.StatusForbidden, "subscription_required")
	case errors.Is(err, access.ErrNotSponsorable):
		writeError(w, http.StatusConflict, "not_sponsorable")
	case errors.Is(err, access.ErrSponsorConflict):
		writeError(w, http.StatusConflict, "already_sponsored")
	case errors.Is(err, access.ErrSponsorLimit):
		writeError(w, http.StatusConflict, "sponsor_limit_reached")
	case errors.Is(err, access.ErrNotPendingApproval):
		writeError(w, http.StatusConflict, "not_pending_approval")
	default:
		writeError(w, http.StatusInternalServerError, "server_error")
	}
}
