package http

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/auth"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/model"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/repository"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/status"
)

type projectRequest struct {
	Title           string   `json:"title"`
	Description     string   `json:"description,omitempty"`
	Category        string   `json:"category,omitempty"`
	StartDate       *string  `json:"startDate,omitempty"`
	EndDate         *string  `json:"endDate,omitempty"`
	StudentIDs      []string `json:"studentIds,omitempty"`
	CollaboratorIDs []string `json:"collaboratorIds,omitempty"`
}

type projectResponse struct {
	ID              string         `json:"id"`
	SupervisorID    string         `json:"supervisorId"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Category        string         `json:"category,omitempty"`
	StartDate       *string        `json:"startDate,omitempty"`
	EndDate         *string        `json:"endDate,omitempty"`
	IsCompleted     bool           `json:"isCompleted"`
	Status          string         `json:"status"`
	StudentIDs      []string       `json:"studentIds"`
	CollaboratorIDs []string       `json:"collaboratorIds"`
	Tasks           []taskResponse `json:"tasks,omitempty"`
}

type taskRequest struct {
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       *string  `json:"status,omitempty"`
	DueDate      *string  `json:"dueDate,omitempty"`
	StartDate    *string  `json:"startDate,omitempty"`
	DurationDays *int     `json:"durationDays,omitempty"`
	Flagged      *bool    `json:"flagged,omitempty"`
	AssigneeIDs  []string `json:"assigneeIds,omitempty"`
}

type taskResponse struct {
	ID           string   `json:"id"`
	ProjectID    string   `json:"projectId"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Status       string   `json:"status"`
	DueDate      *string  `json:"dueDate,omitempty"`
	StartDate    *string  `json:"startDate,omitempty"`
	DurationDays *int     `json:"durationDays,omitempty"`
	Flagged      bool     `json:"flagged"`
	FlaggedBy    *string  `json:"flaggedBy,omitempty"`
	AssigneeIDs  []string `json:"assigneeIds"`
}

func formatDate(value *time.Time) *string {
	if value == nil {
		return nil
	}
	formatted := value.UTC().Format(time.RFC3339)
	return &formatted
}

func mapProject(project model.Project, tasks []model.Task) projectResponse {
	response := projectResponse{
		ID:              project.ID,
		SupervisorID:    project.SupervisorID,
		Title:           project.Title,
		Description:     project.Description,
		Category:        project.Category,
		StartDate:       formatDate(project.StartDate),
		EndDate:         formatDate(project.EndDate),
		IsCompleted:     project.IsCompleted,
		Status:          string(project.DisplayStatus()),
		StudentIDs:      project.StudentIDs,
		CollaboratorIDs: project.CollabIDs,
	}
	for _, task := range tasks {
		response.Tasks = append(response.Tasks, mapTask(task))
	}
	return response
}

func mapTask(task model.Task) taskResponse {
	return taskResponse{
		ID:           task.ID,
		ProjectID:    task.ProjectID,
		Title:        task.Title,
		Description:  task.Description,
		Status:       string(task.Status),
		DueDate:      formatDate(task.DueDate),
		StartDate:    formatDate(task.StartDate),
		DurationDays: task.DurationDays,
		Flagged:      task.Flagged,
		FlaggedBy:    task.FlaggedBy,
		AssigneeIDs:  task.AssigneeIDs,
	}
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())

	projects, err := s.store.ListProjectsForUser(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	responses := make([]projectResponse, 0, len(projects))
	for _, project := range projects {
		responses = append(responses, mapProject(project, nil))
	}
	writeJSON(w, http.StatusOK, responses)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims.Role != string(model.RoleSupervisor) {
		writeError(w, http.StatusForbidden, "supervisor_only")
		return
	}

	var req projectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, http.StatusBadRequest, "missing_title")
		return
	}

	now := time.Now().UTC()
	project := model.Project{
		ID:           uuid.NewString(),
		SupervisorID: claims.UserID,
		Title:        strings.TrimSpace(req.Title),
		Description:  req.Description,
		Category:     req.Category,
		Status:       model.ProjectNotStarted,
		StudentIDs:   req.StudentIDs,
		CollabIDs:    req.CollaboratorIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.StartDate != nil {
		project.StartDate = parseDate(*req.StartDate)
	}
	if req.EndDate != nil {
		project.EndDate = parseDate(*req.EndDate)
	}

	if err := s.store.CreateProject(r.Context(), project); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, mapProject(project, nil))
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectForRequest(w, r)
	if !ok {
		return
	}

	tasks, err := s.store.TasksByProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	// The stored status may predate the latest task edits, so it is
	// re-derived on read.
	if !project.IsCompleted {
		derived := status.Derive(tasks, project.EndDate, time.Now().UTC())
		if derived != project.Status {
			if err := s.store.UpdateProjectStatus(r.Context(), project.ID, derived); err != nil {
				writeError(w, http.StatusInternalServerError, "server_error")
				return
			}
			project.Status = derived
		}
	}

	writeJSON(w, http.StatusOK, mapProject(project, tasks))
}

func (s *Server) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	project, ok := s.projectForRequest(w, r)
	if !ok {
		return
	}
	if !canManageProject(claims, project) {
		writeError(w, http.StatusForbidden, "not_project_owner")
		return
	}

	var req struct {
		projectRequest
		Title *string `json:"title,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	update := repository.ProjectUpdate{Title: req.Title}
	if req.Description != "" {
		update.Description = &req.Description
	}
	if req.Category != "" {
		update.Category = &req.Category
	}
	if req.StartDate != nil {
		if parsed := parseDate(*req.StartDate); parsed != nil {
			update.StartDate = parsed
		} else if *req.StartDate == "" {
			update.ClearStartDate = true
		}
	}
	if req.EndDate != nil {
		if parsed := parseDate(*req.EndDate); parsed != nil {
			update.EndDate = parsed
		} else if *req.EndDate == "" {
			update.ClearEndDate = true
		}
	}

	if err := s.store.UpdateProject(r.Context(), project.ID, update); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if req.StudentIDs != nil || req.CollaboratorIDs != nil {
		studentIDs := project.StudentIDs
		collabIDs := project.CollabIDs
		if req.StudentIDs != nil {
			studentIDs = req.StudentIDs
		}
		if req.CollaboratorIDs != nil {
			collabIDs = req.CollaboratorIDs
		}
		if err := s.store.SetProjectMembers(r.Context(), project.ID, studentIDs, collabIDs); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	}

	s.recomputeStatus(r, project.ID)
	s.respondWithProject(w, r, project.ID)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	project, ok := s.projectForRequest(w, r)
	if !ok {
		return
	}
	if !canManageProject(claims, project) {
		writeError(w, http.StatusForbidden, "not_project_owner")
		return
	}

	deleted, err := s.store.DeleteProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "project_not_found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type completeProjectRequest struct {
	Force bool `json:"force,omitempty"`
}

func (s *Server) handleCompleteProject(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	project, ok := s.projectForRequest(w, r)
	if !ok {
		return
	}
	if !canManageProject(claims, project) {
		writeError(w, http.StatusForbidden, "not_project_owner")
		return
	}

	var req completeProjectRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
	}

	if !req.Force {
		tasks, err := s.store.TasksByProject(r.Context(), project.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
		for _, task := range tasks {
			if !task.Status.Complete() {
				writeError(w, http.StatusConflict, "tasks_outstanding")
				return
			}
		}
	}

	if err := s.store.SetProjectCompletion(r.Context(), project.ID, true, model.ProjectCompleted); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.respondWithProject(w, r, project.ID)
}

func (s *Server) handleReactivateProject(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	project, ok := s.projectForRequest(w, r)
	if !ok {
		return
	}
	if !canManageProject(claims, project) {
		writeError(w, http.StatusForbidden, "not_project_owner")
		return
	}

	tasks, err := s.store.TasksByProject(r.Context(), project.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	derived := status.Derive(tasks, project.EndDate, time.Now().UTC())

	if err := s.store.SetProjectCompletion(r.Context(), project.ID, false, derived); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	s.respondWithProject(w, r, project.ID)
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	project, ok := s.projectForRequest(w, r)
	if !ok {
		return
	}
	if !canAccessProject(claims, project) {
		writeError(w, http.StatusForbidden, "not_project_member")
		return
	}

	var req taskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "missing_title")
		return
	}

	exists, err := s.store.TaskTitleExists(r.Context(), project.ID, title, "")
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if exists {
		writeError(w, http.StatusConflict, "task_title_exists")
		return
	}

	taskStatus := model.TaskTodo
	if req.Status != nil {
		parsed, err := model.ParseTaskStatus(*req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
		taskStatus = parsed
	}

	now := time.Now().UTC()
	task := model.Task{
		ID:           uuid.NewString(),
		ProjectID:    project.ID,
		Title:        title,
		Description:  req.Description,
		Status:       taskStatus,
		DurationDays: req.DurationDays,
		AssigneeIDs:  req.AssigneeIDs,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.DueDate != nil {
		task.DueDate = parseDate(*req.DueDate)
	}
	if req.StartDate != nil {
		task.StartDate = parseDate(*req.StartDate)
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	s.recomputeStatus(r, project.ID)
	writeJSON(w, http.StatusCreated, mapTask(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	project, ok := s.projectForRequest(w, r)
	if !ok {
		return
	}
	if !canAccessProject(claims, project) {
		writeError(w, http.StatusForbidden, "not_project_member")
		return
	}

	task, err := s.store.TaskByID(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil || task.ProjectID != project.ID {
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	}
	if !canMutateTask(claims, project, task) {
		writeError(w, http.StatusForbidden, "not_task_assignee")
		return
	}

	var req struct {
		taskRequest
		Title       *string   `json:"title,omitempty"`
		AssigneeIDs *[]string `json:"assigneeIds,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	update := repository.TaskUpdate{}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			writeError(w, http.StatusBadRequest, "missing_title")
			return
		}
		if title != task.Title {
			exists, err := s.store.TaskTitleExists(r.Context(), project.ID, title, task.ID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "server_error")
				return
			}
			if exists {
				writeError(w, http.StatusConflict, "task_title_exists")
				return
			}
		}
		update.Title = &title
	}
	if req.Description != "" {
		update.Description = &req.Description
	}
	if req.Status != nil {
		parsed, err := model.ParseTaskStatus(*req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_status")
			return
		}
		update.Status = &parsed
	}
	if req.DueDate != nil {
		if parsed := parseDate(*req.DueDate); parsed != nil {
			update.DueDate = parsed
		} else if *req.DueDate == "" {
			update.ClearDueDate = true
		}
	}
	if req.StartDate != nil {
		if parsed := parseDate(*req.StartDate); parsed != nil {
			update.StartDate = parsed
		} else if *req.StartDate == "" {
			update.ClearStartDate = true
		}
	}
	if req.DurationDays != nil {
		if *req.DurationDays > 0 {
			update.DurationDays = req.DurationDays
		} else {
			update.ClearDuration = true
		}
	}

	if err := s.store.UpdateTask(r.Context(), task.ID, update); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	if req.Flagged != nil {
		if err := s.applyTaskFlag(r, claims.UserID, claims.Role, project, task, *req.Flagged); err != nil {
			writeError(w, http.StatusForbidden, "cannot_unflag")
			return
		}
	}

	if req.AssigneeIDs != nil {
		if err := s.store.SetTaskAssignees(r.Context(), task.ID, *req.AssigneeIDs); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error")
			return
		}
	}

	s.recomputeStatus(r, project.ID)

	updated, err := s.store.TaskByID(r.Context(), task.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapTask(updated))
}

var errCannotUnflag = errors.New("only the flagger or the supervisor can unflag")

func (s *Server) applyTaskFlag(r *http.Request, userID, role string, project model.Project, task model.Task, flagged bool) error {
	if flagged {
		flaggedBy := userID
		if task.Flagged {
			return nil
		}
		return s.store.SetTaskFlag(r.Context(), task.ID, true, &flaggedBy)
	}

	if !task.Flagged {
		return nil
	}
	supervisor := project.SupervisorID == userID || role == string(model.RoleAdmin)
	flagger := task.FlaggedBy != nil && *task.FlaggedBy == userID
	if !supervisor && !flagger {
		return errCannotUnflag
	}
	return s.store.SetTaskFlag(r.Context(), task.ID, false, nil)
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	project, ok := s.projectForRequest(w, r)
	if !ok {
		return
	}
	if !canManageProject(claims, project) {
		writeError(w, http.StatusForbidden, "not_project_owner")
		return
	}

	deleted, err := s.store.DeleteTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "task_not_found")
		return
	}

	s.recomputeStatus(r, project.ID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) projectForRequest(w http.ResponseWriter, r *http.Request) (model.Project, bool) {
	claims := claimsFromContext(r.Context())
	projectID := chi.URLParam(r, "projectID")

	project, err := s.store.ProjectByID(r.Context(), projectID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "project_not_found")
		} else {
			writeError(w, http.StatusInternalServerError, "server_error")
		}
		return model.Project{}, false
	}

	if !canAccessProject(claims, project) && !canManageProject(claims, project) {
		writeError(w, http.StatusForbidden, "not_project_member")
		return model.Project{}, false
	}
	return project, true
}

func (s *Server) respondWithProject(w http.ResponseWriter, r *http.Request, projectID string) {
	project, err := s.store.ProjectByID(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	tasks, err := s.store.TasksByProject(r.Context(), projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, mapProject(project, tasks))
}

func (s *Server) recomputeStatus(r *http.Request, projectID string) {
	if _, err := status.Recompute(r.Context(), s.store, projectID, time.Now().UTC()); err != nil {
		log.Printf("status: recompute project %s: %v", projectID, err)
	}
}

func canManageProject(claims *auth.Claims, project model.Project) bool {
	return project.SupervisorID == claims.UserID || claims.Role == string(model.RoleAdmin)
}

// Tasks are mutated by their assignees, the supervisor, or an admin.
func canMutateTask(claims *auth.Claims, project model.Project, task model.Task) bool {
	if canManageProject(claims, project) {
		return true
	}
	for _, id := range task.AssigneeIDs {
		if id == claims.UserID {
			return true
		}
	}
	return false
}

func canAccessProject(claims *auth.Claims, project model.Project) bool {
	if canManageProject(claims, project) {
		return true
	}
	for _, id := range project.StudentIDs {
		if id == claims.UserID {
			return true
		}
	}
	for _, id := range project.CollabIDs {
		if id == claims.UserID {
			return true
		}
	}
	return false
}
