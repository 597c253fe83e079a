package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/model"
)

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db   dbtx
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{db: pool, pool: pool}
}

// WithTx runs fn against a transaction-bound store. Read-modify-write
// sequences such as the sponsorship limit check must go through here.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	txStore := &Store{db: tx, pool: s.pool}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

const userColumns = `
	id, email, password_hash, first_name, last_name, role, email_verified,
	subscription_type, subscription_started_at, subscription_expires_at,
	sponsor_id, sponsor_subscription_inactive, supervisor_id,
	billing_customer_id, billing_mandate_id, billing_subscription_id,
	created_at, updated_at`

func scanUser(row pgx.Row) (model.User, error) {
	var user model.User
	var role, subscriptionType string
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FirstName,
		&user.LastName,
		&role,
		&user.EmailVerified,
		&subscriptionType,
		&user.SubscriptionStartedAt,
		&user.SubscriptionExpiresAt,
		&user.SponsorID,
		&user.SponsorSubscriptionInactive,
		&user.SupervisorID,
		&user.BillingCustomerID,
		&user.BillingMandateID,
		&user.BillingSubscriptionID,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return model.User{}, err
	}
	user.Role = model.Role(role)
	user.SubscriptionType = model.SubscriptionType(subscriptionType)
	return user, nil
}

func (s *Store) CreateUser(ctx context.Context, user model.User) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		user.ID, user.Email, user.PasswordHash, user.FirstName, user.LastName,
		string(user.Role), user.EmailVerified,
		string(user.SubscriptionType), user.SubscriptionStartedAt, user.SubscriptionExpiresAt,
		user.SponsorID, user.SponsorSubscriptionInactive, user.SupervisorID,
		user.BillingCustomerID, user.BillingMandateID, user.BillingSubscriptionID,
		user.CreatedAt, user.UpdatedAt,
	)
	return err
}

func (s *Store) UserByEmail(ctx context.Context, email string) (model.User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	return scanUser(row)
}

func (s *Store) UserByID(ctx context.Context, userID string) (model.User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, userID)
	return scanUser(row)
}

func (s *Store) UserByBillingSubscription(ctx context.Context, subscriptionID string) (model.User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE billing_subscription_id = $1`, subscriptionID)
	return scanUser(row)
}

func (s *Store) UserByBillingMandate(ctx context.Context, mandateID string) (model.User, error) {
	row := s.db.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE billing_mandate_id = $1`, mandateID)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context, limit int) ([]model.User, error) {
	rows, err := s.db.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) DeleteUser(ctx context.Context, userID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM users WHERE id = $1`, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetEmailVerified(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users SET email_verified = true, updated_at = now()
		WHERE id = $1
	`, userID)
	return err
}

func (s *Store) SetSubscription(ctx context.Context, userID string, subscriptionType model.SubscriptionType, startedAt, expiresAt *time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET subscription_type = $1, subscription_started_at = $2, subscription_expires_at = $3, updated_at = now()
		WHERE id = $4
	`, string(subscriptionType), startedAt, expiresAt, userID)
	return err
}

func (s *Store) SetSponsorship(ctx context.Context, userID string, sponsorID, supervisorID *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET sponsor_id = $1, supervisor_id = $2, updated_at = now()
		WHERE id = $3
	`, sponsorID, supervisorID, userID)
	return err
}

// MarkSponsoredInactive flips the inactive flag on every user the
// given supervisor sponsors.
func (s *Store) MarkSponsoredInactive(ctx context.Context, sponsorID string, inactive bool) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET sponsor_subscription_inactive = $1, updated_at = now()
		WHERE sponsor_id = $2
	`, inactive, sponsorID)
	return err
}

func (s *Store) CountSponsoredBy(ctx context.Context, sponsorID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `SELECT count(*) FROM users WHERE sponsor_id = $1`, sponsorID).Scan(&count)
	return count, err
}

// LockUser takes a row lock on the sponsor so concurrent sponsorship
// grants serialize on the limit check.
func (s *Store) LockUser(ctx context.Context, userID string) error {
	var id string
	return s.db.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id)
}

func (s *Store) PendingSponsorships(ctx context.Context, supervisorID string) ([]model.User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE supervisor_id = $1 AND sponsor_id IS NULL AND subscription_type = $2
		ORDER BY created_at
	`, supervisorID, string(model.SubscriptionSponsored))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) SponsoredBy(ctx context.Context, sponsorID string) ([]model.User, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+userColumns+` FROM users WHERE sponsor_id = $1 ORDER BY created_at
	`, sponsorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *Store) SetBillingIdentifiers(ctx context.Context, userID string, customerID, mandateID, subscriptionID *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users
		SET billing_customer_id = $1, billing_mandate_id = $2, billing_subscription_id = $3, updated_at = now()
		WHERE id = $4
	`, customerID, mandateID, subscriptionID, userID)
	return err
}

func (s *Store) ClearMandate(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE users SET billing_mandate_id = NULL, updated_at = now()
		WHERE id = $1
	`, userID)
	return err
}

func (s *Store) CreateRefreshSession(ctx context.Context, session model.RefreshSession) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO refresh_token_sessions (id, user_id, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, session.ID, session.UserID, session.TokenHash, session.CreatedAt, session.ExpiresAt, session.RevokedAt, session.UserAgent, session.IPAddress)
	return err
}

func (s *Store) GetRefreshSession(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	var session model.RefreshSession
	row := s.db.QueryRow(ctx, `
		SELECT id, user_id, token_hash, created_at, expires_at, revoked_at, user_agent, ip_address
		FROM refresh_token_sessions
		WHERE token_hash = $1
	`, tokenHash)
	err := row.Scan(&session.ID, &session.UserID, &session.TokenHash, &session.CreatedAt, &session.ExpiresAt, &session.RevokedAt, &session.UserAgent, &session.IPAddress)
	return session, err
}

func (s *Store) RevokeRefreshSession(ctx context.Context, sessionID string, revokedAt time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE refresh_token_sessions SET revoked_at = $1 WHERE id = $2`, revokedAt, sessionID)
	return err
}

func (s *Store) RevokeRefreshSessionsByUser(ctx context.Context, userID string, revokedAt time.Time) error {
	_, err := s.db.Exec(ctx, `
		UPDATE refresh_token_sessions SET revoked_at = $1
		WHERE user_id = $2 AND revoked_at IS NULL
	`, revokedAt, userID)
	return err
}

const projectColumns = `
	id, supervisor_id, title, description, category, start_date, end_date,
	is_completed, status, created_at, updated_at`

func scanProject(row pgx.Row) (model.Project, error) {
	var project model.Project
	var status string
	err := row.Scan(
		&project.ID,
		&project.SupervisorID,
		&project.Title,
		&project.Description,
		&project.Category,
		&project.StartDate,
		&project.EndDate,
		&project.IsCompleted,
		&status,
		&project.CreatedAt,
		&project.UpdatedAt,
	)
	if err != nil {
		return model.Project{}, err
	}
	project.Status = model.ProjectStatus(status)
	return project, nil
}

func (s *Store) CreateProject(ctx context.Context, project model.Project) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		project.ID, project.SupervisorID, project.Title, project.Description, project.Category,
		project.StartDate, project.EndDate, project.IsCompleted, string(project.Status),
		project.CreatedAt, project.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return s.SetProjectMembers(ctx, project.ID, project.StudentIDs, project.CollabIDs)
}

func (s *Store) ProjectByID(ctx context.Context, projectID string) (model.Project, error) {
	row := s.db.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, projectID)
	project, err := scanProject(row)
	if err != nil {
		return model.Project{}, err
	}

	rows, err := s.db.Query(ctx, `
		SELECT user_id, member_role FROM project_members WHERE project_id = $1
	`, projectID)
	if err != nil {
		return model.Project{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var userID, memberRole string
		if err := rows.Scan(&userID, &memberRole); err != nil {
			return model.Project{}, err
		}
		if memberRole == string(model.RoleCollaborator) {
			project.CollabIDs = append(project.CollabIDs, userID)
		} else {
			project.StudentIDs = append(project.StudentIDs, userID)
		}
	}
	return project, rows.Err()
}

func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]model.Project, error) {
	rows, err := s.db.Query(ctx, `
		SELECT DISTINCT `+qualify(projectColumns, "p")+`
		FROM projects p
		LEFT JOIN project_members m ON m.project_id = p.id
		WHERE p.supervisor_id = $1 OR m.user_id = $1
		ORDER BY p.created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []model.Project
	for rows.Next() {
		project, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (s *Store) ListActiveProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM projects WHERE is_completed = false`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type ProjectUpdate struct {
	Title          *string
	Description    *string
	Category       *string
	StartDate      *time.Time
	EndDate        *time.Time
	ClearStartDate bool
	ClearEndDate   bool
}

func (s *Store) UpdateProject(ctx context.Context, projectID string, update ProjectUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{}
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Title != nil {
		sets = append(sets, "title = "+arg(*update.Title))
	}
	if update.Description != nil {
		sets = append(sets, "description = "+arg(*update.Description))
	}
	if update.Category != nil {
		sets = append(sets, "category = "+arg(*update.Category))
	}
	if update.ClearStartDate {
		sets = append(sets, "start_date = NULL")
	} else if update.StartDate != nil {
		sets = append(sets, "start_date = "+arg(*update.StartDate))
	}
	if update.ClearEndDate {
		sets = append(sets, "end_date = NULL")
	} else if update.EndDate != nil {
		sets = append(sets, "end_date = "+arg(*update.EndDate))
	}

	query := "UPDATE projects SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(projectID)
	_, err := s.db.Exec(ctx, query, args...)
	return err
}

func (s *Store) UpdateProjectStatus(ctx context.Context, projectID string, status model.ProjectStatus) error {
	_, err := s.db.Exec(ctx, `
		UPDATE projects SET status = $1, updated_at = now() WHERE id = $2
	`, string(status), projectID)
	return err
}

func (s *Store) SetProjectCompletion(ctx context.Context, projectID string, completed bool, status model.ProjectStatus) error {
	_, err := s.db.Exec(ctx, `
		UPDATE projects SET is_completed = $1, status = $2, updated_at = now() WHERE id = $3
	`, completed, string(status), projectID)
	return err
}

func (s *Store) DeleteProject(ctx context.Context, projectID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM projects WHERE id = $1`, projectID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) SetProjectMembers(ctx context.Context, projectID string, studentIDs, collabIDs []string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM project_members WHERE project_id = $1`, projectID); err != nil {
		return err
	}
	for _, userID := range studentIDs {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO project_members (project_id, user_id, member_role) VALUES ($1, $2, $3)
		`, projectID, userID, string(model.RoleStudent)); err != nil {
			return err
		}
	}
	for _, userID := range collabIDs {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO project_members (project_id, user_id, member_role) VALUES ($1, $2, $3)
		`, projectID, userID, string(model.RoleCollaborator)); err != nil {
			return err
		}
	}
	return nil
}

const taskColumns = `
	id, project_id, title, description, status, due_date, start_date,
	duration_days, flagged, flagged_by, created_at, updated_at`

func scanTask(row pgx.Row) (model.Task, error) {
	var task model.Task
	var status string
	err := row.Scan(
		&task.ID,
		&task.ProjectID,
		&task.Title,
		&task.Description,
		&status,
		&task.DueDate,
		&task.StartDate,
		&task.DurationDays,
		&task.Flagged,
		&task.FlaggedBy,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if err != nil {
		return model.Task{}, err
	}
	// Old rows may still carry DONE/COMPLETED; fold them here so the
	// status engine never compares loose strings.
	task.Status = model.NormalizeTaskStatus(status)
	return task, nil
}

func (s *Store) CreateTask(ctx context.Context, task model.Task) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		task.ID, task.ProjectID, task.Title, task.Description, string(task.Status),
		task.DueDate, task.StartDate, task.DurationDays, task.Flagged, task.FlaggedBy,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return err
	}
	return s.SetTaskAssignees(ctx, task.ID, task.AssigneeIDs)
}

func (s *Store) TaskByID(ctx context.Context, taskID string) (model.Task, error) {
	row := s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		return model.Task{}, err
	}
	assignees, err := s.taskAssignees(ctx, []string{task.ID})
	if err != nil {
		return model.Task{}, err
	}
	task.AssigneeIDs = assignees[task.ID]
	return task, nil
}

func (s *Store) TasksByProject(ctx context.Context, projectID string) ([]model.Task, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY created_at
	`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.Task
	var taskIDs []string
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
		taskIDs = append(taskIDs, task.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(taskIDs) > 0 {
		assignees, err := s.taskAssignees(ctx, taskIDs)
		if err != nil {
			return nil, err
		}
		for i := range tasks {
			tasks[i].AssigneeIDs = assignees[tasks[i].ID]
		}
	}
	return tasks, nil
}

func (s *Store) taskAssignees(ctx context.Context, taskIDs []string) (map[string][]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT task_id, user_id FROM task_assignees WHERE task_id = ANY($1)
	`, taskIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string][]string, len(taskIDs))
	for rows.Next() {
		var taskID, userID string
		if err := rows.Scan(&taskID, &userID); err != nil {
			return nil, err
		}
		result[taskID] = append(result[taskID], userID)
	}
	return result, rows.Err()
}

func (s *Store) TaskTitleExists(ctx context.Context, projectID, title string, excludeTaskID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM tasks WHERE project_id = $1 AND lower(title) = lower($2) AND id <> $3
		)
	`, projectID, title, excludeTaskID).Scan(&exists)
	return exists, err
}

type TaskUpdate struct {
	Title          *string
	Description    *string
	Status         *model.TaskStatus
	DueDate        *time.Time
	StartDate      *time.Time
	DurationDays   *int
	ClearDueDate   bool
	ClearStartDate bool
	ClearDuration  bool
}

func (s *Store) UpdateTask(ctx context.Context, taskID string, update TaskUpdate) error {
	sets := []string{"updated_at = now()"}
	args := []any{}
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Title != nil {
		sets = append(sets, "title = "+arg(*update.Title))
	}
	if update.Description != nil {
		sets = append(sets, "description = "+arg(*update.Description))
	}
	if update.Status != nil {
		sets = append(sets, "status = "+arg(string(*update.Status)))
	}
	if update.ClearDueDate {
		sets = append(sets, "due_date = NULL")
	} else if update.DueDate != nil {
		sets = append(sets, "due_date = "+arg(*update.DueDate))
	}
	if update.ClearStartDate {
		sets = append(sets, "start_date = NULL")
	} else if update.StartDate != nil {
		sets = append(sets, "start_date = "+arg(*update.StartDate))
	}
	if update.ClearDuration {
		sets = append(sets, "duration_days = NULL")
	} else if update.DurationDays != nil {
		sets = append(sets, "duration_days = "+arg(*update.DurationDays))
	}

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id = " + arg(taskID)
	_, err := s.db.Exec(ctx, query, args...)
	return err
}

func (s *Store) SetTaskFlag(ctx context.Context, taskID string, flagged bool, flaggedBy *string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE tasks SET flagged = $1, flagged_by = $2, updated_at = now() WHERE id = $3
	`, flagged, flaggedBy, taskID)
	return err
}

func (s *Store) SetTaskAssignees(ctx context.Context, taskID string, userIDs []string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM task_assignees WHERE task_id = $1`, taskID); err != nil {
		return err
	}
	for _, userID := range userIDs {
		if _, err := s.db.Exec(ctx, `
			INSERT INTO task_assignees (task_id, user_id) VALUES ($1, $2)
		`, taskID, userID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, taskID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, taskID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// qualify prefixes each column in a comma-separated list, for joined
// queries reusing the shared column constants.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, part := range parts {
		parts[i] = alias + "." + strings.TrimSpace(part)
	}
	return strings.Join(parts, ", ")
}
