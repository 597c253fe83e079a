package model

import (
	"fmt"
	"strings"
	"time"
)

type Role string

const (
	RoleSupervisor   Role = "SUPERVISOR"
	RoleStudent      Role = "STUDENT"
	RoleCollaborator Role = "COLLABORATOR"
	RoleAdmin        Role = "ADMIN"
)

func ParseRole(raw string) (Role, error) {
	switch Role(normalizeEnum(raw)) {
	case RoleSupervisor:
		return RoleSupervisor, nil
	case RoleStudent:
		return RoleStudent, nil
	case RoleCollaborator:
		return RoleCollaborator, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

type SubscriptionType string

const (
	SubscriptionFreeTrial     SubscriptionType = "FREE_TRIAL"
	SubscriptionSubscribed    SubscriptionType = "SUBSCRIBED"
	SubscriptionSponsored     SubscriptionType = "SPONSORED"
	SubscriptionCancelled     SubscriptionType = "CANCELLED"
	SubscriptionAdminApproved SubscriptionType = "ADMIN_APPROVED"
)

func ParseSubscriptionType(raw string) (SubscriptionType, error) {
	switch SubscriptionType(normalizeEnum(raw)) {
	case SubscriptionFreeTrial:
		return SubscriptionFreeTrial, nil
	case SubscriptionSubscribed:
		return SubscriptionSubscribed, nil
	case SubscriptionSponsored:
		return SubscriptionSponsored, nil
	case SubscriptionCancelled:
		return SubscriptionCancelled, nil
	case SubscriptionAdminApproved:
		return SubscriptionAdminApproved, nil
	default:
		return "", fmt.Errorf("unknown subscription type %q", raw)
	}
}

type TaskStatus string

const (
	TaskTodo           TaskStatus = "TODO"
	TaskInProgress     TaskStatus = "IN_PROGRESS"
	TaskBehindSchedule TaskStatus = "BEHIND_SCHEDULE"
	TaskAtRisk         TaskStatus = "AT_RISK"
	TaskComplete       TaskStatus = "COMPLETE"
	TaskBlocked        TaskStatus = "BLOCKED"

	// Legacy value still present on old task rows; treated like TODO by
	// the status engine but preserved as stored.
	TaskNotStarted TaskStatus = "NOT_STARTED"
)

// NormalizeTaskStatus folds casing, hyphens and the DONE/COMPLETED
// aliases into the canonical vocabulary. It accepts anything; strict
// validation of API input is ParseTaskStatus.
func NormalizeTaskStatus(raw string) TaskStatus {
	normalized := normalizeEnum(raw)
	switch normalized {
	case "DONE", "COMPLETED":
		return TaskComplete
	default:
		return TaskStatus(normalized)
	}
}

func ParseTaskStatus(raw string) (TaskStatus, error) {
	switch status := NormalizeTaskStatus(raw); status {
	case TaskTodo, TaskInProgress, TaskBehindSchedule, TaskAtRisk, TaskComplete, TaskBlocked, TaskNotStarted:
		return status, nil
	default:
		return "", fmt.Errorf("unknown task status %q", raw)
	}
}

// Complete reports whether the task counts as finished. Aliases are
// folded at the boundary, so only the canonical value is checked.
func (s TaskStatus) Complete() bool {
	return s == TaskComplete
}

type ProjectStatus string

const (
	ProjectNotStarted     ProjectStatus = "Not Started"
	ProjectOnTrack        ProjectStatus = "On Track"
	ProjectAtRisk         ProjectStatus = "At Risk"
	ProjectBehindSchedule ProjectStatus = "Behind Schedule"
	ProjectDanger         ProjectStatus = "Danger"
	ProjectCompleted      ProjectStatus = "Completed"
)

func normalizeEnum(raw string) string {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	normalized = strings.ReplaceAll(normalized, " ", "_")
	return normalized
}

type User struct {
	ID                          string
	Email                       string
	PasswordHash                string
	FirstName                   string
	LastName                    string
	Role                        Role
	EmailVerified               bool
	SubscriptionType            SubscriptionType
	SubscriptionStartedAt       *time.Time
	SubscriptionExpiresAt       *time.Time
	SponsorID                   *string
	SponsorSubscriptionInactive bool
	SupervisorID                *string
	BillingCustomerID           *string
	BillingMandateID            *string
	BillingSubscriptionID       *string
	CreatedAt                   time.Time
	UpdatedAt                   time.Time
}

type Project struct {
	ID           string
	SupervisorID string
	Title        string
	Description  string
	Category     string
	StartDate    *time.Time
	EndDate      *time.Time
	IsCompleted  bool
	Status       ProjectStatus
	StudentIDs   []string
	CollabIDs    []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayStatus honours the completion flag over the derived status.
func (p Project) DisplayStatus() ProjectStatus {
	if p.IsCompleted {
		return ProjectCompleted
	}
	return p.Status
}

type Task struct {
	ID           string
	ProjectID    string
	Title        string
	Description  string
	Status       TaskStatus
	DueDate      *time.Time
	StartDate    *time.Time
	DurationDays *int
	Flagged      bool
	FlaggedBy    *string
	AssigneeIDs  []string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RefreshSession struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	UserAgent *string
	IPAddress *string
}
