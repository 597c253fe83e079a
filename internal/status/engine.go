// Package status derives a project's status label from its tasks and
// timeline. Derivation is pure; callers persist the result.
package status

import (
	"time"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/model"
)

// overdueGrace is how far past its due date a task must be before it
// counts as overdue. Tasks late by less than this still count for the
// behind-schedule set, which has no grace.
const overdueGrace = 24 * time.Hour

// behindScheduleStatuses are the active statuses that put a past-due
// task into the behind-schedule set.
var behindScheduleStatuses = map[model.TaskStatus]bool{
	model.TaskBehindSchedule: true,
	model.TaskNotStarted:     true,
	model.TaskTodo:           true,
	model.TaskInProgress:     true,
}

// view holds the per-snapshot counts the rules are written against.
type view struct {
	total            int
	completed        int
	overdue          int
	behindSchedule   int
	durationOverflow int
	beyondProject    int
}

type rule struct {
	name    string
	matches func(view) bool
	result  model.ProjectStatus
}

// rules is the ordered cascade; the first matching rule wins. The last
// rule always matches.
var rules = []rule{
	{"not started", func(v view) bool { return v.total == 0 }, model.ProjectNotStarted},
	{"completed", func(v view) bool { return v.completed == v.total }, model.ProjectCompleted},
	{"danger", func(v view) bool {
		return v.behindSchedule >= 2 || v.durationOverflow > 0 || v.beyondProject > 0
	}, model.ProjectDanger},
	{"at risk", func(v view) bool { return v.behindSchedule == 1 }, model.ProjectAtRisk},
	{"behind schedule", func(v view) bool { return v.overdue > 0 }, model.ProjectBehindSchedule},
	{"on track", func(view) bool { return true }, model.ProjectOnTrack},
}

// Derive classifies a project from a snapshot of its tasks, its end
// date and the current time. Task order is irrelevant and absent dates
// simply keep the rules they gate from firing.
func Derive(tasks []model.Task, projectEnd *time.Time, now time.Time) model.ProjectStatus {
	v := view{total: len(tasks)}
	for _, task := range tasks {
		if task.Status.Complete() {
			v.completed++
			continue
		}
		if task.DueDate != nil {
			due := *task.DueDate
			if due.Before(now.Add(-overdueGrace)) {
				v.overdue++
			}
			if due.Before(now) && behindScheduleStatuses[task.Status] {
				v.behindSchedule++
			}
			if projectEnd != nil && due.After(*projectEnd) {
				v.beyondProject++
			}
		}
		if task.StartDate != nil && projectEnd != nil && task.DurationDays != nil && *task.DurationDays > 0 {
			projected := task.StartDate.AddDate(0, 0, *task.DurationDays)
			if projected.After(*projectEnd) {
				v.durationOverflow++
			}
		}
	}

	for _, r := range rules {
		if r.matches(v) {
			return r.result
		}
	}
	return model.ProjectOnTrack
}
