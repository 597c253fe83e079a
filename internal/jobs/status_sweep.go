package jobs

import (
	"context"
	"log"
	"time"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/config"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/repository"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/status"
)

// StartStatusSweepJob periodically re-derives the status of every
// active project so time-driven transitions (a due date passing with
// nothing else changing) surface without waiting for a user request.
func StartStatusSweepJob(ctx context.Context, cfg config.Config, store *repository.Store) {
	if !cfg.StatusSweepEnabled {
		return
	}
	interval := cfg.StatusSweepInterval
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweep(ctx, store)
			}
		}
	}()
}

func sweep(ctx context.Context, store *repository.Store) {
	now := time.Now().UTC()
	tickCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	projectIDs, err := store.ListActiveProjectIDs(tickCtx)
	if err != nil {
		log.Printf("status sweep error: %v", err)
		return
	}

	updated := 0
	for _, projectID := range projectIDs {
		before, err := store.ProjectByID(tickCtx, projectID)
		if err != nil {
			continue
		}
		derived, err := status.Recompute(tickCtx, store, projectID, now)
		if err != nil {
			log.Printf("status sweep project %s error: %v", projectID, err)
			continue
		}
		if derived != before.Status {
			updated++
		}
	}
	if updated > 0 {
		log.Printf("status sweep updated %d projects", updated)
	}
}
