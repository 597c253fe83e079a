// Package access decides who may authenticate and act, and owns the
// subscription/sponsorship state machine.
package access

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/crypto"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/model"
)

// SupervisorSponsorLimit caps how many sponsored users may reference
// the same sponsor.
const SupervisorSponsorLimit = 50

var (
	ErrUserNotFound          = errors.New("no user found")
	ErrInvalidPassword       = errors.New("invalid password")
	ErrEmailNotVerified      = errors.New("email not verified")
	ErrAwaitingApproval      = errors.New("awaiting sponsorship approval")
	ErrTrialEnded            = errors.New("your free trial has ended")
	ErrSubscriptionCancelled = errors.New("subscription cancelled")

	ErrCannotSponsor      = errors.New("an active subscription is required to sponsor accounts")
	ErrNotSponsorable     = errors.New("only students and collaborators can be sponsored")
	ErrSponsorConflict    = errors.New("user is already sponsored by another supervisor")
	ErrSponsorLimit       = fmt.Errorf("sponsorship limit of %d reached", SupervisorSponsorLimit)
	ErrNotPendingApproval = errors.New("no pending sponsorship request for this user")
)

// Store is the slice of the repository the controller needs. InTx must
// hand fn a transaction-bound store; the sponsorship limit check is a
// read-modify-write and runs entirely inside it.
type Store interface {
	UserByEmail(ctx context.Context, email string) (model.User, error)
	UserByID(ctx context.Context, userID string) (model.User, error)
	SetSubscription(ctx context.Context, userID string, subscriptionType model.SubscriptionType, startedAt, expiresAt *time.Time) error
	SetSponsorship(ctx context.Context, userID string, sponsorID, supervisorID *string) error
	MarkSponsoredInactive(ctx context.Context, sponsorID string, inactive bool) error
	CountSponsoredBy(ctx context.Context, sponsorID string) (int, error)
	LockUser(ctx context.Context, userID string) error
	ClearMandate(ctx context.Context, userID string) error
	InTx(ctx context.Context, fn func(Store) error) error
}

// Notifier delivers best-effort email. Failures are logged, never
// propagated.
type Notifier interface {
	Send(to, subject, body string) error
}

type Controller struct {
	store    Store
	notifier Notifier
	now      func() time.Time
}

func NewController(store Store, notifier Notifier) *Controller {
	return &Controller{
		store:    store,
		notifier: notifier,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the controller's clock. Tests only.
func (c *Controller) WithClock(now func() time.Time) *Controller {
	c.now = now
	return c
}

// Authorize runs the authentication gate in order; the first failing
// check wins. On ErrEmailNotVerified the user is still returned so the
// caller can issue a fresh verification email.
func (c *Controller) Authorize(ctx context.Context, email, password string) (model.User, error) {
	user, err := c.store.UserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.User{}, ErrUserNotFound
		}
		return model.User{}, err
	}

	if err := crypto.CheckPassword(user.PasswordHash, password); err != nil {
		return model.User{}, ErrInvalidPassword
	}

	if !user.EmailVerified {
		return user, ErrEmailNotVerified
	}

	if user.SubscriptionType == model.SubscriptionSponsored && user.SponsorID == nil {
		return model.User{}, ErrAwaitingApproval
	}

	if user.SubscriptionType == model.SubscriptionFreeTrial &&
		user.SubscriptionExpiresAt != nil && user.SubscriptionExpiresAt.Before(c.now()) {
		return model.User{}, ErrTrialEnded
	}

	// Stricter of the two historical behaviours: cancelled accounts are
	// turned away at login rather than at the lockout screen.
	if user.SubscriptionType == model.SubscriptionCancelled {
		return model.User{}, ErrSubscriptionCancelled
	}

	return user, nil
}

// CanSponsorAccounts reports whether a supervisor's own subscription
// permits sponsoring others.
func CanSponsorAccounts(user model.User) bool {
	return user.SubscriptionType == model.SubscriptionSubscribed ||
		user.SubscriptionType == model.SubscriptionAdminApproved
}

// Lockout reports the post-login blocking state for a user. Evaluated
// fresh on every profile fetch since billing changes via webhook.
func Lockout(user model.User) (string, bool) {
	if user.Role == model.RoleSupervisor && user.SubscriptionType == model.SubscriptionCancelled {
		return "subscription_cancelled", true
	}
	if user.SponsorID != nil && user.SponsorSubscriptionInactive {
		return "sponsor_subscription_inactive", true
	}
	return "", false
}

// SponsorUsers grants sponsorship of the target users to the sponsor.
// The whole grant, including the limit check, runs in one transaction
// with the sponsor row locked.
func (c *Controller) SponsorUsers(ctx context.Context, sponsorID string, targetIDs []string) error {
	now := c.now()
	var notified []model.User

	err := c.store.InTx(ctx, func(tx Store) error {
		if err := tx.LockUser(ctx, sponsorID); err != nil {
			return err
		}
		sponsor, err := tx.UserByID(ctx, sponsorID)
		if err != nil {
			return err
		}
		if !CanSponsorAccounts(sponsor) {
			return ErrCannotSponsor
		}

		count, err := tx.CountSponsoredBy(ctx, sponsorID)
		if err != nil {
			return err
		}

		for _, targetID := range targetIDs {
			target, err := tx.UserByID(ctx, targetID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrUserNotFound
				}
				return err
			}
			if target.Role != model.RoleStudent && target.Role != model.RoleCollaborator {
				return ErrNotSponsorable
			}
			if target.SponsorID != nil {
				if *target.SponsorID == sponsorID {
					continue
				}
				return ErrSponsorConflict
			}
			if count+1 > SupervisorSponsorLimit {
				return ErrSponsorLimit
			}

			supervisorID := target.SupervisorID
			if supervisorID == nil {
				supervisorID = &sponsorID
			}
			if err := tx.SetSponsorship(ctx, targetID, &sponsorID, supervisorID); err != nil {
				return err
			}
			if err := tx.SetSubscription(ctx, targetID, model.SubscriptionSponsored, &now, nil); err != nil {
				return err
			}
			count++
			notified = append(notified, target)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, target := range notified {
		c.notify(target.Email, "Your account is now sponsored",
			"A supervisor is now sponsoring your ProjectDesk account. You can sign in right away.")
	}
	return nil
}

// ApproveSponsorship accepts a pending request from a user whose
// supervisor link points at the approver.
func (c *Controller) ApproveSponsorship(ctx context.Context, sponsorID, targetID string) error {
	var targetEmail string

	err := c.store.InTx(ctx, func(tx Store) error {
		if err := tx.LockUser(ctx, sponsorID); err != nil {
			return err
		}
		sponsor, err := tx.UserByID(ctx, sponsorID)
		if err != nil {
			return err
		}
		if !CanSponsorAccounts(sponsor) {
			return ErrCannotSponsor
		}

		target, err := tx.UserByID(ctx, targetID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrUserNotFound
			}
			return err
		}
		if target.SubscriptionType != model.SubscriptionSponsored || target.SponsorID != nil {
			return ErrNotPendingApproval
		}
		if target.SupervisorID == nil || *target.SupervisorID != sponsorID {
			return ErrNotPendingApproval
		}

		count, err := tx.CountSponsoredBy(ctx, sponsorID)
		if err != nil {
			return err
		}
		if count+1 > SupervisorSponsorLimit {
			return ErrSponsorLimit
		}

		if err := tx.SetSponsorship(ctx, targetID, &sponsorID, target.SupervisorID); err != nil {
			return err
		}
		now := c.now()
		if err := tx.SetSubscription(ctx, targetID, model.SubscriptionSponsored, &now, nil); err != nil {
			return err
		}
		targetEmail = target.Email
		return nil
	})
	if err != nil {
		return err
	}

	c.notify(targetEmail, "Sponsorship approved",
		"Your sponsorship request was approved. You can sign in to ProjectDesk now.")
	return nil
}

// RemoveSponsorship declines a pending request or withdraws an active
// sponsorship. The target drops to an already-expired free trial.
func (c *Controller) RemoveSponsorship(ctx context.Context, sponsorID, targetID string) error {
	target, err := c.store.UserByID(ctx, targetID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrUserNotFound
		}
		return err
	}

	sponsored := target.SponsorID != nil && *target.SponsorID == sponsorID
	pending := target.SponsorID == nil && target.SupervisorID != nil && *target.SupervisorID == sponsorID
	if !sponsored && !pending {
		return ErrNotPendingApproval
	}

	if err := c.store.SetSponsorship(ctx, targetID, nil, nil); err != nil {
		return err
	}
	now := c.now()
	if err := c.store.SetSubscription(ctx, targetID, model.SubscriptionFreeTrial, target.SubscriptionStartedAt, &now); err != nil {
		return err
	}

	c.notify(target.Email, "Sponsorship removed",
		"Your ProjectDesk sponsorship has been removed. Contact your supervisor if you believe this is a mistake.")
	return nil
}

// ActivateSubscription applies a billing activation: the supervisor
// becomes SUBSCRIBED and any sponsored users are unflagged. An already
// subscribed account keeps its start date, so webhook redelivery is a
// no-op.
func (c *Controller) ActivateSubscription(ctx context.Context, userID string) error {
	user, err := c.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	startedAt := user.SubscriptionStartedAt
	if user.SubscriptionType != model.SubscriptionSubscribed || startedAt == nil {
		now := c.now()
		startedAt = &now
	}
	if err := c.store.SetSubscription(ctx, userID, model.SubscriptionSubscribed, startedAt, nil); err != nil {
		return err
	}
	return c.store.MarkSponsoredInactive(ctx, userID, false)
}

// TerminateSubscription applies a billing termination: CANCELLED with
// an immediate expiry, and every sponsored user flagged inactive. Safe
// to re-apply on webhook redelivery.
func (c *Controller) TerminateSubscription(ctx context.Context, userID string) error {
	user, err := c.store.UserByID(ctx, userID)
	if err != nil {
		return err
	}
	now := c.now()
	if err := c.store.SetSubscription(ctx, userID, model.SubscriptionCancelled, user.SubscriptionStartedAt, &now); err != nil {
		return err
	}
	return c.store.MarkSponsoredInactive(ctx, userID, true)
}

// CancelMandate handles a mandate-level failure: the mandate reference
// is dropped and the subscription terminated.
func (c *Controller) CancelMandate(ctx context.Context, userID string) error {
	if err := c.store.ClearMandate(ctx, userID); err != nil {
		return err
	}
	return c.TerminateSubscription(ctx, userID)
}

func (c *Controller) notify(to, subject, body string) {
	if c.notifier == nil || to == "" {
		return
	}
	if err := c.notifier.Send(to, subject, body); err != nil {
		log.Printf("notification to %s failed: %v", to, err)
	}
}
