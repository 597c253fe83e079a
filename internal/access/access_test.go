package access

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ProjectDesk-app/ProjectDesk-app/internal/crypto"
	"github.com/ProjectDesk-app/ProjectDesk-app/internal/model"
)

var testNow = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeStore struct {
	users map[string]model.User
}

func newFakeStore(users ...model.User) *fakeStore {
	store := &fakeStore{users: make(map[string]model.User)}
	for _, user := range users {
		store.users[user.ID] = user
	}
	return store
}

func (f *fakeStore) UserByEmail(_ context.Context, email string) (model.User, error) {
	for _, user := range f.users {
		if user.Email == email {
			return user, nil
		}
	}
	return model.User{}, pgx.ErrNoRows
}

func (f *fakeStore) UserByID(_ context.Context, userID string) (model.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return model.User{}, pgx.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) SetSubscription(_ context.Context, userID string, subscriptionType model.SubscriptionType, startedAt, expiresAt *time.Time) error {
	user := f.users[userID]
	user.SubscriptionType = subscriptionType
	user.SubscriptionStartedAt = startedAt
	user.SubscriptionExpiresAt = expiresAt
	f.users[userID] = user
	return nil
}

func (f *fakeStore) SetSponsorship(_ context.Context, userID string, sponsorID, supervisorID *string) error {
	user := f.users[userID]
	user.SponsorID = sponsorID
	user.SupervisorID = supervisorID
	f.users[userID] = user
	return nil
}

func (f *fakeStore) MarkSponsoredInactive(_ context.Context, sponsorID string, inactive bool) error {
	for id, user := range f.users {
		if user.SponsorID != nil && *user.SponsorID == sponsorID {
			user.SponsorSubscriptionInactive = inactive
			f.users[id] = user
		}
	}
	return nil
}

func (f *fakeStore) CountSponsoredBy(_ context.Context, sponsorID string) (int, error) {
	count := 0
	for _, user := range f.users {
		if user.SponsorID != nil && *user.SponsorID == sponsorID {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) LockUser(_ context.Context, userID string) error {
	if _, ok := f.users[userID]; !ok {
		return pgx.ErrNoRows
	}
	return nil
}

func (f *fakeStore) ClearMandate(_ context.Context, userID string) error {
	user := f.users[userID]
	user.BillingMandateID = nil
	f.users[userID] = user
	return nil
}

func (f *fakeStore) InTx(_ context.Context, fn func(Store) error) error {
	return fn(f)
}

type fakeNotifier struct {
	sent []string
}

func (f *fakeNotifier) Send(to, _, _ string) error {
	f.sent = append(f.sent, to)
	return nil
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := crypto.HashPassword(password)
	if err != nil {
		t.Fatalf("hash error: %v", err)
	}
	return hash
}

func controller(store Store) *Controller {
	return NewController(store, nil).WithClock(func() time.Time { return testNow })
}

func supervisor(t *testing.T, id string, subscriptionType model.SubscriptionType) model.User {
	t.Helper()
	return model.User{
		ID:               id,
		Email:            id + "@example.test",
		PasswordHash:     mustHash(t, "correct-horse"),
		Role:             model.RoleSupervisor,
		EmailVerified:    true,
		SubscriptionType: subscriptionType,
	}
}

func TestAuthorizeNoUser(t *testing.T) {
	c := controller(newFakeStore())
	if _, err := c.Authorize(context.Background(), "nobody@example.test", "pw"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestAuthorizeInvalidPassword(t *testing.T) {
	user := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	c := controller(newFakeStore(user))
	if _, err := c.Authorize(context.Background(), user.Email, "wrong"); !errors.Is(err, ErrInvalidPassword) {
		t.Fatalf("expected ErrInvalidPassword, got %v", err)
	}
}

func TestAuthorizeUnverifiedEmailReturnsUser(t *testing.T) {
	user := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	user.EmailVerified = false
	c := controller(newFakeStore(user))

	got, err := c.Authorize(context.Background(), user.Email, "correct-horse")
	if !errors.Is(err, ErrEmailNotVerified) {
		t.Fatalf("expected ErrEmailNotVerified, got %v", err)
	}
	// The user comes back with the error so the caller can send a fresh
	// verification email.
	if got.ID != user.ID {
		t.Fatalf("expected user returned alongside the error")
	}
}

func TestAuthorizeAwaitingApproval(t *testing.T) {
	user := model.User{
		ID:               "stu-1",
		Email:            "stu-1@example.test",
		PasswordHash:     mustHash(t, "correct-horse"),
		Role:             model.RoleStudent,
		EmailVerified:    true,
		SubscriptionType: model.SubscriptionSponsored,
	}
	c := controller(newFakeStore(user))
	if _, err := c.Authorize(context.Background(), user.Email, "correct-horse"); !errors.Is(err, ErrAwaitingApproval) {
		t.Fatalf("expected ErrAwaitingApproval, got %v", err)
	}
}

func TestAuthorizeTrialExpiryBoundary(t *testing.T) {
	user := supervisor(t, "sup-1", model.SubscriptionFreeTrial)

	justExpired := testNow.Add(-time.Second)
	user.SubscriptionExpiresAt = &justExpired
	c := controller(newFakeStore(user))
	if _, err := c.Authorize(context.Background(), user.Email, "correct-horse"); !errors.Is(err, ErrTrialEnded) {
		t.Fatalf("expected ErrTrialEnded one second past expiry, got %v", err)
	}

	stillValid := testNow.Add(time.Second)
	user.SubscriptionExpiresAt = &stillValid
	c = controller(newFakeStore(user))
	if _, err := c.Authorize(context.Background(), user.Email, "correct-horse"); err != nil {
		t.Fatalf("expected success one second before expiry, got %v", err)
	}
}

func TestAuthorizeCancelledRejectedAtLogin(t *testing.T) {
	// Regression pin: of the two historical authorize behaviours, this
	// implementation rejects cancelled accounts at login.
	user := supervisor(t, "sup-1", model.SubscriptionCancelled)
	c := controller(newFakeStore(user))
	if _, err := c.Authorize(context.Background(), user.Email, "correct-horse"); !errors.Is(err, ErrSubscriptionCancelled) {
		t.Fatalf("expected ErrSubscriptionCancelled, got %v", err)
	}
}

func TestAuthorizeSponsoredWithInactiveSponsorSucceeds(t *testing.T) {
	sponsorID := "sup-1"
	user := model.User{
		ID:                          "stu-1",
		Email:                       "stu-1@example.test",
		PasswordHash:                mustHash(t, "correct-horse"),
		Role:                        model.RoleStudent,
		EmailVerified:               true,
		SubscriptionType:            model.SubscriptionSponsored,
		SponsorID:                   &sponsorID,
		SponsorSubscriptionInactive: true,
	}
	c := controller(newFakeStore(user))

	got, err := c.Authorize(context.Background(), user.Email, "correct-horse")
	if err != nil {
		t.Fatalf("expected auth to succeed, got %v", err)
	}
	if reason, locked := Lockout(got); !locked || reason != "sponsor_subscription_inactive" {
		t.Fatalf("expected sponsor-inactive lockout, got locked=%v reason=%s", locked, reason)
	}
}

func TestLockout(t *testing.T) {
	cancelled := model.User{Role: model.RoleSupervisor, SubscriptionType: model.SubscriptionCancelled}
	if reason, locked := Lockout(cancelled); !locked || reason != "subscription_cancelled" {
		t.Fatalf("expected cancelled supervisor lockout, got %v %s", locked, reason)
	}

	active := model.User{Role: model.RoleSupervisor, SubscriptionType: model.SubscriptionSubscribed}
	if _, locked := Lockout(active); locked {
		t.Fatalf("expected no lockout for subscribed supervisor")
	}
}

func TestSponsorUsersRequiresActiveSubscription(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionFreeTrial)
	target := model.User{ID: "stu-1", Email: "stu-1@example.test", Role: model.RoleStudent}
	c := controller(newFakeStore(sponsor, target))

	if err := c.SponsorUsers(context.Background(), sponsor.ID, []string{target.ID}); !errors.Is(err, ErrCannotSponsor) {
		t.Fatalf("expected ErrCannotSponsor, got %v", err)
	}
}

func TestSponsorUsersRejectsNonSponsorableRoles(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	otherSupervisor := supervisor(t, "sup-2", model.SubscriptionFreeTrial)
	admin := model.User{ID: "adm-1", Role: model.RoleAdmin}
	c := controller(newFakeStore(sponsor, otherSupervisor, admin))

	if err := c.SponsorUsers(context.Background(), sponsor.ID, []string{otherSupervisor.ID}); !errors.Is(err, ErrNotSponsorable) {
		t.Fatalf("expected ErrNotSponsorable for supervisor target, got %v", err)
	}
	if err := c.SponsorUsers(context.Background(), sponsor.ID, []string{admin.ID}); !errors.Is(err, ErrNotSponsorable) {
		t.Fatalf("expected ErrNotSponsorable for admin target, got %v", err)
	}
}

func TestSponsorUsersConflict(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	otherSponsor := "sup-2"
	target := model.User{ID: "stu-1", Role: model.RoleStudent, SponsorID: &otherSponsor}
	c := controller(newFakeStore(sponsor, target))

	if err := c.SponsorUsers(context.Background(), sponsor.ID, []string{target.ID}); !errors.Is(err, ErrSponsorConflict) {
		t.Fatalf("expected ErrSponsorConflict, got %v", err)
	}
}

func TestSponsorUsersLimit(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	store := newFakeStore(sponsor)
	sponsorID := sponsor.ID
	for i := 0; i < SupervisorSponsorLimit; i++ {
		id := fmt.Sprintf("stu-%02d", i)
		store.users[id] = model.User{ID: id, Role: model.RoleStudent, SponsorID: &sponsorID}
	}
	store.users["stu-extra"] = model.User{ID: "stu-extra", Role: model.RoleStudent}

	c := controller(store)
	if err := c.SponsorUsers(context.Background(), sponsor.ID, []string{"stu-extra"}); !errors.Is(err, ErrSponsorLimit) {
		t.Fatalf("expected ErrSponsorLimit at %d sponsored, got %v", SupervisorSponsorLimit, err)
	}
}

func TestSponsorUsersGrant(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	target := model.User{ID: "stu-1", Email: "stu-1@example.test", Role: model.RoleStudent, SubscriptionType: model.SubscriptionFreeTrial}
	store := newFakeStore(sponsor, target)
	notifier := &fakeNotifier{}
	c := NewController(store, notifier).WithClock(func() time.Time { return testNow })

	if err := c.SponsorUsers(context.Background(), sponsor.ID, []string{target.ID}); err != nil {
		t.Fatalf("sponsor error: %v", err)
	}

	got := store.users[target.ID]
	if got.SubscriptionType != model.SubscriptionSponsored {
		t.Fatalf("expected SPONSORED, got %s", got.SubscriptionType)
	}
	if got.SponsorID == nil || *got.SponsorID != sponsor.ID {
		t.Fatalf("expected sponsor link to %s", sponsor.ID)
	}
	if got.SubscriptionExpiresAt != nil {
		t.Fatalf("expected expiry cleared")
	}
	if len(notifier.sent) != 1 || notifier.sent[0] != target.Email {
		t.Fatalf("expected target notified, got %v", notifier.sent)
	}

	// Re-granting the same sponsorship is a no-op, not a conflict.
	if err := c.SponsorUsers(context.Background(), sponsor.ID, []string{target.ID}); err != nil {
		t.Fatalf("expected re-grant to be a no-op, got %v", err)
	}
}

func TestApproveSponsorship(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	supervisorID := sponsor.ID
	expiry := testNow.Add(24 * time.Hour)
	target := model.User{
		ID:                    "stu-1",
		Email:                 "stu-1@example.test",
		Role:                  model.RoleStudent,
		SubscriptionType:      model.SubscriptionSponsored,
		SupervisorID:          &supervisorID,
		SubscriptionExpiresAt: &expiry,
	}
	store := newFakeStore(sponsor, target)
	c := controller(store)

	if err := c.ApproveSponsorship(context.Background(), sponsor.ID, target.ID); err != nil {
		t.Fatalf("approve error: %v", err)
	}

	got := store.users[target.ID]
	if got.SponsorID == nil || *got.SponsorID != sponsor.ID {
		t.Fatalf("expected sponsor set after approval")
	}
	if got.SubscriptionExpiresAt != nil {
		t.Fatalf("expected expiry cleared after approval")
	}

	// Approving twice is no longer pending.
	if err := c.ApproveSponsorship(context.Background(), sponsor.ID, target.ID); !errors.Is(err, ErrNotPendingApproval) {
		t.Fatalf("expected ErrNotPendingApproval on second approve, got %v", err)
	}
}

func TestApproveSponsorshipWrongSupervisor(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	otherSupervisor := "sup-2"
	target := model.User{
		ID:               "stu-1",
		Role:             model.RoleStudent,
		SubscriptionType: model.SubscriptionSponsored,
		SupervisorID:     &otherSupervisor,
	}
	c := controller(newFakeStore(sponsor, target))

	if err := c.ApproveSponsorship(context.Background(), sponsor.ID, target.ID); !errors.Is(err, ErrNotPendingApproval) {
		t.Fatalf("expected ErrNotPendingApproval, got %v", err)
	}
}

func TestRemoveSponsorship(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	sponsorID := sponsor.ID
	target := model.User{
		ID:               "stu-1",
		Email:            "stu-1@example.test",
		Role:             model.RoleStudent,
		SubscriptionType: model.SubscriptionSponsored,
		SponsorID:        &sponsorID,
		SupervisorID:     &sponsorID,
	}
	store := newFakeStore(sponsor, target)
	c := controller(store)

	if err := c.RemoveSponsorship(context.Background(), sponsor.ID, target.ID); err != nil {
		t.Fatalf("remove error: %v", err)
	}

	got := store.users[target.ID]
	if got.SubscriptionType != model.SubscriptionFreeTrial {
		t.Fatalf("expected FREE_TRIAL after removal, got %s", got.SubscriptionType)
	}
	if got.SponsorID != nil || got.SupervisorID != nil {
		t.Fatalf("expected sponsor and supervisor links cleared")
	}
	if got.SubscriptionExpiresAt == nil || !got.SubscriptionExpiresAt.Equal(testNow) {
		t.Fatalf("expected expiry set to now, got %v", got.SubscriptionExpiresAt)
	}
}

func TestTerminateSubscriptionIdempotent(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionSubscribed)
	sponsorID := sponsor.ID
	target := model.User{ID: "stu-1", Role: model.RoleStudent, SubscriptionType: model.SubscriptionSponsored, SponsorID: &sponsorID}
	store := newFakeStore(sponsor, target)
	c := controller(store)

	for i := 0; i < 2; i++ {
		if err := c.TerminateSubscription(context.Background(), sponsor.ID); err != nil {
			t.Fatalf("terminate error: %v", err)
		}
	}

	gotSponsor := store.users[sponsor.ID]
	if gotSponsor.SubscriptionType != model.SubscriptionCancelled {
		t.Fatalf("expected CANCELLED, got %s", gotSponsor.SubscriptionType)
	}
	if gotSponsor.SubscriptionExpiresAt == nil {
		t.Fatalf("expected expiry set on termination")
	}
	gotTarget := store.users[target.ID]
	if !gotTarget.SponsorSubscriptionInactive {
		t.Fatalf("expected sponsored user flagged inactive")
	}
}

func TestActivateSubscriptionKeepsStartDate(t *testing.T) {
	sponsor := supervisor(t, "sup-1", model.SubscriptionFreeTrial)
	store := newFakeStore(sponsor)
	firstNow := testNow
	c := NewController(store, nil).WithClock(func() time.Time { return firstNow })

	if err := c.ActivateSubscription(context.Background(), sponsor.ID); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	got := store.users[sponsor.ID]
	if got.SubscriptionStartedAt == nil || !got.SubscriptionStartedAt.Equal(testNow) {
		t.Fatalf("expected start date %v, got %v", testNow, got.SubscriptionStartedAt)
	}

	// A redelivered activation must not shift the recorded start.
	firstNow = testNow.Add(48 * time.Hour)
	if err := c.ActivateSubscription(context.Background(), sponsor.ID); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	got = store.users[sponsor.ID]
	if got.SubscriptionStartedAt == nil || !got.SubscriptionStartedAt.Equal(testNow) {
		t.Fatalf("expected start date unchanged at %v, got %v", testNow, got.SubscriptionStartedAt)
	}
}

func TestSponsorCancellationScenario(t *testing.T) {
	// Supervisor A sponsors student B; A's billing is cancelled via
	// webhook; B can still authenticate but is locked out post-login.
	sponsor := supervisor(t, "sup-a", model.SubscriptionSubscribed)
	target := model.User{
		ID:               "stu-b",
		Email:            "stu-b@example.test",
		PasswordHash:     mustHash(t, "correct-horse"),
		Role:             model.RoleStudent,
		EmailVerified:    true,
		SubscriptionType: model.SubscriptionFreeTrial,
	}
	store := newFakeStore(sponsor, target)
	c := controller(store)

	if err := c.SponsorUsers(context.Background(), sponsor.ID, []string{target.ID}); err != nil {
		t.Fatalf("sponsor error: %v", err)
	}
	if err := c.TerminateSubscription(context.Background(), sponsor.ID); err != nil {
		t.Fatalf("terminate error: %v", err)
	}

	user, err := c.Authorize(context.Background(), target.Email, "correct-horse")
	if err != nil {
		t.Fatalf("expected sponsoree login to succeed, got %v", err)
	}
	if reason, locked := Lockout(user); !locked || reason != "sponsor_subscription_inactive" {
		t.Fatalf("expected post-login lockout, got locked=%v reason=%s", locked, reason)
	}

	// Billing reactivation clears the flag again.
	if err := c.ActivateSubscription(context.Background(), sponsor.ID); err != nil {
		t.Fatalf("activate error: %v", err)
	}
	user, err = c.Authorize(context.Background(), target.Email, "correct-horse")
	if err != nil {
		t.Fatalf("login error: %v", err)
	}
	if _, locked := Lockout(user); locked {
		t.Fatalf("expected lockout cleared after reactivation")
	}
}
