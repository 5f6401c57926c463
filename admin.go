package main

import (
	"context"
	"errors"
	"fmt"
	"log"
)

const (
	actionBan     = "ban"
	actionUnban   = "unban"
	actionSetTier = "set_tier"
	actionSetRole = "set_role"
)

// Admin holds the moderation operations. Every mutation is written to the
// audit log, drops the target's cached status and notifies listeners.
type Admin struct {
	db        DB
	resolver  *StatusResolver
	events    Publisher
	freeLimit int
}

func NewAdmin(db DB, resolver *StatusResolver, events Publisher, freeLimit int) *Admin {
	return &Admin{db: db, resolver: resolver, events: events, freeLimit: freeLimit}
}

func (a *Admin) ListUsers(ctx context.Context, limit, offset int) ([]*User, error) {
	limit, offset = clampPage(limit, offset)
	users, err := a.db.ListUsers(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}

func (a *Admin) ListScans(ctx context.Context, userID int64, limit, offset int) ([]*ScanRecord, error) {
	limit, offset = clampPage(limit, offset)
	scans, err := a.db.ListScans(ctx, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing scans: %w", err)
	}
	return scans, nil
}

func (a *Admin) ListActions(ctx context.Context, limit, offset int) ([]*AdminAction, error) {
	limit, offset = clampPage(limit, offset)
	actions, err := a.db.ListAdminActions(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing admin actions: %w", err)
	}
	return actions, nil
}

func (a *Admin) SetBanned(ctx context.Context, adminID, targetID int64, banned bool, reason string) (*User, error) {
	if adminID == targetID {
		return nil, fmt.Errorf("%w: admins cannot ban themselves", ErrInvalidInput)
	}
	action := actionUnban
	if banned {
		action = actionBan
	}
	return a.mutate(ctx, adminID, targetID, action, reason, func() error {
		return a.db.SetBanned(ctx, targetID, banned)
	})
}

// SetTier grants or removes a paid tier without a payment, e.g. for support
// cases. The scan limit follows the tier.
func (a *Admin) SetTier(ctx context.Context, adminID, targetID int64, tier Tier) (*User, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, tier)
	}
	return a.mutate(ctx, adminID, targetID, actionSetTier, string(tier), func() error {
		return a.db.SetTier(ctx, targetID, tier, scanLimitFor(tier, a.freeLimit))
	})
}

func (a *Admin) SetRole(ctx context.Context, adminID, targetID int64, role Role) (*User, error) {
	switch role {
	case RoleBuyer, RoleSeller, RoleAdmin:
	default:
		return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	if adminID == targetID && role != RoleAdmin {
		return nil, fmt.Errorf("%w: admins cannot demote themselves", ErrInvalidInput)
	}
	return a.mutate(ctx, adminID, targetID, actionSetRole, string(role), func() error {
		return a.db.SetRole(ctx, targetID, role)
	})
}

func (a *Admin) mutate(ctx context.Context, adminID, targetID int64, action, detail string, apply func() error) (*User, error) {
	if _, err := a.db.GetUserByID(ctx, targetID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("loading user: %w", err)
	}
	if err := apply(); err != nil {
		return nil, fmt.Errorf("%s user %d: %w", action, targetID, err)
	}
	a.resolver.Invalidate(ctx, targetID)

	rec := &AdminAction{AdminID: adminID, TargetUserID: targetID, Action: action, Detail: detail}
	if err := a.db.CreateAdminAction(ctx, rec); err != nil {
		// the change itself is committed; losing the audit row is logged, not fatal
		log.Printf("[admin] audit %s on %d by %d: %v", action, targetID, adminID, err)
	}
	log.Printf("[admin] %d: %s user %d %s", adminID, action, targetID, detail)

	u, err := a.db.GetUserByID(ctx, targetID)
	if err != nil {
		return nil, fmt.Errorf("reloading user: %w", err)
	}
	if a.events != nil {
		a.events.Publish(Event{Type: EventAccountUpdated, UserID: targetID, Data: map[string]interface{}{
			"action": action, "tier": u.Tier, "banned": u.Banned, "role": u.Role,
		}})
		a.events.Publish(Event{Type: EventAdminAction, Data: rec})
	}
	return u, nil
}
