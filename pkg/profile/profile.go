// Package profile resolves a user's subscription tier.
//
// The tier decides whether completed results stay in hot storage (paid) or
// are moved to the cold archive after the retention window (free).
package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Tier is a user's subscription level.
type Tier string

const (
	TierFree Tier = "free"
	TierPaid Tier = "paid"
)

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	return t == TierFree || t == TierPaid
}

// ParseTier accepts the tier names and the role names used by the profiles table.
func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "free", "free_user":
		return TierFree, nil
	case "paid", "premium", "premium_user":
		return TierPaid, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, s)
	}
}

var (
	// ErrUnknownUser indicates the profile backend has no entry for the user.
	ErrUnknownUser = errors.New("unknown user")

	// ErrUnknownTier indicates a stored role that maps to no tier.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrReadOnly indicates the backend does not support tier updates.
	ErrReadOnly = errors.New("profile backend is read-only")
)

// Lookup returns the tier for a user.
type Lookup interface {
	Tier(ctx context.Context, userID string) (Tier, error)
}

// Updater changes a user's tier.
type Updater interface {
	SetTier(ctx context.Context, userID string, tier Tier) error
}

// Static is an in-memory Lookup and Updater backed by a map.
//
// Users missing from the map resolve to Default when it is set, otherwise
// ErrUnknownUser.
type Static struct {
	mu      sync.RWMutex
	tiers   map[string]Tier
	Default Tier
}

// NewStatic copies tiers into a new Static lookup.
func NewStatic(tiers map[string]Tier, def Tier) *Static {
	m := make(map[string]Tier, len(tiers))
	for k, v := range tiers {
		m[k] = v
	}
	return &Static{tiers: m, Default: def}
}

// ParseStatic builds a Static lookup from user -> tier name pairs.
func ParseStatic(users map[string]string, def string) (*Static, error) {
	var defTier Tier
	if def != "" {
		t, err := ParseTier(def)
		if err != nil {
			return nil, fmt.Errorf("default tier: %w", err)
		}
		defTier = t
	}
	tiers := make(map[string]Tier, len(users))
	for user, name := range users {
		t, err := ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("user %s: %w", user, err)
		}
		tiers[user] = t
	}
	return &Static{tiers: tiers, Default: defTier}, nil
}

// Tier implements Lookup.
func (s *Static) Tier(_ context.Context, userID string) (Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tiers[userID]; ok {
		return t, nil
	}
	if s.Default != "" {
		return s.Default, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownUser, userID)
}

// SetTier implements Updater.
func (s *Static) SetTier(_ context.Context, userID string, tier Tier) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tiers == nil {
		s.tiers = make(map[string]Tier)
	}
	s.tiers[userID] = tier
	return nil
}

// IsUnknownUser reports whether err indicates a missing profile.
func IsUnknownUser(err error) bool {
	return errors.Is(err, ErrUnknownUser)
}
