// Package directory defines the identity collaborator: resolving a user id
// to its current permission level and ceiling, and resolving a required
// authority level to a concrete approver. Production deployments back this
// with their identity provider; Static is the in-memory implementation used
// by tests and lite mode.
package directory

import (
	"context"
	"fmt"
	"sync"

	"github.com/castellan-io/castellan/pkg/contracts"
)

// Directory is consumed by the approval engine and emergency component.
type Directory interface {
	// Lookup returns the actor for a user id.
	Lookup(ctx context.Context, userID string) (contracts.Actor, error)

	// ApproverForLevel returns a concrete approver holding exactly the
	// required authority level.
	ApproverForLevel(ctx context.Context, level int) (contracts.Actor, error)
}

// Static is a fixed in-memory directory.
type Static struct {
	mu      sync.RWMutex
	byID    map[string]contracts.Actor
	byLevel map[int][]contracts.Actor
}

// NewStatic creates an empty static directory.
func NewStatic() *Static {
	return &Static{
		byID:    make(map[string]contracts.Actor),
		byLevel: make(map[int][]contracts.Actor),
	}
}

// Add registers an actor. The first actor added at a level becomes that
// level's approver.
func (d *Static) Add(actor contracts.Actor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byID[actor.ID] = actor
	d.byLevel[actor.Level] = append(d.byLevel[actor.Level], actor)
}

func (d *Static) Lookup(ctx context.Context, userID string) (contracts.Actor, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	actor, ok := d.byID[userID]
	if !ok {
		return contracts.Actor{}, fmt.Errorf("directory: user %s: %w", userID, contracts.ErrNotFound)
	}
	return actor, nil
}

func (d *Static) ApproverForLevel(ctx context.Context, level int) (contracts.Actor, error) {
	_ = ctx
	d.mu.RLock()
	defer d.mu.RUnlock()
	actors := d.byLevel[level]
	if len(actors) == 0 {
		return contracts.Actor{}, fmt.Errorf("directory: no approver holds level %d: %w",
			level, contracts.ErrConfigurationGap)
	}
	return actors[0], nil
}
