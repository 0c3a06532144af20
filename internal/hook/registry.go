// Package hook is an explicit registry of extension callbacks. Extensions
// register typed functions at startup instead of being discovered by
// naming convention at runtime.
package hook

import (
	"context"
	"sync"

	"github.com/rayhinton/moodle-local-ltiprovider/internal/model"
)

// GradeSyncHook may veto the grade delivery for one (tool, user) pair.
// Returning false skips the user without counting an error.
type GradeSyncHook func(ctx context.Context, tool *model.Tool, user *model.ProvisionedUser) bool

type Registry struct {
	mu         sync.RWMutex
	gradeHooks []GradeSyncHook
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) RegisterGradeSync(h GradeSyncHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gradeHooks = append(r.gradeHooks, h)
}

// AllowGradeSync runs every registered hook; all must consent. Hooks keep
// running after a veto so each one still observes the pair.
func (r *Registry) AllowGradeSync(ctx context.Context, tool *model.Tool, user *model.ProvisionedUser) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowed := true
	for _, h := range r.gradeHooks {
		allowed = h(ctx, tool, user) && allowed
	}
	return allowed
}
