// Package actors implements the ActorResolver collaborator: permission checks
// and role resolution for the identities driving workflow instances.
package actors

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/attestia/stageflow/model"
)

// Permission required to start, transition, pause, resume, or cancel
// instances.
const PermInstancesWrite = "instances:write"

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// StaticPolicyResolver resolves permissions from a static YAML file mapping
// roles to permission strings:
//
//	roles:
//	  case_officer: [instances:write]
//	  auditor: []
type StaticPolicyResolver struct {
	path   string
	mu     sync.RWMutex
	policy policyFile
}

// NewStaticPolicyResolver creates a resolver that loads policy from path.
func NewStaticPolicyResolver(path string) (*StaticPolicyResolver, error) {
	r := &StaticPolicyResolver{path: path}
	if err := r.Sync(); err != nil {
		return nil, err
	}
	return r, nil
}

// Sync reloads the policy file from disk.
func (r *StaticPolicyResolver) Sync() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return fmt.Errorf("actors: reading policy file %s: %w", r.path, err)
	}

	var p policyFile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("actors: parsing policy file %s: %w", r.path, err)
	}

	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()
	return nil
}

// Permitted reports whether any of the actor's roles grants instances:write.
// The system identity the scheduler runs under is always permitted.
func (r *StaticPolicyResolver) Permitted(_ context.Context, rctx *model.RequestContext) (bool, error) {
	if rctx.HasRole("system") {
		return true, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range rctx.Roles {
		for _, perm := range r.policy.Roles[role] {
			if perm == PermInstancesWrite {
				return true, nil
			}
		}
	}
	return false, nil
}

// Roles returns the actor's effective roles as carried by the token.
func (r *StaticPolicyResolver) Roles(_ context.Context, rctx *model.RequestContext) ([]string, error) {
	return rctx.Roles, nil
}

// AllowAllResolver permits every authenticated actor. Used in development and
// tests.
type AllowAllResolver struct{}

// Permitted always reports true.
func (AllowAllResolver) Permitted(_ context.Context, _ *model.RequestContext) (bool, error) {
	return true, nil
}

// Roles returns the actor's token roles unchanged.
func (AllowAllResolver) Roles(_ context.Context, rctx *model.RequestContext) ([]string, error) {
	return rctx.Roles, nil
}
