package model

import "context"

// EntityContextLookup resolves the current field values of the business entity
// an instance is bound to, for gate and condition evaluation. The returned map
// must be read-consistent at call time. A lookup failure aborts the transition
// with CONTEXT_UNAVAILABLE; no partial state change occurs.
type EntityContextLookup interface {
	Lookup(ctx context.Context, entityKind, entityID string) (map[string]any, error)
}

// DispatchOutcome is the dispatcher's report for one action.
type DispatchOutcome struct {
	Outcome string // DispatchSuccess, DispatchFailure, or DispatchQueued
	Detail  string
}

// ActionDispatcher performs or enqueues the side effect of an Action. It owns
// its retry policy. The engine records the outcome in the history entry but a
// dispatch failure never rolls back an already-committed transition.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, action Action, inst WorkflowInstance, entityCtx map[string]any) DispatchOutcome
}

// ActorResolver validates that an actor may drive transitions on a tenant's
// instances and resolves the actor's roles for condition evaluation.
// Permission enforcement is entirely external to the engine.
type ActorResolver interface {
	// Permitted reports whether the actor may mutate instances in the tenant.
	Permitted(ctx context.Context, rctx *RequestContext) (bool, error)

	// Roles returns the actor's effective roles.
	Roles(ctx context.Context, rctx *RequestContext) ([]string, error)
}
