// Package quota decides whether a tenant may receive another bot reply,
// based on its plan's message cap and its billing window.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// User-facing denial messages. They are sent to the participant verbatim.
const (
	MessageExceeded      = "Has superado el número de mensajes permitidos."
	MessageWindowExpired = "Tu período de facturación ha vencido. Debes renovar tu plan."
	MessageLookupFailed  = "Error verificando el límite de mensajes o el período de facturación."
)

// Errors.
var (
	ErrQuotaExceeded        = errors.New("message quota exceeded")
	ErrBillingWindowExpired = errors.New("billing window expired")
	ErrQuotaLookupFailed    = errors.New("quota lookup failed")
)

// Usage is the tenant's consumption and billing window.
type Usage struct {
	PlanID      int64
	Messages    int
	WindowStart time.Time
	WindowEnd   time.Time
}

// Store reads usage and plan limits.
type Store interface {
	TenantUsage(ctx context.Context, tenantID int64) (Usage, error)
	PlanLimit(ctx context.Context, planID int64) (int, error)
}

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed bool
	// Message is the user-facing denial text (empty when allowed).
	Message string
	// Err is one of the sentinel errors above, wrapping the cause for
	// lookup failures.
	Err error
}

// Guard evaluates quota decisions. The zero value uses time.Now.
type Guard struct {
	Now func() time.Time
}

// NewGuard returns a Guard using the wall clock.
func NewGuard() *Guard {
	return &Guard{Now: time.Now}
}

// Check evaluates the tenant's quota. The cap is checked before the
// billing window; any lookup failure denies.
func (g *Guard) Check(ctx context.Context, store Store, tenantID int64) Decision {
	usage, err := store.TenantUsage(ctx, tenantID)
	if err != nil {
		return lookupFailed(fmt.Errorf("tenant %d usage: %w", tenantID, err))
	}

	limit, err := store.PlanLimit(ctx, usage.PlanID)
	if err != nil {
		return lookupFailed(fmt.Errorf("plan %d limit: %w", usage.PlanID, err))
	}

	if usage.Messages >= limit {
		return Decision{Message: MessageExceeded, Err: ErrQuotaExceeded}
	}

	now := g.now()
	if now.Before(usage.WindowStart) || now.After(usage.WindowEnd) {
		return Decision{Message: MessageWindowExpired, Err: ErrBillingWindowExpired}
	}

	return Decision{Allowed: true}
}

func (g *Guard) now() time.Time {
	if g == nil || g.Now == nil {
		return time.Now()
	}
	return g.Now()
}

func lookupFailed(cause error) Decision {
	return Decision{
		Message: MessageLookupFailed,
		Err:     fmt.Errorf("%w: %w", ErrQuotaLookupFailed, cause),
	}
}
