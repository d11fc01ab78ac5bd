package budget

import "github.com/miradorstack/mirador-triage/internal/models"

// Reservation holds estimated tokens until the call settles or is released.
type Reservation struct {
	ID     string
	Tenant string
	Tier   models.ModelTier
	Tokens int

	controller *Controller
	done       bool
}

// Settle records actual usage and frees the hold. Settling twice, or after Release, does nothing.
func (r *Reservation) Settle(actualTokens int, cost float64) {
	c := r.controller
	c.mu.Lock()
	if !c.finishLocked(r) {
		c.mu.Unlock()
		return
	}
	c.recordLocked(r.Tenant, actualTokens, cost, c.now())
	state := c.snapshotLocked()
	c.mu.Unlock()
	c.persist(state)
}

// Release frees the hold without recording usage. Safe to call after Settle.
func (r *Reservation) Release() {
	c := r.controller
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finishLocked(r)
}

func (c *Controller) finishLocked(r *Reservation) bool {
	if r.done {
		return false
	}
	if _, ok := c.reservations[r.ID]; !ok {
		return false
	}
	r.done = true
	delete(c.reservations, r.ID)
	c.pending -= r.Tokens
	c.pendingTenant[r.Tenant] -= r.Tokens
	if c.pendingTenant[r.Tenant] <= 0 {
		delete(c.pendingTenant, r.Tenant)
	}
	return true
}
