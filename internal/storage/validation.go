package storage

import (
	"fmt"
	"time"
)

// validateAndPreparePayment validates required fields and sets default timestamps.
func validateAndPreparePayment(p *Payment, now time.Time) error {
	if p.ID == "" {
		return fmt.Errorf("payment requires id")
	}
	if p.UserID == 0 {
		return fmt.Errorf("payment %s requires user id", p.ID)
	}
	if p.Method == "" {
		return fmt.Errorf("payment %s requires method", p.ID)
	}
	if p.Amount <= 0 {
		return fmt.Errorf("payment %s requires positive amount", p.ID)
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	return nil
}

// validateAndPrepareCandidate validates required fields and sets the observation time.
func validateAndPrepareCandidate(c *Candidate, now time.Time) error {
	if c.TxHash == "" {
		return fmt.Errorf("candidate requires tx hash")
	}
	if c.Amount <= 0 {
		return fmt.Errorf("candidate %s requires positive amount", c.TxHash)
	}
	if c.ObservedAt.IsZero() {
		c.ObservedAt = now
	}
	if c.BlockTime.IsZero() {
		c.BlockTime = c.ObservedAt
	}
	return nil
}
