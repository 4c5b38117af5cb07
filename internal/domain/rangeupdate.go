/**
 * @description
 * Types for the admin bulk range-update operator. Ranges address orders by
 * their 1-based chronological position within the filtered set (created_at
 * ascending) rather than by explicit IDs, because operators reason about
 * orders as "the first 200 pending ones".
 */

package domain

import (
	"fmt"
	"time"
)

// Range spec modes.
const (
	RangeAll     = "all"
	RangeUpTo    = "up_to"   // positions 1..From
	RangeFrom    = "from"    // positions From..end
	RangeBetween = "between" // positions From..To inclusive
)

// RangeSpec selects a contiguous positional sub-range of the filtered,
// chronologically ordered order set.
type RangeSpec struct {
	Mode string `json:"mode"`
	From int    `json:"from,omitempty"`
	To   int    `json:"to,omitempty"`
}

// Validate checks mode and positional arguments.
func (r RangeSpec) Validate() error {
	switch r.Mode {
	case RangeAll:
		return nil
	case RangeUpTo, RangeFrom:
		if r.From < 1 {
			return fmt.Errorf("range %s requires a position >= 1, got %d", r.Mode, r.From)
		}
		return nil
	case RangeBetween:
		if r.From < 1 || r.To < r.From {
			return fmt.Errorf("range between requires 1 <= from <= to, got from=%d to=%d", r.From, r.To)
		}
		return nil
	}
	return fmt.Errorf("unknown range mode %q", r.Mode)
}

// Bounds resolves the range to inclusive 1-based [lo, hi] positions. hi == 0
// means an empty selection. The same resolution backs both preview and execute
// so a previewed range is exactly what execute touches.
func (r RangeSpec) Bounds(total int) (lo, hi int) {
	if total <= 0 {
		return 0, 0
	}
	switch r.Mode {
	case RangeUpTo:
		lo, hi = 1, r.From
	case RangeFrom:
		lo, hi = r.From, total
	case RangeBetween:
		lo, hi = r.From, r.To
	default: // RangeAll
		lo, hi = 1, total
	}
	if hi > total {
		hi = total
	}
	if lo < 1 {
		lo = 1
	}
	if lo > total || hi < lo {
		return 0, 0
	}
	return lo, hi
}

// RangeUpdateFilters narrows the order set before positions are assigned.
type RangeUpdateFilters struct {
	Network *Network   `json:"network,omitempty"`
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
}

// RangeUpdatePreview is the dry-run result: how many orders the selection
// covers and a sample of their references.
type RangeUpdatePreview struct {
	Count  int      `json:"count"`
	Sample []string `json:"sample"`
}

// RangeUpdateResult reports an executed bulk transition.
type RangeUpdateResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
	Refunded int64 `json:"refunded"` // refund credits inserted when transitioning to failed
}
