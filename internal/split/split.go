// Package split computes how an order total is divided among participants.
// Every function is pure; amounts are in the smallest currency unit.
package split

import (
	"fmt"

	"github.com/suyeshs/stonepot-sub001/pkg/protocol"
)

// RemainderPolicy decides who absorbs the units left over when an equal
// split does not divide evenly.
type RemainderPolicy string

const (
	// The owner absorbs the whole remainder.
	RemainderOwner RemainderPolicy = "owner"
	// One unit each, owner first, then participants in join order.
	RemainderSpread RemainderPolicy = "spread"
)

// ParsePolicy accepts "owner" or "spread"; empty means owner.
func ParsePolicy(s string) (RemainderPolicy, error) {
	switch RemainderPolicy(s) {
	case "", RemainderOwner:
		return RemainderOwner, nil
	case RemainderSpread:
		return RemainderSpread, nil
	}
	return "", fmt.Errorf("unknown remainder policy %q", s)
}

// DefaultTolerance is how far a custom split may drift from the total.
const DefaultTolerance int64 = 1

type Calculator struct {
	Policy    RemainderPolicy
	Tolerance int64
}

func NewCalculator(policy RemainderPolicy, tolerance int64) Calculator {
	if policy == "" {
		policy = RemainderOwner
	}
	if tolerance < 0 {
		tolerance = 0
	}
	return Calculator{Policy: policy, Tolerance: tolerance}
}

// Compute returns the breakdown for the room's current split type.
func (c Calculator) Compute(r *protocol.Room) protocol.SplitBreakdown {
	total := r.ComputeTotal()
	ids := r.ParticipantIDs()

	switch r.SplitType {
	case protocol.SplitItemized:
		return Itemized(r.Items, ids)
	case protocol.SplitCustom:
		return Custom(r.CustomSplitAmounts, ids, total, c.Tolerance)
	default:
		return Equal(total, ids, r.OwnerID, c.Policy)
	}
}

// Equal divides total evenly. The remainder goes where policy says so that
// the shares always add up to total.
func Equal(total int64, participantIDs []string, ownerID string, policy RemainderPolicy) protocol.SplitBreakdown {
	b := protocol.SplitBreakdown{
		Type:   protocol.SplitEqual,
		Total:  total,
		Shares: make(map[string]protocol.Share, len(participantIDs)),
	}
	n := int64(len(participantIDs))
	if n == 0 {
		return b
	}

	base := total / n
	remainder := total % n
	amounts := make(map[string]int64, n)
	for _, id := range participantIDs {
		amounts[id] = base
	}

	if remainder > 0 {
		order := ownerFirst(participantIDs, ownerID)
		switch policy {
		case RemainderSpread:
			for i := int64(0); i < remainder; i++ {
				amounts[order[i]]++
			}
		default:
			amounts[order[0]] += remainder
		}
	}

	for id, amount := range amounts {
		b.Shares[id] = protocol.Share{Amount: amount, PercentOfTotal: percent(amount, total)}
	}
	return b
}

// Itemized charges each participant for the items they added.
func Itemized(items []protocol.Item, participantIDs []string) protocol.SplitBreakdown {
	var total int64
	amounts := make(map[string]int64, len(participantIDs))
	counts := make(map[string]int, len(participantIDs))
	for _, id := range participantIDs {
		amounts[id] = 0
	}
	for _, item := range items {
		amounts[item.AddedBy] += item.Subtotal()
		counts[item.AddedBy]++
		total += item.Subtotal()
	}

	b := protocol.SplitBreakdown{
		Type:   protocol.SplitItemized,
		Total:  total,
		Shares: make(map[string]protocol.Share, len(amounts)),
	}
	for id, amount := range amounts {
		b.Shares[id] = protocol.Share{
			Amount:         amount,
			PercentOfTotal: percent(amount, total),
			ItemCount:      counts[id],
		}
	}
	return b
}

// Custom echoes the owner's amounts and flags whether they are acceptable.
// Invalid amounts are never corrected.
func Custom(amounts map[string]int64, participantIDs []string, total, tolerance int64) protocol.SplitBreakdown {
	b := protocol.SplitBreakdown{
		Type:             protocol.SplitCustom,
		Total:            total,
		Shares:           make(map[string]protocol.Share, len(participantIDs)),
		CustomSplitValid: CustomValid(amounts, participantIDs, total, tolerance),
	}
	for _, id := range participantIDs {
		amount := amounts[id]
		b.Shares[id] = protocol.Share{Amount: amount, PercentOfTotal: percent(amount, total)}
	}
	return b
}

// CustomValid holds iff every participant has a non-negative entry, no
// entry names a stranger, and the entries sum to total within tolerance.
func CustomValid(amounts map[string]int64, participantIDs []string, total, tolerance int64) bool {
	members := make(map[string]struct{}, len(participantIDs))
	for _, id := range participantIDs {
		amount, ok := amounts[id]
		if !ok || amount < 0 || amount > total+tolerance {
			return false
		}
		members[id] = struct{}{}
	}

	var sum int64
	for id, amount := range amounts {
		if _, ok := members[id]; !ok {
			return false
		}
		sum += amount
	}

	diff := sum - total
	if diff < 0 {
		diff = -diff
	}
	return diff <= tolerance
}

func ownerFirst(ids []string, ownerID string) []string {
	order := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == ownerID {
			order = append(order, id)
		}
	}
	for _, id := range ids {
		if id != ownerID {
			order = append(order, id)
		}
	}
	return order
}

func percent(amount, total int64) float64 {
	if total == 0 {
		return 0
	}
	return float64(amount) / float64(total) * 100
}
