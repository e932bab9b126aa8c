// Package pricing computes the stake a message must post. It is pure: every
// function is deterministic in its inputs and performs no I/O, so the send
// path can call it synchronously and tests need no database.
package pricing

import (
	"math"
)

// Category is a message-quality label supplied by an external classifier.
// The engine never classifies anything itself; it only applies the
// coefficient table to a label its caller provides.
type Category string

const (
	CategoryReply        Category = "reply"
	CategoryHighValue    Category = "high-value"
	CategoryOrdinary     Category = "ordinary"
	CategoryFirstContact Category = "first-contact"
	CategoryBulk         Category = "unsolicited-bulk"
)

const (
	// BaseCost is the quadratic base when the sender has no unread backlog.
	BaseCost = 3
	// ExponentCap bounds the quadratic term so repeated ignoring cannot
	// produce unbounded prices.
	ExponentCap = 10
	// ColdSendFloor is the minimum stake for a first-contact send regardless
	// of the receiver's configured price.
	ColdSendFloor = 3
)

var coefficients = map[Category]float64{
	CategoryReply:        0,
	CategoryHighValue:    0.5,
	CategoryOrdinary:     1,
	CategoryFirstContact: 2,
	CategoryBulk:         4,
}

// Coefficient returns the multiplier for a category. Unknown labels fall back
// to the most conservative coefficient, so a confused or unavailable
// classifier can only over-price, never under-price.
func Coefficient(category Category) float64 {
	if c, ok := coefficients[category]; ok {
		return c
	}
	return coefficients[CategoryBulk]
}

// QuadraticBase returns the base cost for a sender with the given count of
// consecutive unread messages to this receiver. The count resets to zero the
// moment any message from the sender is read.
func QuadraticBase(unread int) int64 {
	if unread <= 0 {
		return BaseCost
	}
	n := unread + 1
	if n > ExponentCap {
		n = ExponentCap
	}
	return int64(n) * int64(n)
}

// QuadraticCost combines the quadratic base with the category coefficient.
// The result is a non-negative integer, floored at 1 token for every
// category except reply, which is free.
func QuadraticCost(unread int, category Category) int64 {
	if category == CategoryReply {
		return 0
	}
	cost := int64(math.Ceil(float64(QuadraticBase(unread)) * Coefficient(category)))
	if cost < 1 {
		cost = 1
	}
	return cost
}

// History summarizes the prior relationship between a sender and a receiver.
// It is derived by the messaging collaborator, not owned by the ledger.
type History struct {
	// SentToReceiver counts prior messages from the sender to the receiver.
	SentToReceiver int
	// ReceivedFromReceiver counts prior messages from the receiver back.
	ReceivedFromReceiver int
	// Known marks a whitelisted or address-book contact.
	Known bool
}

// FirstContact reports whether no message has moved in either direction.
func (h History) FirstContact() bool {
	return h.SentToReceiver == 0 && h.ReceivedFromReceiver == 0
}

// RelationshipCost prices an ordinary, unclassified send from relationship
// history alone. Self-sends and known contacts are free; a cold first
// contact pays at least the cold-send floor; an established conversation
// pays the receiver's configured rate.
func RelationshipCost(sender, receiver string, hist History, receivePrice int64) int64 {
	if receivePrice < 0 {
		receivePrice = 0
	}
	if sender == receiver || hist.Known {
		return 0
	}
	if hist.FirstContact() {
		if receivePrice > ColdSendFloor {
			return receivePrice
		}
		return ColdSendFloor
	}
	return receivePrice
}
