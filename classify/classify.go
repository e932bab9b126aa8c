// Package classify defines the capability boundary to the external
// message-quality classifier. The ledger only consumes the returned label;
// classification itself is out of scope.
package classify

import (
	"context"

	"stampledger/pricing"
)

// Classifier labels a message with a pricing category.
type Classifier interface {
	Classify(ctx context.Context, message string) (pricing.Category, error)
}

// Static returns a fixed category for every message. The zero value, used
// when no classifier is configured or the real one is unreachable, labels
// everything unsolicited-bulk: the most conservative category, so degraded
// classification can only over-price a send.
type Static struct {
	Category pricing.Category
}

// Classify implements Classifier.
func (s Static) Classify(ctx context.Context, message string) (pricing.Category, error) {
	if s.Category == "" {
		return pricing.CategoryBulk, nil
	}
	return s.Category, nil
}

// Fallback wraps a classifier so that any error degrades to the most
// conservative category instead of blocking the ledger operation.
type Fallback struct {
	Inner Classifier
}

// Classify implements Classifier with safe degradation.
func (f Fallback) Classify(ctx context.Context, message string) (pricing.Category, error) {
	if f.Inner == nil {
		return pricing.CategoryBulk, nil
	}
	category, err := f.Inner.Classify(ctx, message)
	if err != nil {
		return pricing.CategoryBulk, nil
	}
	return category, nil
}
