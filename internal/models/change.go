package models

import "github.com/shopspring/decimal"

// ChangeKind classifies what happened to a product's price in one cycle.
type ChangeKind string

const (
	KindNew       ChangeKind = "NEW"
	KindDropped   ChangeKind = "DROPPED"
	KindIncreased ChangeKind = "INCREASED"
	KindUnchanged ChangeKind = "UNCHANGED"
)

// Change is the classification of a single product for one snapshot.
// OldPrice is zero for KindNew.
type Change struct {
	ProductID string
	Name      string
	OldPrice  decimal.Decimal
	NewPrice  decimal.Decimal
	Kind      ChangeKind
}

// Result is the output of one diff: the ordered changes plus the complete
// state map that should be persisted when the cycle commits.
type Result struct {
	Changes []Change
	State   PriceState
}

// History returns a price point for every change that moved or created a price.
func (r Result) History() []PricePoint {
	var points []PricePoint
	for _, c := range r.Changes {
		if c.Kind == KindUnchanged {
			continue
		}
		points = append(points, PricePoint{
			ProductID: c.ProductID,
			Name:      c.Name,
			Price:     c.NewPrice,
			Kind:      c.Kind,
		})
	}
	return points
}
