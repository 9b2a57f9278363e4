// Package tracker classifies price movements between snapshots and turns the
// classifications into announcement lines.
package tracker

import (
	"price_watcher/internal/models"
)

// Diff classifies every product of the new snapshot against prev and returns the
// next state map. prev is not modified. Products missing from the snapshot are
// carried forward unchanged and produce no Change.
//
// Rules, per product with new price p:
//   - unknown id: NEW, baseline state {p, p}, never announced.
//   - p < old and p != lastNotified: DROPPED, lastNotified = p.
//   - p > old: INCREASED, lastNotified = p.
//   - otherwise (including p == old): UNCHANGED, lastNotified kept.
//
// A product id repeated within one snapshot is classified only once.
func Diff(products []models.Product, prev models.PriceState) models.Result {
	next := prev.Clone()
	changes := make([]models.Change, 0, len(products))
	seen := make(map[string]struct{}, len(products))

	for _, p := range products {
		if _, dup := seen[p.ID]; dup {
			continue
		}
		seen[p.ID] = struct{}{}

		old, known := prev[p.ID]
		if !known {
			next[p.ID] = models.ProductState{Name: p.Name, Price: p.Price, LastNotifiedPrice: p.Price}
			changes = append(changes, models.Change{
				ProductID: p.ID,
				Name:      p.Name,
				NewPrice:  p.Price,
				Kind:      models.KindNew,
			})
			continue
		}

		kind := classify(p, old)
		st := models.ProductState{Name: p.Name, Price: p.Price, LastNotifiedPrice: old.LastNotifiedPrice}
		if kind == models.KindDropped || kind == models.KindIncreased {
			st.LastNotifiedPrice = p.Price
		}
		next[p.ID] = st

		changes = append(changes, models.Change{
			ProductID: p.ID,
			Name:      p.Name,
			OldPrice:  old.Price,
			NewPrice:  p.Price,
			Kind:      kind,
		})
	}

	return models.Result{Changes: changes, State: next}
}

func classify(p models.Product, old models.ProductState) models.ChangeKind {
	switch {
	case p.Price.LessThan(old.Price) && !p.Price.Equal(old.LastNotifiedPrice):
		return models.KindDropped
	case p.Price.GreaterThan(old.Price):
		return models.KindIncreased
	default:
		return models.KindUnchanged
	}
}
