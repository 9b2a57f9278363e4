package tracker

import (
	"fmt"

	"price_watcher/internal/models"

	"github.com/shopspring/decimal"
)

// Summary is what the pin state machine needs from one diff.
type Summary struct {
	Drops       []string // one line per DROPPED change, snapshot order
	AnyIncrease bool
	Counts      map[models.ChangeKind]int
}

// Aggregate builds the drop lines and the increase flag from a diff result.
// NEW and UNCHANGED entries produce no lines.
func Aggregate(r models.Result) Summary {
	s := Summary{Counts: make(map[models.ChangeKind]int, 4)}
	for _, c := range r.Changes {
		s.Counts[c.Kind]++
		switch c.Kind {
		case models.KindDropped:
			s.Drops = append(s.Drops, DropLine(c))
		case models.KindIncreased:
			s.AnyIncrease = true
		}
	}
	return s
}

// DropLine formats a single price drop.
func DropLine(c models.Change) string {
	return fmt.Sprintf("📉 Цена на '%s' снизилась: %s ₽ → %s ₽", c.Name, FormatPrice(c.OldPrice), FormatPrice(c.NewPrice))
}

// FormatPrice prints whole prices without decimals and everything else with two.
func FormatPrice(d decimal.Decimal) string {
	if d.Equal(d.Truncate(0)) {
		return d.StringFixed(0)
	}
	return d.StringFixed(2)
}
