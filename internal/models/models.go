package models

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Store keys shared by every storage backend.
const (
	PriceStateKey    = "price_state"
	PinnedMessageKey = "pinned_message"
)

// Product is a catalog entry that passed normalization.
// ID is never empty and Price is never negative.
type Product struct {
	ID    string
	Name  string
	Price decimal.Decimal
}

// ProductState is what we remember about one product between cycles.
//
// LastNotifiedPrice only moves when a notification-worthy transition happens,
// so a drop to a price that was already announced is not announced again.
type ProductState struct {
	Name              string          `json:"name,omitempty"`
	Price             decimal.Decimal `json:"price"`
	LastNotifiedPrice decimal.Decimal `json:"last_notified_price"`
}

// MarshalJSON writes prices as numbers instead of decimal's default quoted strings.
func (s ProductState) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Name              string      `json:"name,omitempty"`
		Price             json.Number `json:"price"`
		LastNotifiedPrice json.Number `json:"last_notified_price"`
	}{
		Name:              s.Name,
		Price:             json.Number(s.Price.String()),
		LastNotifiedPrice: json.Number(s.LastNotifiedPrice.String()),
	})
}

// UnmarshalJSON accepts numbers or numeric strings. Entries written before
// last_notified_price existed fall back to the stored price.
func (s *ProductState) UnmarshalJSON(b []byte) error {
	var raw struct {
		Name              string           `json:"name,omitempty"`
		Price             *decimal.Decimal `json:"price"`
		LastNotifiedPrice *decimal.Decimal `json:"last_notified_price"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if raw.Price == nil {
		return fmt.Errorf("product state: missing price")
	}
	s.Name = raw.Name
	s.Price = *raw.Price
	s.LastNotifiedPrice = *raw.Price
	if raw.LastNotifiedPrice != nil {
		s.LastNotifiedPrice = *raw.LastNotifiedPrice
	}
	return nil
}

// PriceState maps product id to its remembered state.
type PriceState map[string]ProductState

// Clone returns a shallow copy; ProductState is a value type so this is a full copy.
func (p PriceState) Clone() PriceState {
	out := make(PriceState, len(p))
	for id, st := range p {
		out[id] = st
	}
	return out
}

// PinState records which announcement (if any) we have pinned.
// A nil MessageID means nothing is pinned by us.
type PinState struct {
	MessageID *string `json:"pinned_message_id"`
}

// Pinned builds a PinState holding id.
func Pinned(id string) PinState {
	return PinState{MessageID: &id}
}

// IsPinned reports whether a message id is recorded.
func (p PinState) IsPinned() bool {
	return p.MessageID != nil && *p.MessageID != ""
}

// ID returns the pinned message id or "".
func (p PinState) ID() string {
	if p.MessageID == nil {
		return ""
	}
	return *p.MessageID
}

func (p PinState) String() string {
	if !p.IsPinned() {
		return "UNPINNED"
	}
	return "PINNED(" + *p.MessageID + ")"
}

// UnmarshalJSON also accepts the integer ids Telegram hands out.
func (p *PinState) UnmarshalJSON(b []byte) error {
	var raw struct {
		MessageID json.RawMessage `json:"pinned_message_id"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	v := strings.TrimSpace(string(raw.MessageID))
	switch {
	case v == "" || v == "null":
		p.MessageID = nil
	case strings.HasPrefix(v, `"`):
		var id string
		if err := json.Unmarshal(raw.MessageID, &id); err != nil {
			return err
		}
		if id == "" {
			p.MessageID = nil
			return nil
		}
		p.MessageID = &id
	default:
		var n json.Number
		if err := json.Unmarshal(raw.MessageID, &n); err != nil {
			return fmt.Errorf("pinned_message_id: %w", err)
		}
		id := n.String()
		p.MessageID = &id
	}
	return nil
}

// Snapshot is everything a cycle reads from the store, read once.
type Snapshot struct {
	Prices PriceState
	Pin    PinState
}

// PricePoint is one row of observed price history.
type PricePoint struct {
	ProductID string
	Name      string
	Price     decimal.Decimal
	Kind      ChangeKind
}
