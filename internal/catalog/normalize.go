package catalog

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"price_watcher/internal/models"

	"github.com/shopspring/decimal"
)

// Placeholder used when a record carries neither name nor short_name.
const UnnamedProduct = "Без названия"

// maxPriceDepth bounds recursion into nested {"current": ...} price objects.
const maxPriceDepth = 4

// Outcome is the result of normalizing one raw record: either a valid
// Product or the reason the record was rejected.
type Outcome struct {
	Product models.Product
	Reason  string
	valid   bool
}

// Valid wraps a normalized product.
func Valid(p models.Product) Outcome { return Outcome{Product: p, valid: true} }

// Invalid wraps a rejection reason.
func Invalid(format string, args ...any) Outcome {
	return Outcome{Reason: fmt.Sprintf(format, args...)}
}

// OK reports whether the outcome holds a product.
func (o Outcome) OK() bool { return o.valid }

// Normalize turns raw catalog records into outcomes, one per record, in input order.
// It never panics on malformed input and has no side effects.
func Normalize(raw []map[string]any) []Outcome {
	out := make([]Outcome, 0, len(raw))
	for i, rec := range raw {
		o := normalizeRecord(rec)
		if !o.OK() {
			o.Reason = fmt.Sprintf("record %d: %s", i, o.Reason)
		}
		out = append(out, o)
	}
	return out
}

// Products keeps only the valid products of outcomes.
func Products(outcomes []Outcome) []models.Product {
	products := make([]models.Product, 0, len(outcomes))
	for _, o := range outcomes {
		if o.OK() {
			products = append(products, o.Product)
		}
	}
	return products
}

func normalizeRecord(rec map[string]any) Outcome {
	if rec == nil {
		return Invalid("empty record")
	}

	id, ok := coerceID(rec["id"])
	if !ok {
		return Invalid("missing or unusable id (%v)", rec["id"])
	}

	name := UnnamedProduct
	if s := stringField(rec, "name"); s != "" {
		name = s
	} else if s := stringField(rec, "short_name"); s != "" {
		name = s
	}

	price, err := coercePrice(rec["price"], 0)
	if err != nil {
		return Invalid("product %s: %v", id, err)
	}
	if price.IsNegative() {
		return Invalid("product %s: negative price %s", id, price)
	}

	return Valid(models.Product{ID: id, Name: name, Price: price})
}

func stringField(rec map[string]any, key string) string {
	s, _ := rec[key].(string)
	return strings.TrimSpace(s)
}

// coerceID converts the id field to its string form. Names are never hashed
// into ids; a record without an id is rejected.
func coerceID(v any) (string, bool) {
	var id string
	switch t := v.(type) {
	case string:
		id = strings.TrimSpace(t)
	case json.Number:
		// Same form as the float64 path: 1e2 and 100.0 are both "100".
		if d, err := decimal.NewFromString(t.String()); err == nil {
			id = d.String()
		} else {
			id = t.String()
		}
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return "", false
		}
		id = strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		id = strconv.Itoa(t)
	case int64:
		id = strconv.FormatInt(t, 10)
	default:
		return "", false
	}
	return id, id != ""
}

func coercePrice(v any, depth int) (decimal.Decimal, error) {
	switch t := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("no price")
	case json.Number:
		d, err := decimal.NewFromString(t.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("bad price %q", t.String())
		}
		return d, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return decimal.Zero, fmt.Errorf("price is not finite")
		}
		return decimal.NewFromFloat(t), nil
	case int:
		return decimal.NewFromInt(int64(t)), nil
	case int64:
		return decimal.NewFromInt(t), nil
	case string:
		return parsePriceString(t)
	case map[string]any:
		if depth >= maxPriceDepth {
			return decimal.Zero, fmt.Errorf("price nested too deep")
		}
		cur, ok := t["current"]
		if !ok {
			return decimal.Zero, fmt.Errorf("price object without current")
		}
		return coercePrice(cur, depth+1)
	default:
		return decimal.Zero, fmt.Errorf("unsupported price type %T", v)
	}
}

// parsePriceString accepts "1 290,50" style values: whitespace (including
// no-break spaces) is dropped and a decimal comma becomes a dot.
func parsePriceString(s string) (decimal.Decimal, error) {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	if cleaned == "" {
		return decimal.Zero, fmt.Errorf("empty price string")
	}
	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad price %q", s)
	}
	return d, nil
}
