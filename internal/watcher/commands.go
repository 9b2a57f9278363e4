package watcher

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"price_watcher/internal/tracker"
)

// maxPriceLines caps /prices output.
const maxPriceLines = 30

type CommandDoc struct {
	Name        string
	Description string
	Example     string
}

var commands = []CommandDoc{
	{"/ping", "Connectivity check", "/ping"},
	{"/status", "Tracked products, pinned announcement, schedule", "/status"},
	{"/prices", "Stored prices, optionally filtered by name or id", "/prices коллаген"},
	{"/help", "This list", "/help"},
}

// HandleCommand answers an admin command. It only reads the store.
func (w *Watcher) HandleCommand(ctx context.Context, cmd string) string {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return ""
	}

	// "/status@my_bot" -> "/status"
	name, _, _ := strings.Cut(strings.ToLower(parts[0]), "@")
	switch name {
	case "/ping":
		return "Pong 🏓"
	case "/status":
		return w.getStatus(ctx)
	case "/prices":
		return w.getPrices(ctx, strings.Join(parts[1:], " "))
	case "/help", "/start":
		return getHelp()
	default:
		return "Unknown command. Try /status, /prices or /help."
	}
}

func getHelp() string {
	var sb strings.Builder
	sb.WriteString("🤖 PRICE WATCHER COMMANDS\n\n")
	for _, cmd := range commands {
		sb.WriteString(fmt.Sprintf("🔹 %s\n%s\n%s\n\n", cmd.Name, cmd.Description, cmd.Example))
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (w *Watcher) getStatus(ctx context.Context) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("📊 Price Watcher %s\n", w.cfg.Version))
	sb.WriteString(fmt.Sprintf("Uptime: %s\n", time.Since(w.startedAt).Round(time.Second)))
	sb.WriteString(fmt.Sprintf("Interval: %s | Store: %s\n", w.cfg.CheckInterval, w.cfg.StoreBackend))

	snap, err := w.deps.Store.Load(ctx)
	if err != nil {
		sb.WriteString(fmt.Sprintf("⚠️ State unavailable: %v", err))
		return sb.String()
	}

	pending := 0
	for _, p := range snap.Prices {
		if !p.Price.Equal(p.LastNotifiedPrice) {
			pending++
		}
	}
	sb.WriteString(fmt.Sprintf("Tracked products: %d\n", len(snap.Prices)))
	sb.WriteString(fmt.Sprintf("Price differs from last announced: %d\n", pending))
	sb.WriteString(fmt.Sprintf("Announcement: %s", snap.Pin))
	return sb.String()
}

func (w *Watcher) getPrices(ctx context.Context, query string) string {
	snap, err := w.deps.Store.Load(ctx)
	if err != nil {
		return fmt.Sprintf("⚠️ State unavailable: %v", err)
	}

	query = strings.ToLower(strings.TrimSpace(query))
	type row struct{ id, name, line string }
	var rows []row
	for id, p := range snap.Prices {
		if query != "" && !strings.Contains(strings.ToLower(p.Name), query) && id != query {
			continue
		}
		line := fmt.Sprintf("• %s: %s ₽", displayName(p.Name, id), tracker.FormatPrice(p.Price))
		if !p.Price.Equal(p.LastNotifiedPrice) {
			line += fmt.Sprintf(" (announced %s ₽)", tracker.FormatPrice(p.LastNotifiedPrice))
		}
		rows = append(rows, row{id: id, name: p.Name, line: line})
	}
	if len(rows) == 0 {
		if query == "" {
			return "No prices stored yet."
		}
		return fmt.Sprintf("Nothing matches '%s'.", query)
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].name != rows[j].name {
			return rows[i].name < rows[j].name
		}
		return rows[i].id < rows[j].id
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("💰 Prices (%d)\n", len(rows)))
	for i, r := range rows {
		if i == maxPriceLines {
			sb.WriteString(fmt.Sprintf("… and %d more. Narrow the query.", len(rows)-maxPriceLines))
			break
		}
		sb.WriteString(r.line)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func displayName(name, id string) string {
	if name == "" {
		return "#" + id
	}
	return name
}
