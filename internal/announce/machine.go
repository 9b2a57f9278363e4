// Package announce keeps a single pinned promotion message in sync with the
// aggregate price changes of each cycle.
package announce

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log"
	"strings"
	"time"

	"price_watcher/internal/models"
	"price_watcher/internal/tracker"
)

// Header opens every batch announcement. The sink sends HTML.
const Header = "🔥 <b>АКЦИЯ!</b>"

// ErrNotPinned is returned by a Sink when asked to unpin a message that is
// no longer pinned. The machine treats it as success.
var ErrNotPinned = errors.New("message is not pinned")

// Sink is the chat channel the announcement lives in.
type Sink interface {
	Publish(ctx context.Context, channelID, text string) (messageID string, err error)
	Pin(ctx context.Context, channelID, messageID string) error
	Unpin(ctx context.Context, channelID, messageID string) error
}

// Action names the transition a Step took.
type Action string

const (
	ActionNone      Action = "none"
	ActionPublished Action = "published"
	ActionUnpinned  Action = "unpinned"
)

// Outcome is the result of one Step. Next is the pin state to persist.
type Outcome struct {
	Action Action
	Next   models.PinState
	// Superseded is the previous pinned id replaced by a new announcement, if any.
	Superseded string
}

// Config tunes a Machine.
type Config struct {
	ChannelID string
	// Timeout bounds each individual sink call. Zero means no extra bound.
	Timeout time.Duration
	// UnpinPrevious unpins the old announcement after a new one is pinned.
	UnpinPrevious bool
}

// Machine is the UNPINNED / PINNED(id) state machine. It holds no state of its
// own: the current pin state is passed in and the next one returned.
type Machine struct {
	sink Sink
	cfg  Config
}

func NewMachine(sink Sink, cfg Config) *Machine {
	return &Machine{sink: sink, cfg: cfg}
}

// Compose builds the batch announcement body from drop lines.
func Compose(drops []string) string {
	var sb strings.Builder
	sb.WriteString(Header)
	sb.WriteString("\n\n")
	for i, line := range drops {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(html.EscapeString(line))
	}
	return sb.String()
}

// Step applies one cycle's summary to the current pin state.
//
//  1. Drops present: publish and pin a new announcement.
//  2. Otherwise, an increase while pinned: unpin.
//  3. Otherwise nothing changes.
//
// On error the returned Outcome carries the unchanged current state.
func (m *Machine) Step(ctx context.Context, current models.PinState, sum tracker.Summary) (Outcome, error) {
	stay := Outcome{Action: ActionNone, Next: current}

	switch {
	case len(sum.Drops) > 0:
		id, err := m.publishAndPin(ctx, Compose(sum.Drops))
		if err != nil {
			return stay, err
		}
		out := Outcome{Action: ActionPublished, Next: models.Pinned(id)}
		if current.IsPinned() && current.ID() != id {
			out.Superseded = current.ID()
			if m.cfg.UnpinPrevious {
				if err := m.unpin(ctx, current.ID()); err != nil {
					log.Printf("WARN: announcement %s pinned but previous %s could not be unpinned: %v", id, current.ID(), err)
				}
			}
		}
		log.Printf("Announcement %s published and pinned (%d drops)", id, len(sum.Drops))
		return out, nil

	case sum.AnyIncrease && current.IsPinned():
		if err := m.unpin(ctx, current.ID()); err != nil {
			return stay, err
		}
		log.Printf("Announcement %s unpinned after a price increase", current.ID())
		return Outcome{Action: ActionUnpinned, Next: models.PinState{}}, nil
	}

	return stay, nil
}

func (m *Machine) publishAndPin(ctx context.Context, text string) (string, error) {
	var id string
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		id, err = m.sink.Publish(ctx, m.cfg.ChannelID, text)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("publish announcement: %w", err)
	}

	err = m.call(ctx, func(ctx context.Context) error {
		return m.sink.Pin(ctx, m.cfg.ChannelID, id)
	})
	if err != nil {
		return "", fmt.Errorf("pin announcement %s: %w", id, err)
	}
	return id, nil
}

// unpin treats an already-unpinned message as success.
func (m *Machine) unpin(ctx context.Context, id string) error {
	err := m.call(ctx, func(ctx context.Context) error {
		return m.sink.Unpin(ctx, m.cfg.ChannelID, id)
	})
	if errors.Is(err, ErrNotPinned) {
		log.Printf("WARN: announcement %s was already unpinned", id)
		return nil
	}
	if err != nil {
		return fmt.Errorf("unpin announcement %s: %w", id, err)
	}
	return nil
}

func (m *Machine) call(ctx context.Context, fn func(context.Context) error) error {
	if m.cfg.Timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()
	return fn(ctx)
}
