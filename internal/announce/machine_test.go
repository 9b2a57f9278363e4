package announce

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"price_watcher/internal/models"
	"price_watcher/internal/tracker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// SpySink records sink calls for testing.
type SpySink struct {
	nextID     int
	published  []string
	pinned     []string
	unpinned   []string
	publishErr error
	pinErr     error
	unpinErr   error
	deadlines  []bool
}

func (s *SpySink) Publish(ctx context.Context, channelID, text string) (string, error) {
	_, ok := ctx.Deadline()
	s.deadlines = append(s.deadlines, ok)
	if s.publishErr != nil {
		return "", s.publishErr
	}
	s.nextID++
	s.published = append(s.published, text)
	return fmt.Sprintf("%d", 100+s.nextID), nil
}

func (s *SpySink) Pin(ctx context.Context, channelID, messageID string) error {
	if s.pinErr != nil {
		return s.pinErr
	}
	s.pinned = append(s.pinned, messageID)
	return nil
}

func (s *SpySink) Unpin(ctx context.Context, channelID, messageID string) error {
	if s.unpinErr != nil {
		return s.unpinErr
	}
	s.unpinned = append(s.unpinned, messageID)
	return nil
}

func drops(lines ...string) tracker.Summary { return tracker.Summary{Drops: lines} }

func TestComposeEscapesLines(t *testing.T) {
	body := Compose([]string{"📉 Цена на 'A&B <new>' снизилась: 10 ₽ → 9 ₽", "второй"})
	assert.Equal(t, Header+"\n\n📉 Цена на &#39;A&amp;B &lt;new&gt;&#39; снизилась: 10 ₽ → 9 ₽\nвторой", body)
}

func TestStepPinLifecycle(t *testing.T) {
	sink := &SpySink{}
	m := NewMachine(sink, Config{ChannelID: "@promo", Timeout: time.Second})
	ctx := context.Background()

	// Drops with nothing pinned: publish + pin once.
	out, err := m.Step(ctx, models.PinState{}, drops("line"))
	require.NoError(t, err)
	assert.Equal(t, ActionPublished, out.Action)
	assert.Equal(t, "101", out.Next.ID())
	assert.Len(t, sink.published, 1)
	assert.Equal(t, []string{"101"}, sink.pinned)
	assert.Equal(t, []bool{true}, sink.deadlines)

	// Only increases while pinned: unpin once.
	out, err = m.Step(ctx, out.Next, tracker.Summary{AnyIncrease: true})
	require.NoError(t, err)
	assert.Equal(t, ActionUnpinned, out.Action)
	assert.False(t, out.Next.IsPinned())
	assert.Equal(t, []string{"101"}, sink.unpinned)

	// Neither drops nor increases: untouched.
	out, err = m.Step(ctx, models.Pinned("55"), tracker.Summary{})
	require.NoError(t, err)
	assert.Equal(t, ActionNone, out.Action)
	assert.Equal(t, "55", out.Next.ID())
	assert.Len(t, sink.published, 1)
	assert.Len(t, sink.unpinned, 1)
}

func TestStepIncreaseWithoutPinIsNoop(t *testing.T) {
	sink := &SpySink{}
	m := NewMachine(sink, Config{ChannelID: "c"})
	out, err := m.Step(context.Background(), models.PinState{}, tracker.Summary{AnyIncrease: true})
	require.NoError(t, err)
	assert.Equal(t, ActionNone, out.Action)
	assert.Empty(t, sink.unpinned)
}

func TestStepDropsWinOverIncreases(t *testing.T) {
	sink := &SpySink{}
	m := NewMachine(sink, Config{ChannelID: "c"})
	sum := tracker.Summary{Drops: []string{"x"}, AnyIncrease: true}

	out, err := m.Step(context.Background(), models.Pinned("7"), sum)
	require.NoError(t, err)
	assert.Equal(t, ActionPublished, out.Action)
	assert.Equal(t, "7", out.Superseded)
	assert.Empty(t, sink.unpinned, "previous pin is kept when UnpinPrevious is off")
}

func TestStepUnpinsPreviousAnnouncement(t *testing.T) {
	sink := &SpySink{}
	m := NewMachine(sink, Config{ChannelID: "c", UnpinPrevious: true})

	out, err := m.Step(context.Background(), models.Pinned("7"), drops("x"))
	require.NoError(t, err)
	assert.Equal(t, "101", out.Next.ID())
	assert.Equal(t, []string{"101"}, sink.pinned)
	assert.Equal(t, []string{"7"}, sink.unpinned)
}

func TestStepPreviousUnpinFailureDoesNotFailStep(t *testing.T) {
	sink := &SpySink{unpinErr: errors.New("forbidden")}
	m := NewMachine(sink, Config{ChannelID: "c", UnpinPrevious: true})

	out, err := m.Step(context.Background(), models.Pinned("7"), drops("x"))
	require.NoError(t, err)
	assert.Equal(t, "101", out.Next.ID())
}

func TestStepPublishOrPinFailureKeepsState(t *testing.T) {
	for name, sink := range map[string]*SpySink{
		"publish": {publishErr: errors.New("network down")},
		"pin":     {pinErr: errors.New("not enough rights")},
	} {
		t.Run(name, func(t *testing.T) {
			m := NewMachine(sink, Config{ChannelID: "c", UnpinPrevious: true})
			out, err := m.Step(context.Background(), models.Pinned("3"), drops("x"))
			require.Error(t, err)
			assert.Equal(t, ActionNone, out.Action)
			assert.Equal(t, "3", out.Next.ID())
			assert.Empty(t, sink.unpinned)
		})
	}
}

func TestStepAlreadyUnpinnedCountsAsSuccess(t *testing.T) {
	sink := &SpySink{unpinErr: fmt.Errorf("telegram: %w", ErrNotPinned)}
	m := NewMachine(sink, Config{ChannelID: "c"})

	out, err := m.Step(context.Background(), models.Pinned("9"), tracker.Summary{AnyIncrease: true})
	require.NoError(t, err)
	assert.Equal(t, ActionUnpinned, out.Action)
	assert.False(t, out.Next.IsPinned())
}

func TestStepUnpinFailureKeepsState(t *testing.T) {
	sink := &SpySink{unpinErr: errors.New("timeout")}
	m := NewMachine(sink, Config{ChannelID: "c"})

	out, err := m.Step(context.Background(), models.Pinned("9"), tracker.Summary{AnyIncrease: true})
	require.Error(t, err)
	assert.Equal(t, "9", out.Next.ID())
}
