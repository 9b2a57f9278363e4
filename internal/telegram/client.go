// Package telegram talks to the Bot API through telebot: it publishes and
// pins announcements in the channel, sends operator notices and listens for
// admin commands.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"price_watcher/internal/announce"
	"price_watcher/internal/faults"
	"price_watcher/internal/logger"

	tele "gopkg.in/telebot.v4"
)

// Settings configures the bot connection.
type Settings struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests point it at httptest).
	APIURL string
	// Timeout bounds every HTTP request to the Bot API. Keep it no longer than
	// the caller's per-call deadline: telebot calls take no context, so a
	// request that outlives the deadline could still deliver a message nobody
	// records.
	Timeout time.Duration
	// Offline skips the getMe handshake.
	Offline bool
}

// NewBot creates the telebot instance shared by the sink and the listener.
func NewBot(s Settings) (*tele.Bot, error) {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	// getUpdates must return before the client gives up on it.
	poll := min(10*time.Second, timeout/2)
	pref := tele.Settings{
		Token:   s.Token,
		URL:     s.APIURL,
		Poller:  &tele.LongPoller{Timeout: poll},
		Client:  &http.Client{Timeout: timeout},
		Offline: s.Offline,
		OnError: func(err error, c tele.Context) {
			log.Printf("Telegram handler error: %v", err)
		},
	}
	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return b, nil
}

// chat addresses a chat by numeric id or @username.
type chat string

func (c chat) Recipient() string { return string(c) }

// Client implements announce.Sink on top of a telebot Bot.
type Client struct {
	bot   *tele.Bot
	admin string
}

// New wraps bot. adminChatID receives operator notices; empty disables them.
func New(bot *tele.Bot, adminChatID string) *Client {
	return &Client{bot: bot, admin: strings.TrimSpace(adminChatID)}
}

var _ announce.Sink = (*Client)(nil)

// Publish sends text as HTML. Text longer than one message is split on line
// boundaries and the id of the first part is returned.
func (c *Client) Publish(ctx context.Context, channelID, text string) (string, error) {
	var first string
	for i, part := range splitMessage(text, maxMessageRunes) {
		var msg *tele.Message
		err := do(ctx, func() error {
			var err error
			msg, err = c.bot.Send(chat(channelID), part, tele.ModeHTML, tele.NoPreview)
			return err
		})
		if err != nil {
			if i == 0 {
				return "", classify("telegram publish", err)
			}
			// The head message exists already; the announcement is still usable.
			log.Printf("WARN: announcement part %d not sent: %v", i+1, err)
			break
		}
		if i == 0 {
			first = fmt.Sprintf("%d", msg.ID)
		}
	}
	logger.Debugf("Telegram: published message %s to %s", first, channelID)
	return first, nil
}

// Pin pins messageID without notifying channel members.
func (c *Client) Pin(ctx context.Context, channelID, messageID string) error {
	err := do(ctx, func() error {
		_, err := c.bot.Raw("pinChatMessage", map[string]string{
			"chat_id":              channelID,
			"message_id":           messageID,
			"disable_notification": "true",
		})
		return err
	})
	return classify("telegram pin", err)
}

// Unpin unpins messageID. A Bad Request saying the message is not pinned or
// no longer exists maps to announce.ErrNotPinned; other errors, including
// missing rights or an unknown chat, are returned as failures.
func (c *Client) Unpin(ctx context.Context, channelID, messageID string) error {
	err := do(ctx, func() error {
		_, err := c.bot.Raw("unpinChatMessage", map[string]string{
			"chat_id":    channelID,
			"message_id": messageID,
		})
		return err
	})
	if err == nil {
		return nil
	}
	if isNotPinned(err) {
		return fmt.Errorf("%w: %v", announce.ErrNotPinned, err)
	}
	return classify("telegram unpin", err)
}

// Notify sends a plain text notice to the admin chat. Failures are only logged.
func (c *Client) Notify(ctx context.Context, text string) {
	if c.admin == "" {
		return
	}
	logger.Debugf("Telegram Notify: %s", text)
	for _, part := range splitMessage(text, maxMessageRunes) {
		err := do(ctx, func() error {
			_, err := c.bot.Send(chat(c.admin), part, tele.NoPreview)
			return err
		})
		if err != nil {
			log.Printf("Telegram Alert Failed: %v", err)
			return
		}
	}
}

// do runs a blocking telebot call but returns as soon as ctx is done.
// The HTTP client timeout aborts the abandoned request.
func do(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- fn() }()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Bot API descriptions for an unpin target that is already gone.
var notPinnedReasons = []string{
	"message to unpin not found",
	"message is not pinned",
	"message not found",
}

func isNotPinned(err error) bool {
	if !isBadRequest(err) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, r := range notPinnedReasons {
		if strings.Contains(msg, r) {
			return true
		}
	}
	return false
}

func isBadRequest(err error) bool {
	var te *tele.Error
	if errors.As(err, &te) && te.Code == http.StatusBadRequest {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Bad Request") || strings.Contains(msg, "(400)")
}

// classify marks rate limits, server errors and failed requests as transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var urlErr *url.Error
	var netErr net.Error
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &urlErr), errors.As(err, &netErr),
		strings.Contains(msg, "Too Many Requests"), strings.Contains(msg, "(429)"),
		strings.Contains(msg, "(500)"), strings.Contains(msg, "(502)"):
		return faults.Wrap(faults.Transient, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
