package telegram

import (
	"context"
	"log"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// CommandHandler answers one command line ("/prices чай").
type CommandHandler func(ctx context.Context, command string) string

// StartListener long-polls for commands from the admin chat and answers them
// until ctx is cancelled. It blocks, so run it in a goroutine.
// Messages from any other chat are logged and ignored.
func (c *Client) StartListener(ctx context.Context, handler CommandHandler) {
	authChatID, err := strconv.ParseInt(c.admin, 10, 64)
	if err != nil {
		log.Printf("Telegram Listener: admin chat id %q is not numeric, disabled.", c.admin)
		return
	}

	c.bot.Handle(tele.OnText, func(tc tele.Context) error {
		var username string
		if s := tc.Sender(); s != nil {
			username = s.Username
		}
		reply, ok := dispatch(ctx, authChatID, tc.Chat().ID, username, tc.Text(), handler)
		if !ok {
			return nil
		}
		return tc.Send(reply, tele.NoPreview)
	})

	if ctx.Err() != nil {
		return
	}
	log.Println("Telegram Listener: Started")
	go func() {
		<-ctx.Done()
		c.bot.Stop()
	}()
	c.bot.Start()
	log.Println("Telegram Listener: Stopped")
}

// dispatch applies access control and runs handler for slash commands.
// ok is false when nothing should be sent back.
func dispatch(ctx context.Context, authChatID, chatID int64, username, text string, handler CommandHandler) (reply string, ok bool) {
	if chatID != authChatID {
		// We do NOT reply to unauthorized users to avoid leaking bot existence/logic
		log.Printf("⚠️ UNAUTHORIZED ACCESS ATTEMPT: User %s (ID: %d) tried: %s", username, chatID, text)
		return "", false
	}
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	log.Printf("Command received: %s", text)
	return handler(ctx, text), true
}
