package bot

import (
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/weather-chat/internal/chat"
	"github.com/xaenox/weather-chat/internal/models"
)

// maxMessageRunes stays under Telegram's 4096 character limit per message.
const maxMessageRunes = 4000

// conversation binds a chat session to the Telegram chat rendering it.
type conversation struct {
	bot     *Bot
	chatID  int64
	session *chat.Session

	mu sync.Mutex
	// active is set while a turn started from this chat is running.
	active bool
	// baseline is the assistant message that was last before the turn began.
	baseline string
	lastEdit time.Time
	// replies maps assistant message ids to the Telegram messages showing them.
	replies map[string]*reply
}

// reply is one assistant message rendered as one or more Telegram messages.
type reply struct {
	ids   []int
	parts []string
}

func newConversation(b *Bot, chatID int64) *conversation {
	return &conversation{
		bot:     b,
		chatID:  chatID,
		replies: make(map[string]*reply),
	}
}

// beginTurn reports false when another turn of this chat is still running.
func (c *conversation) beginTurn() bool {
	baseline := lastAssistantID(c.session.State())

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active {
		return false
	}
	c.active = true
	c.baseline = baseline
	c.lastEdit = time.Time{}
	c.replies = make(map[string]*reply)
	return true
}

// endTurn renders the settled state of a turn. A failed turn has been rolled
// back, so whatever was shown of its reply is removed before the error banner.
func (c *conversation) endTurn(state chat.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}

	c.renderLocked(state, true)
	c.active = false

	if state.Error != "" {
		for _, r := range c.replies {
			for _, id := range r.ids {
				c.bot.deleteMessage(c.chatID, id)
			}
		}
		c.replies = make(map[string]*reply)
		c.bot.sendErrorMessage(c.chatID, state.Error+"\nUse /resend to try again or /dismiss to hide this error.")
	}
}

func (c *conversation) observe(state chat.State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active {
		return
	}
	c.renderLocked(state, false)
}

func (c *conversation) renderLocked(state chat.State, final bool) {
	if len(state.Messages) == 0 {
		return
	}
	last := state.Messages[len(state.Messages)-1]
	if last.Role != models.RoleAssistant || last.Content == "" || last.ID == c.baseline {
		return
	}

	r, ok := c.replies[last.ID]
	if !ok {
		r = &reply{}
		c.replies[last.ID] = r
	}
	parts := splitMessage(last.Content, maxMessageRunes)
	if slices.Equal(r.parts, parts) {
		return
	}
	if !final && time.Since(c.lastEdit) < c.bot.opts.EditInterval {
		return
	}

	for i, part := range parts {
		if i < len(r.ids) {
			if r.parts[i] == part {
				continue
			}
			if err := c.bot.editMessage(c.chatID, r.ids[i], part); err != nil {
				return
			}
			r.parts[i] = part
			continue
		}

		sent, err := c.bot.sendMessage(c.chatID, part)
		if err != nil {
			return
		}
		r.ids = append(r.ids, sent.MessageID)
		r.parts = append(r.parts, part)
	}

	c.lastEdit = time.Now()
	c.bot.logger.Debug("Rendered reply",
		zap.Int64("chat_id", c.chatID),
		zap.String("message_id", last.ID),
		zap.Int("parts", len(parts)),
		zap.Int("length", len(last.Content)))
}

// splitMessage cuts text into parts of at most limit runes, preferring to
// break after a newline in the second half of a part.
func splitMessage(text string, limit int) []string {
	var parts []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i >= limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(runes[:cut]))
		runes = runes[cut:]
	}
	return append(parts, string(runes))
}

func lastAssistantID(state chat.State) string {
	for i := len(state.Messages) - 1; i >= 0; i-- {
		if state.Messages[i].Role == models.RoleAssistant {
			return state.Messages[i].ID
		}
	}
	return ""
}
