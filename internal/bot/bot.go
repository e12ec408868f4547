package bot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/weather-chat/internal/agent"
	"github.com/xaenox/weather-chat/internal/chat"
	"github.com/xaenox/weather-chat/internal/models"
	"github.com/xaenox/weather-chat/internal/storage"
)

const (
	historyLimit = 20
	// maxImportSize bounds uploaded transcripts.
	maxImportSize = 1 << 20
	busyText      = "I'm still answering your previous question. Please wait a moment."
)

type Options struct {
	// DefaultThreadID names the thread a chat starts in.
	DefaultThreadID string
	Agent           agent.Options
	EditInterval    time.Duration
	TurnTimeout     time.Duration
}

// Bot serves weather chat sessions to Telegram chats, one session per chat.
type Bot struct {
	api      *tgbotapi.BotAPI
	store    storage.ThreadStore
	endpoint agent.Endpoint
	opts     Options
	logger   *zap.Logger

	mu            sync.Mutex
	conversations map[int64]*conversation
}

func New(token string, store storage.ThreadStore, endpoint agent.Endpoint, opts Options, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return NewWithAPI(api, store, endpoint, opts, logger), nil
}

func NewWithAPI(api *tgbotapi.BotAPI, store storage.ThreadStore, endpoint agent.Endpoint, opts Options, logger *zap.Logger) *Bot {
	return &Bot{
		api:           api,
		store:         store,
		endpoint:      endpoint,
		opts:          opts,
		logger:        logger,
		conversations: make(map[int64]*conversation),
	}
}

// Start polls for updates until ctx is cancelled.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message == nil {
				continue
			}
			go b.handleMessage(ctx, update.Message)
		}
	}
}

func (b *Bot) conversation(ctx context.Context, chatID int64) *conversation {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.conversations[chatID]; ok {
		return c
	}

	c := newConversation(b, chatID)
	cfg := chat.Config{
		ThreadID: scopedThreadID(chatID, b.opts.DefaultThreadID),
		Agent:    b.opts.Agent,
	}
	c.session = chat.New(ctx, cfg, b.store, b.endpoint, b.logger.With(zap.Int64("chat_id", chatID)), chat.WithObserver(c.observe))
	b.conversations[chatID] = c
	return c
}

func (b *Bot) handleMessage(ctx context.Context, message *tgbotapi.Message) {
	if message.IsCommand() {
		b.handleCommand(ctx, message)
		return
	}

	if message.Document != nil {
		b.handleImport(ctx, message)
		return
	}

	text := message.Text
	if strings.TrimSpace(text) == "" {
		return
	}

	c := b.conversation(ctx, message.Chat.ID)
	b.runTurn(ctx, c, func(ctx context.Context) error {
		return c.session.SendMessage(ctx, text)
	})
}

// runTurn executes one transaction with live rendering of the reply.
func (b *Bot) runTurn(ctx context.Context, c *conversation, send func(context.Context) error) {
	if b.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.opts.TurnTimeout)
		defer cancel()
	}

	if !c.beginTurn() {
		b.sendMessage(c.chatID, busyText)
		return
	}
	err := send(ctx)
	if errors.Is(err, chat.ErrBusy) {
		c.endTurn(chat.State{})
		b.sendMessage(c.chatID, busyText)
		return
	}
	c.endTurn(c.session.State())
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start":
		b.handleStart(message)
	case "help":
		b.handleHelp(message)
	case "clear":
		b.handleClear(ctx, message)
	case "thread":
		b.handleThread(ctx, message)
	case "history":
		b.handleHistory(ctx, message)
	case "export":
		b.handleExport(ctx, message)
	case "delete":
		b.handleDelete(ctx, message)
	case "resend":
		c := b.conversation(ctx, message.Chat.ID)
		b.runTurn(ctx, c, c.session.ResendLast)
	case "dismiss":
		b.conversation(ctx, message.Chat.ID).session.DismissError()
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleStart(message *tgbotapi.Message) {
	welcome := `Welcome to Weather Agent! 🌦
Ask me about current conditions, forecasts, temperature, wind, humidity or air quality anywhere in the world.

Use /help to see all available commands.`

	b.sendMessage(message.Chat.ID, welcome)
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/start - Start the bot
/help - Show this help message
/clear - Delete the current conversation
/thread <id> - Switch to another conversation (no id shows the current one)
/history - List saved conversations
/export [id] - Download a conversation as JSON
/delete <id> - Delete a saved conversation
/resend - Ask your last question again
/dismiss - Dismiss the last error

Send a file produced by /export to import it as a conversation.`

	b.sendMessage(message.Chat.ID, help)
}

func (b *Bot) handleClear(ctx context.Context, message *tgbotapi.Message) {
	c := b.conversation(ctx, message.Chat.ID)
	c.session.ClearChat(ctx)
	b.sendMessage(message.Chat.ID, "Conversation cleared.")
}

func (b *Bot) handleThread(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	c := b.conversation(ctx, chatID)
	name := strings.TrimSpace(message.CommandArguments())
	if name == "" {
		b.sendMessage(chatID, fmt.Sprintf("Current thread: %s", threadName(chatID, c.session.ThreadID())))
		return
	}

	if err := c.session.SwitchThread(ctx, scopedThreadID(chatID, name)); err != nil {
		if errors.Is(err, chat.ErrBusy) {
			b.sendMessage(message.Chat.ID, "Please wait until the current answer is finished before switching threads.")
			return
		}
		b.sendErrorMessage(message.Chat.ID, err.Error())
		return
	}

	state := c.session.State()
	b.sendMessage(chatID, fmt.Sprintf("Switched to thread %s (%d messages).", threadName(chatID, state.ThreadID), len(state.Messages)))
}

func (b *Bot) handleHistory(ctx context.Context, message *tgbotapi.Message) {
	items, err := b.listThreads(ctx, message.Chat.ID)
	if err != nil {
		b.logger.Error("Failed to list threads",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't retrieve your conversation history.")
		return
	}

	if len(items) == 0 {
		b.sendMessage(message.Chat.ID, "You don't have any saved conversations yet.")
		return
	}
	if len(items) > historyLimit {
		items = items[:historyLimit]
	}

	response := "*Saved conversations:*\n\n"
	for _, item := range items {
		last := "never"
		if item.LastAt != nil {
			last = item.LastAt.Local().Format("2006-01-02 15:04")
		}
		response += fmt.Sprintf("`%s` %s\n", escapeCode(threadName(message.Chat.ID, item.ThreadID)), escapeMarkdown(fmt.Sprintf("- %d messages, last %s", item.Count, last)))
	}

	msg := tgbotapi.NewMessage(message.Chat.ID, response)
	msg.ParseMode = "MarkdownV2"
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send history message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) handleExport(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	c := b.conversation(ctx, chatID)

	threadID := c.session.ThreadID()
	if name := strings.TrimSpace(message.CommandArguments()); name != "" {
		threadID = scopedThreadID(chatID, name)
	}

	var (
		messages []models.Message
		err      error
	)
	if threadID == c.session.ThreadID() {
		messages = c.session.State().Messages
	} else {
		messages, err = b.store.Load(ctx, threadID)
	}

	name := threadName(chatID, threadID)
	var data []byte
	if err == nil {
		data, err = chat.ExportMessages(name, messages, time.Now())
	}
	if err != nil {
		b.logger.Error("Failed to export thread",
			zap.Error(err),
			zap.String("thread_id", threadID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't export that conversation.")
		return
	}

	doc := tgbotapi.NewDocument(message.Chat.ID, tgbotapi.FileBytes{
		Name:  chat.FileName(name),
		Bytes: data,
	})
	if _, err := b.api.Send(doc); err != nil {
		b.logger.Error("Failed to send export",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

// handleImport stores an uploaded export document and switches to its thread.
func (b *Bot) handleImport(ctx context.Context, message *tgbotapi.Message) {
	doc := message.Document
	if !strings.HasSuffix(strings.ToLower(doc.FileName), ".json") {
		b.sendMessage(message.Chat.ID, "Send a .json file produced by /export to import a conversation.")
		return
	}
	if doc.FileSize > maxImportSize {
		b.sendErrorMessage(message.Chat.ID, "That file is too large to import.")
		return
	}

	data, err := b.download(ctx, doc.FileID)
	if err != nil {
		b.logger.Error("Failed to download import",
			zap.Error(err),
			zap.String("file_id", doc.FileID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, I couldn't download that file.")
		return
	}

	chatID := message.Chat.ID
	exported, err := chat.ParseExport(data)
	if err != nil {
		b.logger.Warn("Rejected import", zap.Error(err))
		b.sendErrorMessage(chatID, "That file is not a valid conversation export.")
		return
	}

	// Imports always land in the uploading chat's namespace.
	name := strings.TrimSpace(exported.ThreadID)
	if name == "" {
		b.sendErrorMessage(chatID, "That file is not a valid conversation export.")
		return
	}
	threadID := scopedThreadID(chatID, name)
	c := b.conversation(ctx, chatID)
	if threadID == c.session.ThreadID() {
		b.sendErrorMessage(chatID, fmt.Sprintf("Thread %s is open. Switch to another thread with /thread before importing over it.", name))
		return
	}

	if err := chat.ImportDocument(ctx, b.store, exported, threadID); err != nil {
		b.logger.Warn("Rejected import", zap.Error(err), zap.String("thread_id", threadID))
		b.sendErrorMessage(chatID, "That file is not a valid conversation export.")
		return
	}

	if err := c.session.SwitchThread(ctx, threadID); err != nil {
		b.sendMessage(chatID, fmt.Sprintf("Imported thread %s. Use /thread %s to open it.", name, name))
		return
	}
	b.sendMessage(chatID, fmt.Sprintf("Imported and switched to thread %s.", name))
}

// handleDelete removes a saved thread of the calling chat. The open thread is
// cleared through its session so the transcript on screen goes too.
func (b *Bot) handleDelete(ctx context.Context, message *tgbotapi.Message) {
	chatID := message.Chat.ID
	name := strings.TrimSpace(message.CommandArguments())
	if name == "" {
		b.sendMessage(chatID, "Usage: /delete <id>. Use /history to see your conversations.")
		return
	}

	threadID := scopedThreadID(chatID, name)
	c := b.conversation(ctx, chatID)
	if threadID == c.session.ThreadID() {
		if c.session.State().IsLoading {
			b.sendMessage(chatID, busyText)
			return
		}
		c.session.ClearChat(ctx)
		b.sendMessage(chatID, fmt.Sprintf("Deleted thread %s.", name))
		return
	}

	if err := b.store.Delete(ctx, threadID); err != nil {
		b.logger.Error("Failed to delete thread",
			zap.Error(err),
			zap.String("thread_id", threadID))
		b.sendErrorMessage(chatID, "Sorry, I couldn't delete that conversation.")
		return
	}
	b.sendMessage(chatID, fmt.Sprintf("Deleted thread %s.", name))
}

// listThreads returns the saved threads of chatID, newest first.
func (b *Bot) listThreads(ctx context.Context, chatID int64) ([]models.ThreadSummary, error) {
	all, err := b.store.ListThreads(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]models.ThreadSummary, 0, len(all))
	for _, item := range all {
		if strings.HasPrefix(item.ThreadID, threadPrefix(chatID)) {
			items = append(items, item)
		}
	}
	return items, nil
}

// scopedThreadID maps a thread name chosen in a chat to the stored thread id.
func scopedThreadID(chatID int64, name string) string {
	return threadPrefix(chatID) + name
}

// threadName is the inverse of scopedThreadID.
func threadName(chatID int64, threadID string) string {
	return strings.TrimPrefix(threadID, threadPrefix(chatID))
}

func threadPrefix(chatID int64) string {
	return fmt.Sprintf("%d:", chatID)
}

func (b *Bot) download(ctx context.Context, fileID string) ([]byte, error) {
	link, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.api.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxImportSize))
}

// escapeMarkdown escapes the characters MarkdownV2 reserves outside code spans.
func escapeMarkdown(text string) string {
	specialChars := []string{"\\", "_", "*", "[", "]", "(", ")", "~", "`", ">", "#", "+", "-", "=", "|", "{", "}", ".", "!"}
	escaped := text
	for _, char := range specialChars {
		escaped = strings.ReplaceAll(escaped, char, "\\"+char)
	}
	return escaped
}

// escapeCode escapes text placed inside a MarkdownV2 code span.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

func (b *Bot) sendMessage(chatID int64, text string) (tgbotapi.Message, error) {
	msg := tgbotapi.NewMessage(chatID, text)
	sent, err := b.api.Send(msg)
	if err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
	return sent, err
}

func (b *Bot) editMessage(chatID int64, messageID int, text string) error {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := b.api.Send(edit); err != nil {
		b.logger.Warn("Failed to edit message",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", messageID))
		return err
	}
	return nil
}

func (b *Bot) deleteMessage(chatID int64, messageID int) {
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		b.logger.Warn("Failed to delete message",
			zap.Error(err),
			zap.Int64("chat_id", chatID),
			zap.Int("message_id", messageID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	b.sendMessage(chatID, "⚠️ "+text)
}
