package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stellarlinkco/relayguard/internal/bus"
	"github.com/stellarlinkco/relayguard/internal/config"
)

const (
	telegramChannelName = "telegram"
	webhookPath         = "/webhook"
	modeWebhook         = "webhook"
)

var errBotNotReady = errors.New("telegram bot not initialized")

var _ Channel = (*TelegramChannel)(nil)

// TelegramBot interface for mocking telegram bot API
type TelegramBot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	CopyMessage(config tgbotapi.CopyMessageConfig) (tgbotapi.MessageID, error)
	GetSelf() tgbotapi.User
}

// tgBotWrapper wraps tgbotapi.BotAPI to implement TelegramBot interface
type tgBotWrapper struct {
	*tgbotapi.BotAPI
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{BotAPI: bot}, nil
}

// TelegramChannel receives private messages over polling or a webhook and
// implements the relay transport on top of the Bot API.
type TelegramChannel struct {
	BaseChannel
	cfg        config.TelegramConfig
	bot        TelegramBot
	botFactory BotFactory
	webhook    *WebhookServer
	cancel     context.CancelFunc
	log        *zap.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, logger, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, logger *zap.Logger, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramChannel{
		BaseChannel: NewBaseChannel(telegramChannelName, b),
		cfg:         cfg,
		botFactory:  factory,
		log:         logger.Named(telegramChannelName),
	}, nil
}

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.cfg.Proxy != "" {
		proxyURL, err := url.Parse(t.cfg.Proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.log.Info("authorized", zap.String("bot", bot.GetSelf().UserName))
	return nil
}

// Start connects to Telegram and begins delivering updates to the bus.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if err := t.initBot(); err != nil {
		return err
	}
	ctx, t.cancel = context.WithCancel(ctx)

	if t.cfg.Mode == modeWebhook {
		return t.startWebhook(ctx)
	}
	return t.startPolling(ctx)
}

func (t *TelegramChannel) startPolling(ctx context.Context) error {
	// getUpdates is refused while a webhook is registered.
	if _, err := t.bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		t.log.Warn("delete webhook", zap.Error(err))
	}

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	u.AllowedUpdates = []string{"message"}
	updates := t.bot.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				t.handleUpdate(ctx, update)
			case <-ctx.Done():
				return
			}
		}
	}()

	t.log.Info("polling started")
	return nil
}

func (t *TelegramChannel) startWebhook(ctx context.Context) error {
	// Bind before registering so Telegram is never pointed at a dead port.
	ln, err := net.Listen("tcp", t.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.cfg.Listen, err)
	}
	if err := t.registerWebhook(); err != nil {
		_ = ln.Close()
		return err
	}

	t.webhook = NewWebhookServer(t.cfg.Listen, t.cfg.WebhookSecret, func(update tgbotapi.Update) {
		t.handleUpdate(ctx, update)
	}, t.log)

	go func() {
		if err := t.webhook.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("webhook server stopped", zap.Error(err))
		}
	}()

	t.log.Info("webhook started", zap.Stringer("listen", ln.Addr()))
	return nil
}

// registerWebhook points Telegram at webhook_url + /webhook. The secret is
// sent as secret_token and echoed back on every update.
func (t *TelegramChannel) registerWebhook() error {
	hookURL := strings.TrimRight(t.cfg.WebhookURL, "/") + webhookPath
	params := tgbotapi.Params{
		"url":             hookURL,
		"allowed_updates": `["message"]`,
	}
	params.AddNonEmpty("secret_token", t.cfg.WebhookSecret)

	resp, err := t.bot.MakeRequest("setWebhook", params)
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	if resp != nil && !resp.Ok {
		return fmt.Errorf("set webhook: %s", resp.Description)
	}
	t.log.Info("webhook registered", zap.String("url", hookURL))
	return nil
}

func (t *TelegramChannel) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg, ok := toInbound(update)
	if !ok {
		return
	}
	if err := t.publish(ctx, msg); err != nil {
		t.log.Warn("drop update", zap.Int("update_id", update.UpdateID), zap.Error(err))
	}
}

// toInbound converts a Bot API update. Updates without a message or sender
// are skipped.
func toInbound(update tgbotapi.Update) (bus.InboundMessage, bool) {
	m := update.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return bus.InboundMessage{}, false
	}

	msg := bus.InboundMessage{
		UpdateID:  update.UpdateID,
		MessageID: m.MessageID,
		ChatID:    m.Chat.ID,
		ChatType:  m.Chat.Type,
		SenderID:  m.From.ID,
		FirstName: m.From.FirstName,
		LastName:  m.From.LastName,
		Username:  m.From.UserName,
		Text:      m.Text,
		Caption:   m.Caption,
		HasMedia:  m.Text == "",
	}
	if m.IsCommand() {
		msg.Command = m.Command()
	}
	if m.ReplyToMessage != nil {
		msg.ReplyToMessageID = m.ReplyToMessage.MessageID
	}
	return msg, true
}

func (t *TelegramChannel) Stop() error {
	if t.cancel != nil {
		t.cancel()
	}
	if t.webhook != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.webhook.Shutdown(ctx); err != nil {
			t.log.Warn("webhook shutdown", zap.Error(err))
		}
	} else if t.bot != nil {
		t.bot.StopReceivingUpdates()
	}
	t.log.Info("stopped")
	return nil
}

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// SendMessage sends plain text to chatID, replying to replyTo when non-zero.
func (t *TelegramChannel) SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (int, error) {
	if err := t.ready(ctx); err != nil {
		return 0, err
	}
	cfg := tgbotapi.NewMessage(chatID, text)
	if replyTo != 0 {
		cfg.ReplyToMessageID = replyTo
		cfg.AllowSendingWithoutReply = true
	}
	sent, err := t.bot.Send(cfg)
	if err != nil {
		return 0, fmt.Errorf("send message to %d: %w", chatID, err)
	}
	return sent.MessageID, nil
}

// ForwardMessage forwards messageID from fromChatID and returns the id of
// the copy in toChatID.
func (t *TelegramChannel) ForwardMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) (int, error) {
	if err := t.ready(ctx); err != nil {
		return 0, err
	}
	sent, err := t.bot.Send(tgbotapi.NewForward(toChatID, fromChatID, messageID))
	if err != nil {
		return 0, fmt.Errorf("forward message %d to %d: %w", messageID, toChatID, err)
	}
	return sent.MessageID, nil
}

// CopyMessage re-sends messageID without the "forwarded from" header.
func (t *TelegramChannel) CopyMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) (int, error) {
	if err := t.ready(ctx); err != nil {
		return 0, err
	}
	id, err := t.bot.CopyMessage(tgbotapi.NewCopyMessage(toChatID, fromChatID, messageID))
	if err != nil {
		return 0, fmt.Errorf("copy message %d to %d: %w", messageID, toChatID, err)
	}
	return id.MessageID, nil
}

func (t *TelegramChannel) ready(ctx context.Context) error {
	if t.bot == nil {
		return errBotNotReady
	}
	return ctx.Err()
}
