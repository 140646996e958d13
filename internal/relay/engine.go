// Package relay routes private messages between users and the admin. User
// messages are screened by the classifier unless the sender is trusted; admin
// replies are routed back to the user who sent the message being replied to.
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/relayguard/internal/bus"
	"github.com/stellarlinkco/relayguard/internal/classifier"
	"github.com/stellarlinkco/relayguard/internal/store"
	"github.com/stellarlinkco/relayguard/internal/trust"
)

// Transport is the chat API the engine talks to. Message ids are the ones
// Telegram assigns in the destination chat.
type Transport interface {
	SendMessage(ctx context.Context, chatID int64, text string, replyTo int) (int, error)
	ForwardMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) (int, error)
	CopyMessage(ctx context.Context, toChatID, fromChatID int64, messageID int) (int, error)
}

type Classifier interface {
	Classify(ctx context.Context, displayName, text string) (classifier.Verdict, error)
}

type TrustStore interface {
	trust.Store
	CreateIfAbsent(ctx context.Context, userID int64, displayName, username string, now time.Time) error
	Demote(ctx context.Context, userID int64) error
}

type MappingStore interface {
	RecordMapping(ctx context.Context, relayedID, originUserID int64, now time.Time) error
	ResolveOrigin(ctx context.Context, relayedID int64) (int64, error)
}

type Options struct {
	AdminID             int64
	AlertChatID         int64 // 0 disables spam alerts
	NotifyOnAutoPromote bool
	Policy              trust.Policy
	Location            *time.Location // alert timestamps; UTC when nil
	Now                 func() time.Time
	Logger              *zap.Logger
}

type Engine struct {
	transport  Transport
	classifier Classifier
	trust      TrustStore
	mappings   MappingStore
	machine    *trust.Machine

	adminID     int64
	alertChatID int64
	notify      bool
	loc         *time.Location
	now         func() time.Time
	log         *zap.Logger
}

func New(t Transport, c Classifier, ts TrustStore, ms MappingStore, opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Policy.RequiredCleanCount == 0 {
		opts.Policy = trust.DefaultPolicy()
	}
	return &Engine{
		transport:   t,
		classifier:  c,
		trust:       ts,
		mappings:    ms,
		machine:     trust.NewMachine(ts, opts.Policy),
		adminID:     opts.AdminID,
		alertChatID: opts.AlertChatID,
		notify:      opts.NotifyOnAutoPromote,
		loc:         opts.Location,
		now:         opts.Now,
		log:         opts.Logger.Named("relay"),
	}
}

// Handle processes one inbound message. Failures that the user or admin has
// already been told about are logged and not returned.
func (e *Engine) Handle(ctx context.Context, msg bus.InboundMessage) error {
	log := e.log.With(
		zap.String("event_id", msg.EventID),
		zap.Int("update_id", msg.UpdateID),
		zap.Int64("sender_id", msg.SenderID),
		zap.Int("message_id", msg.MessageID),
	)

	if !msg.IsPrivate() {
		log.Debug("ignoring non-private chat", zap.String("chat_type", msg.ChatType))
		return nil
	}

	if msg.SenderID == e.adminID {
		if msg.IsCommand() {
			return e.handleCommand(ctx, msg, log)
		}
		return e.handleAdminReply(ctx, msg, log)
	}

	if msg.IsCommand() {
		log.Debug("ignoring command from non-admin", zap.String("command", msg.Command))
		return nil
	}
	return e.handleUser(ctx, msg, log)
}

func (e *Engine) handleUser(ctx context.Context, msg bus.InboundMessage, log *zap.Logger) error {
	now := e.now()

	rec, err := e.ensureRecord(ctx, msg, now)
	if err != nil {
		log.Error("trust lookup failed, relaying unscreened", zap.Error(err))
		_, err := e.relay(ctx, msg, now, log)
		return err
	}

	if !e.machine.Policy().NeedsClassification(rec) {
		log.Debug("trusted sender, skipping classifier")
		_, err := e.relay(ctx, msg, now, log)
		return err
	}

	content := msg.Content()
	if content == "" {
		log.Debug("nothing to classify, relaying", zap.Bool("has_media", msg.HasMedia))
		_, err := e.relay(ctx, msg, now, log)
		return err
	}

	verdict, err := e.classifier.Classify(ctx, msg.DisplayName(), content)
	if err != nil {
		log.Warn("classifier failed, treating as clean", zap.Error(err))
		verdict = classifier.Clean()
	}

	obs := trust.Clean
	if verdict.IsSpam() {
		obs = trust.Spam
	}
	outcome, err := e.machine.Apply(ctx, msg.SenderID, obs, now)
	if err != nil {
		log.Error("update trust state", zap.Stringer("observation", obs), zap.Error(err))
	}

	if verdict.IsSpam() {
		log.Info("message blocked as spam", zap.String("reason", verdict.Reason))
		e.blockSpam(ctx, msg, verdict, now, log)
		return nil
	}

	relayedID, err := e.relay(ctx, msg, now, log)
	if err != nil || relayedID == 0 {
		return err
	}

	if outcome.Promoted {
		log.Info("user trusted automatically",
			zap.Int("clean_count", outcome.Record.ConsecutiveCleanCount))
		if e.notify {
			text := fmt.Sprintf(noticeAutoPromoted, senderLabel(msg), msg.SenderID, outcome.Record.ConsecutiveCleanCount)
			if _, err := e.transport.SendMessage(ctx, e.adminID, text, relayedID); err != nil {
				log.Warn("send auto-promotion notice", zap.Error(err))
			}
		}
	}
	return nil
}

// ensureRecord creates the trust row on first contact and returns the
// current state.
func (e *Engine) ensureRecord(ctx context.Context, msg bus.InboundMessage, now time.Time) (trust.Record, error) {
	if err := e.trust.CreateIfAbsent(ctx, msg.SenderID, msg.DisplayName(), msg.Username, now); err != nil {
		return trust.Record{}, err
	}
	rec, err := e.trust.Get(ctx, msg.SenderID)
	if err != nil {
		return trust.Record{}, fmt.Errorf("get trust %d: %w", msg.SenderID, err)
	}
	return rec, nil
}

// relay forwards msg to the admin and records where it came from. It returns
// the id of the admin's copy, or 0 when the forward failed and the sender
// was told so.
func (e *Engine) relay(ctx context.Context, msg bus.InboundMessage, now time.Time, log *zap.Logger) (int, error) {
	relayedID, err := e.transport.ForwardMessage(ctx, e.adminID, msg.ChatID, msg.MessageID)
	if err != nil {
		log.Warn("forward to admin failed", zap.Error(err))
		if _, err := e.transport.SendMessage(ctx, msg.ChatID, noticeDeliveryFailed, msg.MessageID); err != nil {
			log.Warn("send delivery failure notice", zap.Error(err))
		}
		return 0, nil
	}

	if err := e.mappings.RecordMapping(ctx, int64(relayedID), msg.SenderID, now); err != nil {
		return relayedID, fmt.Errorf("record mapping: %w", err)
	}
	log.Debug("relayed to admin", zap.Int("relayed_id", relayedID))
	return relayedID, nil
}

func (e *Engine) blockSpam(ctx context.Context, msg bus.InboundMessage, verdict classifier.Verdict, now time.Time, log *zap.Logger) {
	if e.alertChatID != 0 {
		fwdID, err := e.transport.ForwardMessage(ctx, e.alertChatID, msg.ChatID, msg.MessageID)
		if err != nil {
			log.Warn("forward spam to alert chat", zap.Error(err))
		} else if _, err := e.transport.SendMessage(ctx, e.alertChatID, e.alertText(msg, verdict, now), fwdID); err != nil {
			log.Warn("send spam alert", zap.Error(err))
		}
	}

	if _, err := e.transport.SendMessage(ctx, msg.ChatID, noticeSpamBlocked, msg.MessageID); err != nil {
		log.Warn("send spam notice to sender", zap.Error(err))
	}
}

func (e *Engine) alertText(msg bus.InboundMessage, verdict classifier.Verdict, now time.Time) string {
	sender := msg.DisplayName()
	if msg.Username != "" {
		sender += " (@" + msg.Username + ")"
	}
	return fmt.Sprintf(alertTemplate, sender, msg.SenderID, verdict, now.In(e.loc).Format(alertTimeLayout))
}

func (e *Engine) handleAdminReply(ctx context.Context, msg bus.InboundMessage, log *zap.Logger) error {
	if !msg.IsReply() {
		e.reply(ctx, msg, noticeReplyHint, log)
		return nil
	}

	origin, err := e.mappings.ResolveOrigin(ctx, int64(msg.ReplyToMessageID))
	if errors.Is(err, store.ErrNotFound) {
		e.reply(ctx, msg, noticeOriginNotFound, log)
		return nil
	}
	if err != nil {
		e.reply(ctx, msg, noticeCommandFailed, log)
		return fmt.Errorf("resolve origin %d: %w", msg.ReplyToMessageID, err)
	}

	log = log.With(zap.Int64("origin_id", origin))
	if msg.Text != "" {
		_, err = e.transport.SendMessage(ctx, origin, msg.Text, 0)
	} else {
		_, err = e.transport.CopyMessage(ctx, origin, msg.ChatID, msg.MessageID)
	}
	if err != nil {
		log.Warn("deliver admin reply", zap.Error(err))
		e.reply(ctx, msg, noticeReplyFailed, log)
		return nil
	}
	log.Debug("admin reply delivered")
	return nil
}

// reply answers msg in its own chat. Failures are logged only.
func (e *Engine) reply(ctx context.Context, msg bus.InboundMessage, text string, log *zap.Logger) {
	if _, err := e.transport.SendMessage(ctx, msg.ChatID, text, msg.MessageID); err != nil {
		log.Warn("send reply", zap.Error(err))
	}
}

func senderLabel(msg bus.InboundMessage) string {
	name := msg.DisplayName()
	if name == "" {
		return "user"
	}
	return name
}
