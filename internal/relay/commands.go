package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/stellarlinkco/relayguard/internal/bus"
	"github.com/stellarlinkco/relayguard/internal/store"
	"github.com/stellarlinkco/relayguard/internal/trust"
)

// handleCommand runs an admin command. Callers have already checked that the
// sender is the admin.
func (e *Engine) handleCommand(ctx context.Context, msg bus.InboundMessage, log *zap.Logger) error {
	log = log.With(zap.String("command", msg.Command))
	switch msg.Command {
	case "trust":
		return e.cmdTrust(ctx, msg, log)
	case "untrust":
		return e.cmdUntrust(ctx, msg, log)
	case "whois":
		return e.cmdWhois(ctx, msg, log)
	default:
		e.reply(ctx, msg, helpText, log)
		return nil
	}
}

// target resolves the user behind the relayed message the command replies
// to. ok is false when the admin has already been told why not.
func (e *Engine) target(ctx context.Context, msg bus.InboundMessage, log *zap.Logger) (int64, bool, error) {
	if !msg.IsReply() {
		e.reply(ctx, msg, fmt.Sprintf(noticeNeedsTarget, msg.Command), log)
		return 0, false, nil
	}
	origin, err := e.mappings.ResolveOrigin(ctx, int64(msg.ReplyToMessageID))
	if errors.Is(err, store.ErrNotFound) {
		e.reply(ctx, msg, noticeOriginNotFound, log)
		return 0, false, nil
	}
	if err != nil {
		e.reply(ctx, msg, noticeCommandFailed, log)
		return 0, false, fmt.Errorf("resolve origin %d: %w", msg.ReplyToMessageID, err)
	}
	return origin, true, nil
}

func (e *Engine) cmdTrust(ctx context.Context, msg bus.InboundMessage, log *zap.Logger) error {
	origin, ok, err := e.target(ctx, msg, log)
	if !ok {
		return err
	}
	if _, err := e.trust.Promote(ctx, origin, trust.SourceAdmin, e.now()); err != nil {
		e.reply(ctx, msg, noticeCommandFailed, log)
		return fmt.Errorf("trust %d: %w", origin, err)
	}
	log.Info("user trusted by admin", zap.Int64("user_id", origin))
	e.reply(ctx, msg, fmt.Sprintf(noticeTrusted, origin), log)
	return nil
}

func (e *Engine) cmdUntrust(ctx context.Context, msg bus.InboundMessage, log *zap.Logger) error {
	origin, ok, err := e.target(ctx, msg, log)
	if !ok {
		return err
	}
	err = e.trust.Demote(ctx, origin)
	if errors.Is(err, store.ErrNotFound) {
		e.reply(ctx, msg, fmt.Sprintf(noticeNoRecord, origin), log)
		return nil
	}
	if err != nil {
		e.reply(ctx, msg, noticeCommandFailed, log)
		return fmt.Errorf("untrust %d: %w", origin, err)
	}
	log.Info("user trust revoked by admin", zap.Int64("user_id", origin))
	e.reply(ctx, msg, fmt.Sprintf(noticeUntrusted, origin), log)
	return nil
}

func (e *Engine) cmdWhois(ctx context.Context, msg bus.InboundMessage, log *zap.Logger) error {
	origin, ok, err := e.target(ctx, msg, log)
	if !ok {
		return err
	}
	rec, err := e.trust.Get(ctx, origin)
	if errors.Is(err, store.ErrNotFound) {
		e.reply(ctx, msg, fmt.Sprintf(noticeNoRecord, origin), log)
		return nil
	}
	if err != nil {
		e.reply(ctx, msg, noticeCommandFailed, log)
		return fmt.Errorf("whois %d: %w", origin, err)
	}
	e.reply(ctx, msg, e.describe(rec), log)
	return nil
}

func (e *Engine) describe(rec trust.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User %d", rec.UserID)
	if rec.DisplayName != "" {
		fmt.Fprintf(&b, " %s", rec.DisplayName)
	}
	if rec.Username != "" {
		fmt.Fprintf(&b, " (@%s)", rec.Username)
	}
	fmt.Fprintf(&b, "\nStatus: %s", rec.Status)
	if rec.Trusted() {
		fmt.Fprintf(&b, " (by %s", rec.TrustedBy)
		if rec.TrustedSince != nil {
			fmt.Fprintf(&b, " since %s", rec.TrustedSince.In(e.loc).Format(alertTimeLayout))
		}
		b.WriteString(")")
	}
	fmt.Fprintf(&b, "\nClean streak: %d\nFlagged: %d", rec.ConsecutiveCleanCount, rec.TotalFlaggedCount)
	if rec.LastSeenAt != nil {
		fmt.Fprintf(&b, "\nLast seen: %s", rec.LastSeenAt.In(e.loc).Format(alertTimeLayout))
	}
	return b.String()
}
