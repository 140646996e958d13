package relay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stellarlinkco/relayguard/internal/bus"
	"github.com/stellarlinkco/relayguard/internal/classifier"
	"github.com/stellarlinkco/relayguard/internal/store"
	"github.com/stellarlinkco/relayguard/internal/trust"
)

func mustHandle(t *testing.T, h *harness, msg bus.InboundMessage) {
	t.Helper()
	if err := h.engine.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle: %v", err)
	}
}

func TestHandle_ThreeCleanMessagesPromote(t *testing.T) {
	h := newHarness(nil)

	for i := 0; i < 3; i++ {
		mustHandle(t, h, h.userText("hello"))
		rec := h.trust.recs[userID]
		if i < 2 && rec.Trusted() {
			t.Fatalf("trusted after %d clean messages", i+1)
		}
	}

	rec := h.trust.recs[userID]
	if rec.Status != trust.StatusTrusted || rec.TrustedBy != trust.SourceAuto {
		t.Fatalf("record = %+v, want trusted by auto", rec)
	}
	if h.cls.calls != 3 {
		t.Errorf("classifier calls = %d, want 3", h.cls.calls)
	}

	fwds := h.transport.forwardsTo(adminID)
	if len(fwds) != 3 {
		t.Fatalf("forwards to admin = %d, want 3", len(fwds))
	}
	for _, f := range fwds {
		if origin := h.mappings.m[int64(f.newID)]; origin != userID {
			t.Errorf("mapping %d -> %d, want %d", f.newID, origin, userID)
		}
	}

	notices := h.transport.sentTo(adminID)
	if len(notices) != 1 {
		t.Fatalf("admin notices = %d, want 1", len(notices))
	}
	if notices[0].replyTo != fwds[2].newID {
		t.Errorf("notice replies to %d, want %d", notices[0].replyTo, fwds[2].newID)
	}
	if !strings.Contains(notices[0].text, "Ada Lovelace") || !strings.Contains(notices[0].text, "3 clean") {
		t.Errorf("notice = %q", notices[0].text)
	}
}

func TestHandle_TrustedUserSkipsClassifier(t *testing.T) {
	h := newHarness(nil)
	now := fixedNow
	h.trust.recs[userID] = trust.Record{
		UserID:       userID,
		Status:       trust.StatusTrusted,
		TrustedBy:    trust.SourceAdmin,
		TrustedSince: &now,
	}
	h.cls.verdicts = []classifier.Verdict{classifier.Spam("would block")}

	mustHandle(t, h, h.userText("buy now"))

	if h.cls.calls != 0 {
		t.Errorf("classifier calls = %d, want 0", h.cls.calls)
	}
	if n := len(h.transport.forwardsTo(adminID)); n != 1 {
		t.Errorf("forwards to admin = %d, want 1", n)
	}
	if len(h.mappings.m) != 1 {
		t.Errorf("mappings = %d, want 1", len(h.mappings.m))
	}
}

func TestHandle_SpamResetsStreakAndBlocksPromotion(t *testing.T) {
	h := newHarness(nil)
	h.cls.verdicts = []classifier.Verdict{
		classifier.Clean(),
		classifier.Spam("crypto giveaway"),
		classifier.Clean(), classifier.Clean(), classifier.Clean(),
	}

	for i := 0; i < 5; i++ {
		mustHandle(t, h, h.userText("msg"))
	}

	rec := h.trust.recs[userID]
	if rec.Trusted() {
		t.Fatal("user with a flagged message was promoted")
	}
	if rec.Status != trust.StatusMonitoring {
		t.Errorf("status = %s, want monitoring", rec.Status)
	}
	if rec.ConsecutiveCleanCount != 3 || rec.TotalFlaggedCount != 1 {
		t.Errorf("counters = %d/%d, want 3/1", rec.ConsecutiveCleanCount, rec.TotalFlaggedCount)
	}
	if n := len(h.transport.forwardsTo(adminID)); n != 4 {
		t.Errorf("forwards to admin = %d, want 4", n)
	}
	if len(h.mappings.m) != 4 {
		t.Errorf("mappings = %d, want 4 (none for spam)", len(h.mappings.m))
	}
	if n := len(h.transport.sentTo(adminID)); n != 0 {
		t.Errorf("admin notices = %d, want 0", n)
	}
}

func TestHandle_SpamAlertsAndNotifiesSender(t *testing.T) {
	shanghai := time.FixedZone("UTC+8", 8*60*60)
	h := newHarness(func(o *Options) { o.Location = shanghai })
	h.cls.verdicts = []classifier.Verdict{classifier.Spam("casino link")}

	msg := h.userText("win big")
	mustHandle(t, h, msg)

	alertFwds := h.transport.forwardsTo(alertChat)
	if len(alertFwds) != 1 || alertFwds[0].msgID != msg.MessageID || alertFwds[0].from != userID {
		t.Fatalf("alert forwards = %+v", alertFwds)
	}
	alerts := h.transport.sentTo(alertChat)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].replyTo != alertFwds[0].newID {
		t.Errorf("alert replies to %d, want %d", alerts[0].replyTo, alertFwds[0].newID)
	}
	want := "🚨 Spam alert\n\nSender: Ada Lovelace (@ada) (ID: 42)\nVerdict: SPAM: casino link\nTime: 2025-03-01 12:05:06"
	if alerts[0].text != want {
		t.Errorf("alert = %q\nwant  %q", alerts[0].text, want)
	}

	userNotices := h.transport.sentTo(userID)
	if len(userNotices) != 1 || userNotices[0].text != noticeSpamBlocked || userNotices[0].replyTo != msg.MessageID {
		t.Errorf("user notices = %+v", userNotices)
	}
	if len(h.transport.forwardsTo(adminID)) != 0 {
		t.Error("spam must not reach the admin")
	}
}

func TestHandle_SpamWithoutAlertChat(t *testing.T) {
	h := newHarness(func(o *Options) { o.AlertChatID = 0 })
	h.cls.verdicts = []classifier.Verdict{classifier.Spam("ads")}

	mustHandle(t, h, h.userText("ads"))

	if len(h.transport.forwards) != 0 {
		t.Errorf("forwards = %+v, want none", h.transport.forwards)
	}
	if n := len(h.transport.sentTo(userID)); n != 1 {
		t.Errorf("user notices = %d, want 1", n)
	}
}

func TestHandle_ClassifierErrorTreatedAsClean(t *testing.T) {
	h := newHarness(nil)
	boom := errors.New("timeout")
	h.cls.errs = []error{boom, boom, boom}

	for i := 0; i < 3; i++ {
		mustHandle(t, h, h.userText("hello"))
	}

	rec := h.trust.recs[userID]
	if rec.Status != trust.StatusTrusted || rec.TrustedBy != trust.SourceAuto {
		t.Errorf("record = %+v, want trusted by auto", rec)
	}
	if n := len(h.transport.forwardsTo(adminID)); n != 3 {
		t.Errorf("forwards to admin = %d, want 3", n)
	}
}

func TestHandle_MediaWithoutCaptionSkipsClassifier(t *testing.T) {
	h := newHarness(nil)
	msg := h.userText("")
	msg.HasMedia = true

	mustHandle(t, h, msg)

	if h.cls.calls != 0 {
		t.Errorf("classifier calls = %d, want 0", h.cls.calls)
	}
	rec := h.trust.recs[userID]
	if rec.ConsecutiveCleanCount != 0 || rec.TotalFlaggedCount != 0 {
		t.Errorf("counters changed: %+v", rec)
	}
	if n := len(h.transport.forwardsTo(adminID)); n != 1 {
		t.Errorf("forwards to admin = %d, want 1", n)
	}
}

func TestHandle_CaptionIsClassified(t *testing.T) {
	h := newHarness(nil)
	msg := h.userText("")
	msg.HasMedia = true
	msg.Caption = "check my channel"
	h.cls.verdicts = []classifier.Verdict{classifier.Spam("promotion")}

	mustHandle(t, h, msg)

	if h.cls.calls != 1 {
		t.Errorf("classifier calls = %d, want 1", h.cls.calls)
	}
	if len(h.transport.forwardsTo(adminID)) != 0 {
		t.Error("spam caption reached the admin")
	}
}

func TestHandle_ForwardFailureNotifiesSender(t *testing.T) {
	h := newHarness(nil)
	h.transport.failFwdTo[adminID] = true

	msg := h.userText("hello")
	mustHandle(t, h, msg)

	notices := h.transport.sentTo(userID)
	if len(notices) != 1 || notices[0].text != noticeDeliveryFailed {
		t.Fatalf("user notices = %+v", notices)
	}
	if len(h.mappings.m) != 0 {
		t.Error("mapping recorded for failed forward")
	}
	if h.trust.recs[userID].ConsecutiveCleanCount != 1 {
		t.Error("clean count should stay committed after a failed forward")
	}
}

func TestHandle_DuplicateMappingReturnsError(t *testing.T) {
	h := newHarness(nil)
	h.mappings.m[101] = 7

	err := h.engine.Handle(context.Background(), h.userText("hello"))
	if !errors.Is(err, store.ErrDuplicateKey) {
		t.Errorf("err = %v, want ErrDuplicateKey", err)
	}
}

func TestHandle_TrustStoreFailureRelaysUnscreened(t *testing.T) {
	h := newHarness(nil)
	h.trust.failGet = true

	mustHandle(t, h, h.userText("hello"))

	if h.cls.calls != 0 {
		t.Errorf("classifier calls = %d, want 0", h.cls.calls)
	}
	if n := len(h.transport.forwardsTo(adminID)); n != 1 {
		t.Errorf("forwards to admin = %d, want 1", n)
	}
}

func TestHandle_NotifyToggleOff(t *testing.T) {
	h := newHarness(func(o *Options) { o.NotifyOnAutoPromote = false })
	for i := 0; i < 3; i++ {
		mustHandle(t, h, h.userText("hello"))
	}
	if !h.trust.recs[userID].Trusted() {
		t.Fatal("expected promotion")
	}
	if n := len(h.transport.sentTo(adminID)); n != 0 {
		t.Errorf("admin notices = %d, want 0", n)
	}
}

func TestHandle_Ignored(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*bus.InboundMessage)
	}{
		{"group chat", func(m *bus.InboundMessage) { m.ChatType = "group" }},
		{"non-admin command", func(m *bus.InboundMessage) { m.Command = "trust" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil)
			msg := h.userText("/trust")
			tt.mutate(&msg)
			mustHandle(t, h, msg)
			if len(h.transport.sent)+len(h.transport.forwards) != 0 {
				t.Errorf("unexpected traffic: sent=%+v forwards=%+v", h.transport.sent, h.transport.forwards)
			}
			if len(h.trust.recs) != 0 {
				t.Error("trust record created for ignored message")
			}
		})
	}
}

func TestAdminReply_RoutesToOrigin(t *testing.T) {
	h := newHarness(nil)
	mustHandle(t, h, h.userText("question"))
	relayed := h.transport.forwardsTo(adminID)[0].newID

	mustHandle(t, h, h.adminMsg("answer", "", relayed))

	got := h.transport.sentTo(userID)
	if len(got) != 1 || got[0].text != "answer" {
		t.Errorf("sent to user = %+v", got)
	}
}

func TestAdminReply_NonTextIsCopied(t *testing.T) {
	h := newHarness(nil)
	h.mappings.m[555] = userID

	msg := h.adminMsg("", "", 555)
	msg.HasMedia = true
	mustHandle(t, h, msg)

	if len(h.transport.copies) != 1 {
		t.Fatalf("copies = %d, want 1", len(h.transport.copies))
	}
	c := h.transport.copies[0]
	if c.to != userID || c.from != adminID || c.msgID != msg.MessageID {
		t.Errorf("copy = %+v", c)
	}
}

func TestAdminReply_Notices(t *testing.T) {
	tests := []struct {
		name    string
		replyTo int
		setup   func(*harness)
		want    string
	}{
		{"no reply target", 0, nil, noticeReplyHint},
		{"unknown origin", 999, nil, noticeOriginNotFound},
		{"lookup failure", 999, func(h *harness) { h.mappings.failGet = true }, noticeCommandFailed},
		{"delivery failure", 555, func(h *harness) {
			h.mappings.m[555] = userID
			h.transport.failSend[userID] = true
		}, noticeReplyFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil)
			if tt.setup != nil {
				tt.setup(h)
			}
			_ = h.engine.Handle(context.Background(), h.adminMsg("hi", "", tt.replyTo))
			got := h.transport.sentTo(adminID)
			if len(got) != 1 || got[0].text != tt.want {
				t.Errorf("admin notices = %+v, want %q", got, tt.want)
			}
		})
	}
}
