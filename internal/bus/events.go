package bus

import "strings"

const ChatTypePrivate = "private"

// InboundMessage is one Telegram message as seen by the relay, independent of
// how it was received (polling or webhook).
type InboundMessage struct {
	// EventID correlates log lines for one unit of work. Assigned by the
	// gateway when empty.
	EventID string

	UpdateID  int
	MessageID int
	ChatID    int64
	ChatType  string

	SenderID  int64
	FirstName string
	LastName  string
	Username  string

	Text     string
	Caption  string
	HasMedia bool

	// Command is set for bot commands, without the leading slash or @botname.
	Command string

	// ReplyToMessageID is the message this one replies to, 0 when none.
	ReplyToMessageID int
}

func (m *InboundMessage) IsPrivate() bool { return m.ChatType == ChatTypePrivate }

func (m *InboundMessage) IsCommand() bool { return m.Command != "" }

func (m *InboundMessage) IsReply() bool { return m.ReplyToMessageID != 0 }

// DisplayName joins first and last name, falling back to the username.
func (m *InboundMessage) DisplayName() string {
	name := strings.TrimSpace(strings.TrimSpace(m.FirstName) + " " + strings.TrimSpace(m.LastName))
	if name == "" {
		name = m.Username
	}
	return name
}

// Content returns the text to classify: the message text, or the caption of
// a media message.
func (m *InboundMessage) Content() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Caption
}
