package relay

const (
	noticeSpamBlocked    = "Your message was filtered as spam. If you think this is a mistake, please contact the administrator."
	noticeDeliveryFailed = "Sorry, your message could not be delivered. Please try again later."
	noticeReplyHint      = "Reply to a user's message to send them an answer."
	noticeOriginNotFound = "Could not find the original sender of that message."
	noticeReplyFailed    = "❌ Reply could not be delivered. The user may have blocked the bot."
	noticeCommandFailed  = "❌ Something went wrong while handling the command. Please try again later."
	noticeNeedsTarget    = "❌ Reply to a relayed user message to use /%s."
	noticeTrusted        = "✅ User %d is now trusted."
	noticeUntrusted      = "⚠️ User %d is no longer trusted and is back under monitoring."
	noticeNoRecord       = "User %d has no trust record."
	noticeAutoPromoted   = "✅ %s (ID: %d) was trusted automatically after %d clean messages."

	alertTimeLayout = "2006-01-02 15:04:05"
	alertTemplate   = "🚨 Spam alert\n\nSender: %s (ID: %d)\nVerdict: %s\nTime: %s"

	helpText = `Commands (reply to a relayed message):
/trust - trust the sender; their messages skip the spam filter
/untrust - revoke trust and resume screening
/whois - show the sender's trust record`
)
