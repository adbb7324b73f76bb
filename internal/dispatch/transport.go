package dispatch

import (
	"context"
	"fmt"
	"mime"
	"net/smtp"
	"strings"
	"time"

	"github.com/mailkite/mailkite/internal/domain"
)

// Transport hands one rendered message to the mail infrastructure. A
// transport failure is non-fatal per recipient: the dispatcher records it
// and moves on.
type Transport interface {
	Send(ctx context.Context, msg *domain.OutgoingMessage) error
}

// SMTPTransport delivers through a relay with net/smtp. Outgoing messages
// carry X-MessageId and X-ListMember headers so bounced copies can be
// attributed back to the campaign and subscriber.
type SMTPTransport struct {
	addr     string
	auth     smtp.Auth
	envelope string // envelope sender, typically the bounce address
}

func NewSMTPTransport(addr string, auth smtp.Auth, envelopeFrom string) *SMTPTransport {
	return &SMTPTransport{addr: addr, auth: auth, envelope: envelopeFrom}
}

func (t *SMTPTransport) Send(ctx context.Context, msg *domain.OutgoingMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw := BuildRFC822(msg)
	if err := smtp.SendMail(t.addr, t.auth, t.envelope, []string{msg.To}, raw); err != nil {
		return fmt.Errorf("smtp send to %s: %w", msg.To, err)
	}
	return nil
}

// BuildRFC822 serializes an outgoing message with the attribution headers
// the bounce parser looks for.
func BuildRFC822(msg *domain.OutgoingMessage) []byte {
	contentType := "text/plain"
	if msg.IsHTML {
		contentType = "text/html"
	}

	var b strings.Builder
	writeHeader := func(name, value string) {
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteString("\r\n")
	}

	writeHeader("From", msg.FromField)
	writeHeader("To", msg.To)
	if msg.ReplyToEmail != "" {
		writeHeader("Reply-To", fmt.Sprintf("%s <%s>", msg.ReplyToName, msg.ReplyToEmail))
	}
	writeHeader("Subject", mime.QEncoding.Encode("utf-8", msg.Subject))
	writeHeader("Date", time.Now().Format(time.RFC1123Z))
	writeHeader("MIME-Version", "1.0")
	writeHeader("Content-Type", fmt.Sprintf("%s; charset=%s", contentType, msg.Charset))
	if msg.CampaignID > 0 {
		writeHeader("X-MessageId", fmt.Sprintf("%d", msg.CampaignID))
	} else {
		writeHeader("X-MessageId", "systemmessage")
	}
	writeHeader("X-ListMember", fmt.Sprintf("%d", msg.SubscriberID))
	b.WriteString("\r\n")
	b.WriteString(msg.Body)

	return []byte(b.String())
}
