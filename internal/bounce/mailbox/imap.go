package mailbox

import (
	"fmt"
	"io"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// IMAPReader reads bounces from an IMAP inbox. Fetches use BODY.PEEK so
// messages left in the mailbox keep their unseen state.
type IMAPReader struct {
	client *client.Client
	count  int
}

func OpenIMAP(addr, user, password string) (*IMAPReader, error) {
	c, err := client.DialTLS(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to imap %s: %w", addr, err)
	}

	if err := c.Login(user, password); err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("imap login: %w", err)
	}

	mbox, err := c.Select("INBOX", false)
	if err != nil {
		_ = c.Logout()
		return nil, fmt.Errorf("selecting inbox: %w", err)
	}

	return &IMAPReader{client: c, count: int(mbox.Messages)}, nil
}

func (r *IMAPReader) Count() int {
	return r.count
}

func (r *IMAPReader) fetchSection(n int, specifier imap.PartSpecifier) (string, error) {
	if n < 1 || n > r.count {
		return "", fmt.Errorf("imap: no message %d", n)
	}

	section := &imap.BodySectionName{
		BodyPartName: imap.BodyPartName{Specifier: specifier},
		Peek:         true,
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(n))

	messages := make(chan *imap.Message, 1)
	if err := r.client.Fetch(seqset, []imap.FetchItem{section.FetchItem()}, messages); err != nil {
		return "", fmt.Errorf("fetching message %d: %w", n, err)
	}

	msg := <-messages
	if msg == nil {
		return "", fmt.Errorf("imap: message %d not returned", n)
	}

	literal := msg.GetBody(section)
	if literal == nil {
		return "", nil
	}
	data, err := io.ReadAll(literal)
	if err != nil {
		return "", fmt.Errorf("reading message %d: %w", n, err)
	}
	return string(data), nil
}

func (r *IMAPReader) FetchHeader(n int) (string, error) {
	return r.fetchSection(n, imap.HeaderSpecifier)
}

func (r *IMAPReader) FetchBody(n int) (string, error) {
	return r.fetchSection(n, imap.TextSpecifier)
}

func (r *IMAPReader) Delete(n int) error {
	if n < 1 || n > r.count {
		return fmt.Errorf("imap: no message %d", n)
	}

	seqset := new(imap.SeqSet)
	seqset.AddNum(uint32(n))

	item := imap.FormatFlagsOp(imap.AddFlags, true)
	if err := r.client.Store(seqset, item, []interface{}{imap.DeletedFlag}, nil); err != nil {
		return fmt.Errorf("flagging message %d deleted: %w", n, err)
	}
	return nil
}

func (r *IMAPReader) Close(expunge bool) error {
	if expunge {
		if err := r.client.Expunge(nil); err != nil {
			_ = r.client.Logout()
			return fmt.Errorf("expunging mailbox: %w", err)
		}
	}
	if err := r.client.Logout(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}
