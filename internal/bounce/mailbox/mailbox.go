// Package mailbox abstracts the bounce-mailbox protocols. Two bindings
// exist: a local mbox file and an IMAP inbox.
package mailbox

import (
	"fmt"
	"strings"
)

// Reader enumerates and consumes the messages of one mailbox. Messages are
// numbered 1..Count(); Delete marks a message and Close(expunge)
// permanently removes the marked ones.
type Reader interface {
	Count() int
	FetchHeader(n int) (string, error)
	FetchBody(n int) (string, error)
	Delete(n int) error
	Close(expunge bool) error
}

// Open connects to the mailbox named by spec: "mbox:/path/to/file" or
// "imap:host:port". A failure to open is fatal for the bounce run.
func Open(spec, user, password string) (Reader, error) {
	proto, rest, ok := strings.Cut(spec, ":")
	if !ok {
		return nil, fmt.Errorf("opening mailbox: malformed spec %q", spec)
	}

	switch proto {
	case "mbox":
		return OpenMbox(rest)
	case "imap":
		return OpenIMAP(rest, user, password)
	default:
		return nil, fmt.Errorf("opening mailbox: unknown protocol %q", proto)
	}
}
