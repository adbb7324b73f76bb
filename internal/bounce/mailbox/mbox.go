package mailbox

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

type mboxMessage struct {
	raw     string // full message including the From_ separator line
	header  string
	body    string
	deleted bool
}

// MboxReader reads a local mbox-format file. Deletions take effect on
// Close(true), which rewrites the file without the deleted messages.
type MboxReader struct {
	path     string
	messages []mboxMessage
}

func OpenMbox(path string) (*MboxReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening mbox %s: %w", path, err)
	}
	defer f.Close()

	r := &MboxReader{path: path}

	var lines []string
	flush := func() {
		if len(lines) == 0 {
			return
		}
		r.messages = append(r.messages, splitMessage(lines))
		lines = nil
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "From ") {
			flush()
		}
		if len(lines) > 0 || strings.HasPrefix(line, "From ") {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mbox %s: %w", path, err)
	}
	flush()

	return r, nil
}

// splitMessage divides one message's lines into header and body at the
// first blank line. The From_ separator line stays out of the header.
func splitMessage(lines []string) mboxMessage {
	msg := mboxMessage{raw: strings.Join(lines, "\n")}

	content := lines
	if len(content) > 0 && strings.HasPrefix(content[0], "From ") {
		content = content[1:]
	}

	for i, line := range content {
		if line == "" {
			msg.header = strings.Join(content[:i], "\n")
			msg.body = strings.Join(content[i+1:], "\n")
			return msg
		}
	}
	msg.header = strings.Join(content, "\n")
	return msg
}

func (r *MboxReader) Count() int {
	return len(r.messages)
}

func (r *MboxReader) message(n int) (*mboxMessage, error) {
	if n < 1 || n > len(r.messages) {
		return nil, fmt.Errorf("mbox: no message %d", n)
	}
	return &r.messages[n-1], nil
}

func (r *MboxReader) FetchHeader(n int) (string, error) {
	m, err := r.message(n)
	if err != nil {
		return "", err
	}
	return m.header, nil
}

func (r *MboxReader) FetchBody(n int) (string, error) {
	m, err := r.message(n)
	if err != nil {
		return "", err
	}
	return m.body, nil
}

func (r *MboxReader) Delete(n int) error {
	m, err := r.message(n)
	if err != nil {
		return err
	}
	m.deleted = true
	return nil
}

// Close rewrites the mbox without deleted messages when expunge is set.
func (r *MboxReader) Close(expunge bool) error {
	if !expunge {
		return nil
	}

	anyDeleted := false
	var kept []string
	for _, m := range r.messages {
		if m.deleted {
			anyDeleted = true
			continue
		}
		kept = append(kept, m.raw)
	}
	if !anyDeleted {
		return nil
	}

	out := strings.Join(kept, "\n")
	if out != "" {
		out += "\n"
	}
	if err := os.WriteFile(r.path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("rewriting mbox %s: %w", r.path, err)
	}
	return nil
}
