package mailer

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"

	"github.com/busybox42/mailq/internal/queue"
)

// Parsed is a message read from its RFC 5322 form
type Parsed struct {
	// Envelope carries From, Subject and the encoded body. To is left
	// empty; each queued row gets one of Recipients.
	Envelope   queue.Envelope
	Recipients []string
	// Priority is the value of the priority header, if HasPriority.
	Priority    queue.Priority
	HasPriority bool
}

// ParseMessage reads the sender, recipients (To, Cc and Bcc) and subject of
// raw. The Bcc and priority headers are removed from the stored body.
func ParseMessage(raw []byte) (Parsed, error) {
	var p Parsed

	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return p, fmt.Errorf("failed to parse message: %w", err)
	}

	from, err := msg.Header.AddressList("From")
	if err != nil {
		return p, fmt.Errorf("invalid From header: %w", err)
	}
	if len(from) == 0 {
		return p, errors.New("message has no From address")
	}
	p.Envelope.From = from[0].Address

	for _, field := range []string{"To", "Cc", "Bcc"} {
		addrs, err := msg.Header.AddressList(field)
		if errors.Is(err, mail.ErrHeaderNotPresent) {
			continue
		}
		if err != nil {
			return p, fmt.Errorf("invalid %s header: %w", field, err)
		}
		for _, a := range addrs {
			p.Recipients = append(p.Recipients, a.Address)
		}
	}
	if len(p.Recipients) == 0 {
		return p, ErrNoRecipients
	}

	subject := msg.Header.Get("Subject")
	if decoded, err := new(mime.WordDecoder).DecodeHeader(subject); err == nil {
		subject = decoded
	}
	p.Envelope.Subject = subject

	if value := msg.Header.Get(queue.PriorityHeader); value != "" {
		prio, err := queue.ParsePriority(value)
		if err != nil {
			return p, err
		}
		p.Priority = prio
		p.HasPriority = true
	}

	p.Envelope.Body = stripHeaders(raw, "Bcc", queue.PriorityHeader)
	return p, nil
}

// stripHeaders removes the named header fields, continuation lines
// included, from the header section of raw.
func stripHeaders(raw []byte, names ...string) []byte {
	var out bytes.Buffer
	out.Grow(len(raw))

	r := bufio.NewReader(bytes.NewReader(raw))
	dropping := false
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if len(bytes.TrimRight(line, "\r\n")) == 0 {
				// End of the header section; the body is copied as is.
				out.Write(line)
				io.Copy(&out, r)
				return out.Bytes()
			}

			continuation := line[0] == ' ' || line[0] == '\t'
			if !continuation {
				dropping = matchesHeader(line, names)
			}
			if !dropping {
				out.Write(line)
			}
		}
		if err != nil {
			return out.Bytes()
		}
	}
}

func matchesHeader(line []byte, names []string) bool {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return false
	}
	field := strings.TrimSpace(string(line[:i]))
	for _, n := range names {
		if strings.EqualFold(field, n) {
			return true
		}
	}
	return false
}
