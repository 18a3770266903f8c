package queue

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// Priority represents message priority. Lower values are delivered first.
type Priority int

const (
	// PriorityNow bypasses the queue and is delivered synchronously. It is
	// never persisted.
	PriorityNow Priority = 0
	// PriorityHigh is for high priority messages
	PriorityHigh Priority = 1
	// PriorityNormal is for normal priority messages
	PriorityNormal Priority = 2
	// PriorityLow is for low priority messages
	PriorityLow Priority = 3
)

// PriorityHeader is the message header callers use to pick a priority.
const PriorityHeader = "X-Mail-Queue-Priority"

// String returns the header name of the priority
func (p Priority) String() string {
	switch p {
	case PriorityNow:
		return "now"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Persistable reports whether the priority can be stored on a queue row.
func (p Priority) Persistable() bool {
	return p >= PriorityHigh && p <= PriorityLow
}

// ParsePriority converts a header value to a Priority.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "now":
		return PriorityNow, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// Result is the outcome of one delivery attempt.
type Result int

const (
	// ResultSent means the message was accepted by the transport
	ResultSent Result = 1
	// ResultSkipped means the recipient is blacklisted
	ResultSkipped Result = 2
	// ResultFailed means the message was deferred for a later retry
	ResultFailed Result = 3
)

func (r Result) String() string {
	switch r {
	case ResultSent:
		return "sent"
	case ResultSkipped:
		return "skipped"
	case ResultFailed:
		return "deferred"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// Envelope is an encoded message addressed to a single recipient.
type Envelope struct {
	From    string `json:"from"`
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    []byte `json:"-"`
}

// Message represents an email message in the queue
type Message struct {
	ID        string     `json:"id"`
	Envelope  Envelope   `json:"envelope"`
	Priority  Priority   `json:"priority"`
	Deferred  *time.Time `json:"deferred,omitempty"`
	Retries   int        `json:"retries"`
	QueuedAt  time.Time  `json:"queued_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// IsDeferred reports whether the message is excluded from sweeps.
func (m Message) IsDeferred() bool {
	return m.Deferred != nil
}

func (m Message) String() string {
	return fmt.Sprintf("%s: %s", m.Envelope.To, m.Envelope.Subject)
}

// BlacklistEntry is a suppressed recipient address.
type BlacklistEntry struct {
	Address string    `json:"address"`
	AddedAt time.Time `json:"added_at"`
}

// LogEntry records the outcome of one processed message.
type LogEntry struct {
	ID        int64     `json:"id"`
	MessageID string    `json:"message_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Subject   string    `json:"subject"`
	Result    Result    `json:"result"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NormalizeAddress canonicalises an address for blacklist storage and lookup.
func NormalizeAddress(addr string) string {
	return norm.NFC.String(strings.ToLower(strings.TrimSpace(addr)))
}

// AddressSet is a blacklist snapshot taken once per sweep.
type AddressSet map[string]struct{}

// NewAddressSet builds a set from raw addresses.
func NewAddressSet(addrs []string) AddressSet {
	set := make(AddressSet, len(addrs))
	for _, a := range addrs {
		set[NormalizeAddress(a)] = struct{}{}
	}
	return set
}

// Contains reports whether addr is in the set.
func (s AddressSet) Contains(addr string) bool {
	_, ok := s[NormalizeAddress(addr)]
	return ok
}
