package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

// TLS modes
const (
	TLSNone     = "none"
	TLSStartTLS = "starttls"
	TLSImplicit = "tls"
)

// Config holds the outbound SMTP relay settings
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	TLS                string // none, starttls, tls
	InsecureSkipVerify bool
	HeloName           string
	Timeout            time.Duration
}

// DefaultConfig returns a relay on localhost:25 with opportunistic STARTTLS
func DefaultConfig() Config {
	return Config{
		Host:     "localhost",
		Port:     25,
		TLS:      TLSStartTLS,
		HeloName: "localhost",
		Timeout:  30 * time.Second,
	}
}

// SMTP is a Transport that relays through a single SMTP server and keeps
// the session open across messages.
type SMTP struct {
	config Config
	conn   net.Conn
	client *smtp.Client
	logger *slog.Logger
	dialer func(ctx context.Context, network, address string) (net.Conn, error)
}

var _ Transport = (*SMTP)(nil)

// NewSMTP creates an SMTP transport
func NewSMTP(config Config) *SMTP {
	def := DefaultConfig()
	if config.Host == "" {
		config.Host = def.Host
	}
	if config.Port == 0 {
		config.Port = def.Port
	}
	if config.TLS == "" {
		config.TLS = def.TLS
	}
	if config.HeloName == "" {
		config.HeloName = def.HeloName
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	d := &net.Dialer{Timeout: config.Timeout}
	return &SMTP{
		config: config,
		logger: slog.Default().With("component", "smtp-transport"),
		dialer: d.DialContext,
	}
}

// Address returns host:port of the relay
func (t *SMTP) Address() string {
	return net.JoinHostPort(t.config.Host, strconv.Itoa(t.config.Port))
}

func (t *SMTP) IsOpen() bool {
	return t.client != nil
}

func (t *SMTP) Open(ctx context.Context) error {
	if t.client != nil {
		return nil
	}

	address := t.Address()
	conn, err := t.dialer(ctx, "tcp", address)
	if err != nil {
		return classified(KindConnect, fmt.Errorf("failed to dial %s: %w", address, err))
	}
	t.setDeadline(ctx, conn)

	tlsConfig := &tls.Config{
		ServerName:         t.config.Host,
		InsecureSkipVerify: t.config.InsecureSkipVerify,
	}

	if t.config.TLS == TLSImplicit {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return classified(KindConnect, fmt.Errorf("TLS handshake with %s failed: %w", address, err))
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, t.config.Host)
	if err != nil {
		conn.Close()
		return classified(KindConnect, fmt.Errorf("failed to create SMTP client: %w", err))
	}

	if err := client.Hello(t.config.HeloName); err != nil {
		client.Close()
		return classified(KindConnect, fmt.Errorf("HELLO command failed: %w", err))
	}

	if t.config.TLS == TLSStartTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				client.Close()
				return classified(KindConnect, fmt.Errorf("STARTTLS failed: %w", err))
			}
		}
	}

	if t.config.Username != "" {
		if ok, _ := client.Extension("AUTH"); !ok {
			client.Close()
			return classified(KindAuth, errors.New("server does not support AUTH"))
		}
		auth := smtp.PlainAuth("", t.config.Username, t.config.Password, t.config.Host)
		if err := client.Auth(auth); err != nil {
			client.Close()
			if isConnError(err) {
				return classified(KindConnect, fmt.Errorf("AUTH failed: %w", err))
			}
			return classified(KindAuth, fmt.Errorf("AUTH failed: %w", err))
		}
	}

	t.conn = conn
	t.client = client
	t.logger.Debug("SMTP session opened", "address", address)
	return nil
}

func (t *SMTP) Send(ctx context.Context, from string, to []string, raw []byte) error {
	if t.client == nil {
		return errors.New("transport is not open")
	}
	if len(to) == 0 {
		return errors.New("no recipients")
	}
	t.setDeadline(ctx, t.conn)

	err := t.send(from, to, raw)
	if err != nil && KindOf(err) == KindConnect {
		// The session is unusable; the next Open reconnects.
		t.drop()
	}
	return err
}

func (t *SMTP) send(from string, to []string, raw []byte) error {
	if err := t.client.Mail(from); err != nil {
		t.reset()
		return classifyReply(KindSenderRefused, fmt.Errorf("MAIL FROM failed: %w", err))
	}

	var accepted int
	var lastErr error
	for _, rcpt := range to {
		if err := t.client.Rcpt(rcpt); err != nil {
			if isConnError(err) {
				return classified(KindConnect, fmt.Errorf("RCPT TO failed for %s: %w", rcpt, err))
			}
			t.logger.Warn("Recipient refused", "recipient", rcpt, "error", err)
			lastErr = fmt.Errorf("RCPT TO failed for %s: %w", rcpt, err)
			continue
		}
		accepted++
	}
	if accepted == 0 {
		t.reset()
		return classifyReply(KindRecipientRefused, lastErr)
	}

	writer, err := t.client.Data()
	if err != nil {
		t.reset()
		return classifyReply(0, fmt.Errorf("DATA command failed: %w", err))
	}
	if _, err := writer.Write(raw); err != nil {
		return classifyReply(0, fmt.Errorf("failed to write message data: %w", err))
	}
	if err := writer.Close(); err != nil {
		return classifyReply(0, fmt.Errorf("failed to close data writer: %w", err))
	}
	return nil
}

func (t *SMTP) Close() error {
	if t.client == nil {
		return nil
	}
	err := t.client.Quit()
	if err != nil {
		t.logger.Warn("QUIT command failed", "error", err)
		t.client.Close()
	}
	t.client = nil
	t.conn = nil
	t.logger.Debug("SMTP session closed", "address", t.Address())
	return nil
}

func (t *SMTP) reset() {
	if t.client != nil {
		_ = t.client.Reset()
	}
}

func (t *SMTP) drop() {
	if t.client != nil {
		t.client.Close()
	}
	t.client = nil
	t.conn = nil
}

func (t *SMTP) setDeadline(ctx context.Context, conn net.Conn) {
	deadline := time.Now().Add(t.config.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
}
