// Package smtp delivers email over a persistent SMTP submission session per worker.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tinywideclouds/go-notification-gateway/pkg/dispatch"
)

type Adapter struct {
	host     string
	port     int
	username string
	password string
	from     string
	startTLS bool
	logger   *slog.Logger
}

func NewAdapter(settings dispatch.SettingsMap, logger *slog.Logger) (*Adapter, error) {
	host, err := settings.Require("host")
	if err != nil {
		return nil, err
	}
	from, err := settings.Require("from")
	if err != nil {
		return nil, err
	}
	port, err := settings.Int("port", 587)
	if err != nil {
		return nil, err
	}
	startTLS, err := settings.Bool("starttls", true)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		host:     host,
		port:     port,
		username: settings.Get("username", ""),
		password: settings.Get("password", ""),
		from:     from,
		startTLS: startTLS,
		logger:   logger.With("component", "SMTPAdapter", "host", host),
	}, nil
}

// Open dials the server, upgrades with STARTTLS when configured and authenticates.
func (a *Adapter) Open(ctx context.Context) (dispatch.Conn, error) {
	addr := net.JoinHostPort(a.host, strconv.Itoa(a.port))
	dialer := &net.Dialer{Timeout: 30 * time.Second}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &dispatch.ConnectError{Channel: "smtp", Err: fmt.Errorf("SMTP connect to %s: %w", addr, err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(netConn, a.host)
	if err != nil {
		netConn.Close()
		return nil, &dispatch.ConnectError{Channel: "smtp", Err: fmt.Errorf("SMTP client: %w", err)}
	}

	fail := func(err error) (dispatch.Conn, error) {
		client.Close()
		return nil, &dispatch.ConnectError{Channel: "smtp", Err: err}
	}

	if a.startTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fail(fmt.Errorf("server %s does not offer STARTTLS", addr))
		}
		if err := client.StartTLS(&tls.Config{ServerName: a.host}); err != nil {
			return fail(fmt.Errorf("STARTTLS: %w", err))
		}
	}
	if a.username != "" {
		if err := client.Auth(smtp.PlainAuth("", a.username, a.password, a.host)); err != nil {
			return fail(fmt.Errorf("AUTH: %w", err))
		}
	}
	_ = netConn.SetDeadline(time.Time{})

	return &conn{client: client, netConn: netConn, from: a.from, logger: a.logger}, nil
}

type conn struct {
	client  *smtp.Client
	netConn net.Conn
	from    string
	logger  *slog.Logger
}

// Send runs one MAIL/RCPT/DATA transaction. The context deadline bounds the socket I/O.
func (c *conn) Send(ctx context.Context, msg dispatch.Message) (dispatch.SendAck, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.netConn.SetDeadline(deadline)
		defer c.netConn.SetDeadline(time.Time{})
	}

	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), domainOf(c.from))
	body := buildMessage(c.from, msg, messageID)

	if err := c.transaction(msg.Recipient, body); err != nil {
		// Clear the envelope so the session can carry the next message.
		if rerr := c.client.Reset(); rerr != nil {
			c.logger.Debug("RSET failed", "err", rerr)
		}
		var reply *textproto.Error
		permanent := errors.As(err, &reply) && reply.Code >= 500
		return dispatch.SendAck{}, &dispatch.SendError{Recipient: msg.Recipient, Permanent: permanent, Err: err}
	}
	return dispatch.SendAck{ProviderID: messageID}, nil
}

func (c *conn) transaction(to string, body []byte) error {
	if err := c.client.Mail(c.from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := c.client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := c.client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("DATA close: %w", err)
	}
	return nil
}

func (c *conn) Close() error {
	_ = c.netConn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := c.client.Quit(); err != nil {
		c.client.Close()
		return err
	}
	return nil
}

func buildMessage(from string, msg dispatch.Message, messageID string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.Recipient)
	if msg.Subject != "" {
		fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	}
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(strings.ReplaceAll(strings.ReplaceAll(msg.Body, "\r\n", "\n"), "\n", "\r\n"))
	b.WriteString("\r\n")
	return b.Bytes()
}

func domainOf(addr string) string {
	addr = strings.Trim(addr, "<> ")
	if i := strings.LastIndex(addr, "@"); i >= 0 {
		return addr[i+1:]
	}
	return "localhost"
}
