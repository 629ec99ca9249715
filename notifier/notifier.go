// Package notifier sends the out-of-band notices the router produces, such
// as the rejection mail a non-member gets when posting to a group. Delivery
// goes through a configured SMTP relay behind a circuit breaker; a disabled
// relay swallows notices silently.
package notifier

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/helpers"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/pkg/circuitbreaker"
	"github.com/freegle/inbound/pkg/metrics"
	"github.com/freegle/inbound/pkg/retry"
)

// Notifier delivers notices through the external SMTP relay.
type Notifier struct {
	cfg     config.RelayConfig
	breaker *circuitbreaker.CircuitBreaker
	backoff retry.BackoffConfig
	send    func(from, to string, message []byte) error
}

func New(cfg config.RelayConfig) *Notifier {
	n := &Notifier{
		cfg:     cfg,
		backoff: retry.DefaultBackoffConfig(),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "smtp_relay",
			MaxRequests: 3,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("relay circuit state change", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
	n.send = n.sendToRelay
	return n
}

// SendRejectionNotice tells a sender why their group post was not accepted.
// Best-effort from the router's point of view, but retried here against
// transient relay failures.
func (n *Notifier) SendRejectionNotice(ctx context.Context, to, groupName, reason string) error {
	if !n.cfg.Enabled {
		logger.DebugContext(ctx, "relay disabled, dropping rejection notice",
			"to", helpers.MaskEmail(to), "group", groupName)
		return nil
	}

	message := composeRejection(n.cfg.From, to, groupName, reason)
	err := retry.WithRetry(ctx, func() error {
		_, sendErr := n.breaker.Execute(func() (any, error) {
			return nil, n.send(n.cfg.From, to, message)
		})
		if sendErr == nil {
			return nil
		}
		if errors.Is(sendErr, circuitbreaker.ErrCircuitBreakerOpen) ||
			errors.Is(sendErr, circuitbreaker.ErrTooManyRequests) {
			metrics.RelayNotices.WithLabelValues("circuit_open").Inc()
			return retry.Stop(sendErr)
		}
		if isPermanent(sendErr) {
			return retry.Stop(sendErr)
		}
		return sendErr
	}, n.backoff)

	if err != nil {
		metrics.RelayNotices.WithLabelValues("failure").Inc()
		return fmt.Errorf("sending rejection notice to %s: %w", helpers.MaskEmail(to), err)
	}
	metrics.RelayNotices.WithLabelValues("success").Inc()
	return nil
}

// isPermanent treats 5xx SMTP replies as not worth retrying.
func isPermanent(err error) bool {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}
	return false
}

func composeRejection(from, to, groupName, reason string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: Your message to %s was not accepted\r\n", groupName)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Auto-Submitted: auto-replied\r\n")
	fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "Your message to %s could not be accepted.\r\n\r\n", groupName)
	fmt.Fprintf(&b, "%s\r\n\r\n", reason)
	fmt.Fprintf(&b, "If you think this is a mistake, please contact the group's volunteers\r\n")
	fmt.Fprintf(&b, "through the website.\r\n")
	return []byte(b.String())
}

func (n *Notifier) sendToRelay(from, to string, message []byte) error {
	var c *smtp.Client
	var err error

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	switch {
	case n.cfg.UseTLS && !n.cfg.UseStartTLS:
		c, err = smtp.DialTLS(n.cfg.Host, tlsConfig)
	case n.cfg.UseStartTLS:
		c, err = smtp.DialStartTLS(n.cfg.Host, tlsConfig)
	default:
		c, err = smtp.Dial(n.cfg.Host)
	}
	if err != nil {
		return fmt.Errorf("connecting to relay %s: %w", n.cfg.Host, err)
	}
	defer c.Close()

	if n.cfg.Username != "" {
		auth := sasl.NewPlainClient("", n.cfg.Username, n.cfg.Password)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("relay auth: %w", err)
		}
	}

	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("setting sender: %w", err)
	}
	if err := c.Rcpt(to, nil); err != nil {
		return fmt.Errorf("setting recipient: %w", err)
	}

	wc, err := c.Data()
	if err != nil {
		return fmt.Errorf("starting data: %w", err)
	}
	if _, err := wc.Write(message); err != nil {
		_ = wc.Close()
		return fmt.Errorf("writing message: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("closing data: %w", err)
	}

	if err := c.Quit(); err != nil {
		// The message is already accepted at this point.
		logger.Warn("relay quit failed", "error", err)
	}
	return nil
}
