// Package spamassassin scores message content against a spamd daemon using
// the SPAMC wire protocol (CHECK command). The scorer is advisory: failures
// and open-circuit states surface as "no score", never as a routing error.
package spamassassin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/freegle/inbound/config"
	"github.com/freegle/inbound/logger"
	"github.com/freegle/inbound/pkg/circuitbreaker"
	"github.com/freegle/inbound/pkg/metrics"
)

// ErrUnavailable covers connection failures, protocol errors and an open
// circuit breaker.
var ErrUnavailable = errors.New("spamassassin: scorer unavailable")

// Client talks SPAMC to a single spamd endpoint.
type Client struct {
	addr    string
	timeout time.Duration
	breaker *circuitbreaker.CircuitBreaker
	dial    func(ctx context.Context, addr string) (net.Conn, error)
}

func NewClient(cfg config.SpamAssassinConfig) *Client {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		logger.Warn("invalid spamd timeout, using default", "timeout", cfg.Timeout)
		timeout = 10 * time.Second
	}
	c := &Client{
		addr:    cfg.GetAddr(),
		timeout: timeout,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "spamd",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("spamd circuit state change", "from", from.String(), "to", to.String())
			},
		}),
	}
	c.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
	return c
}

// Spamd reply line: "Spam: True ; 12.5 / 5.0"
var spamdResultRe = regexp.MustCompile(`(?i)^Spam:\s*(?:True|False|Yes|No)\s*;\s*(-?[\d.]+)\s*/`)

// Score submits the raw message and returns spamd's score. Any failure
// returns ErrUnavailable so callers treat it as no signal.
func (c *Client) Score(ctx context.Context, raw []byte) (float64, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.check(ctx, raw)
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) ||
			errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			metrics.SpamAssassinCalls.WithLabelValues("circuit_open").Inc()
		} else {
			metrics.SpamAssassinCalls.WithLabelValues("error").Inc()
		}
		logger.DebugContext(ctx, "spamd unavailable", "error", err)
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	metrics.SpamAssassinCalls.WithLabelValues("ok").Inc()
	return result.(float64), nil
}

func (c *Client) check(ctx context.Context, raw []byte) (float64, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conn, err := c.dial(dialCtx, c.addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}

	w := bufio.NewWriter(conn)
	fmt.Fprintf(w, "CHECK SPAMC/1.5\r\n")
	fmt.Fprintf(w, "Content-length: %d\r\n", len(raw))
	fmt.Fprintf(w, "\r\n")
	if _, err := w.Write(raw); err != nil {
		return 0, err
	}
	if err := w.Flush(); err != nil {
		return 0, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.CloseWrite()
	}

	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		return 0, fmt.Errorf("empty spamd response")
	}
	status := scanner.Text()
	if !strings.Contains(status, "EX_OK") {
		return 0, fmt.Errorf("spamd status %q", status)
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		if m := spamdResultRe.FindStringSubmatch(line); m != nil {
			score, err := strconv.ParseFloat(m[1], 64)
			if err != nil {
				return 0, fmt.Errorf("bad spamd score %q", m[1])
			}
			return score, nil
		}
	}
	return 0, fmt.Errorf("no Spam header in spamd response")
}
