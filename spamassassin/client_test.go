package spamassassin

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/freegle/inbound/config"
)

// fakeSpamd answers one SPAMC CHECK exchange and closes.
func fakeSpamd(t *testing.T, response string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				c.SetReadDeadline(time.Now().Add(time.Second))
				for {
					if _, err := c.Read(buf); err != nil {
						break
					}
				}
				c.Write([]byte(response))
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func newTestClient(addr string) *Client {
	return NewClient(config.SpamAssassinConfig{
		Enabled: true,
		Addr:    addr,
		Timeout: "2s",
	})
}

func TestScoreParsesSpamdReply(t *testing.T) {
	addr := fakeSpamd(t, "SPAMD/1.1 0 EX_OK\r\nSpam: True ; 12.5 / 5.0\r\n\r\n")
	c := newTestClient(addr)

	score, err := c.Score(context.Background(), []byte("Subject: test\r\n\r\nbody"))
	if err != nil {
		t.Fatal(err)
	}
	if score != 12.5 {
		t.Errorf("score = %v", score)
	}
}

func TestScoreNotSpam(t *testing.T) {
	addr := fakeSpamd(t, "SPAMD/1.1 0 EX_OK\r\nSpam: False ; -0.1 / 5.0\r\n\r\n")
	c := newTestClient(addr)

	score, err := c.Score(context.Background(), []byte("Subject: hi\r\n\r\nhello"))
	if err != nil {
		t.Fatal(err)
	}
	if score != -0.1 {
		t.Errorf("score = %v", score)
	}
}

func TestScoreUnavailable(t *testing.T) {
	c := newTestClient("127.0.0.1:1")

	_, err := c.Score(context.Background(), []byte("x"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v", err)
	}
}

func TestScoreBadStatusLine(t *testing.T) {
	addr := fakeSpamd(t, "SPAMD/1.1 64 EX_USAGE\r\n\r\n")
	c := newTestClient(addr)

	_, err := c.Score(context.Background(), []byte("x"))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("err = %v", err)
	}
}
