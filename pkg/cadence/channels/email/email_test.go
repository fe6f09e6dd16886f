package email

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mwhitton/cadence/pkg/cadence/channels"
)

// silentServer accepts connections and never speaks, like a hung SMTP
// host. Returns the listener address.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	hold := make(chan struct{})
	t.Cleanup(func() { close(hold) })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				<-hold
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestSendHonorsContextDeadline(t *testing.T) {
	addr := silentServer(t)
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	e := New(Config{Host: host, Port: port, From: "cadence@example.com"}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	err = e.Send(ctx, "alex@example.com", &channels.OutgoingMessage{Content: "hi"})
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("Send against a silent server reported success")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Send blocked %v past the context deadline", elapsed)
	}
}

func TestSendRejectsBadRecipient(t *testing.T) {
	e := New(Config{Host: "mail.example.com", From: "cadence@example.com"}, nil)

	err := e.Send(context.Background(), "not-an-address", &channels.OutgoingMessage{Content: "hi"})
	if !errors.Is(err, channels.ErrInvalidRecipient) {
		t.Errorf("Send to bad address: err = %v, want ErrInvalidRecipient", err)
	}
}

func TestBuildMessage(t *testing.T) {
	body := string(buildMessage("cadence@example.com", "alex@example.com", "Check-in", "How was today?"))

	for _, want := range []string{
		"From: cadence@example.com\r\n",
		"To: alex@example.com\r\n",
		"Subject: Check-in\r\n",
		"\r\n\r\nHow was today?",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("message missing %q:\n%s", want, body)
		}
	}
}
