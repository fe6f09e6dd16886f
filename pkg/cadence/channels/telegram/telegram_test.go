package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

func TestSplitMessage(t *testing.T) {
	t.Run("short message untouched", func(t *testing.T) {
		chunks := splitMessage("hello", 100)
		if len(chunks) != 1 || chunks[0] != "hello" {
			t.Errorf("chunks = %v", chunks)
		}
	})

	t.Run("splits on newline before the limit", func(t *testing.T) {
		content := strings.Repeat("a", 40) + "\n" + strings.Repeat("b", 40)
		chunks := splitMessage(content, 50)
		if len(chunks) != 2 {
			t.Fatalf("got %d chunks, want 2", len(chunks))
		}
		if chunks[0] != strings.Repeat("a", 40) {
			t.Errorf("first chunk = %q", chunks[0])
		}
		if chunks[1] != strings.Repeat("b", 40) {
			t.Errorf("second chunk = %q", chunks[1])
		}
	})

	t.Run("hard split without newlines", func(t *testing.T) {
		content := strings.Repeat("x", 120)
		chunks := splitMessage(content, 50)
		if len(chunks) != 3 {
			t.Fatalf("got %d chunks, want 3", len(chunks))
		}
		for i, c := range chunks {
			if len(c) > 50 {
				t.Errorf("chunk %d exceeds the limit: %d bytes", i, len(c))
			}
		}
		if strings.Join(chunks, "") != content {
			t.Error("content lost during splitting")
		}
	})

	t.Run("hard split keeps runes intact", func(t *testing.T) {
		// 2-byte runes with an odd limit force the cut into the middle
		// of a rune unless it backs up to a boundary.
		content := strings.Repeat("é", 30)
		chunks := splitMessage(content, 25)
		for i, c := range chunks {
			if !utf8.ValidString(c) {
				t.Errorf("chunk %d is not valid UTF-8: %q", i, c)
			}
			if len(c) > 25 {
				t.Errorf("chunk %d exceeds the limit: %d bytes", i, len(c))
			}
		}
		if strings.Join(chunks, "") != content {
			t.Error("content lost during splitting")
		}
	})

	t.Run("no empty chunks", func(t *testing.T) {
		content := strings.Repeat("line\n", 30)
		for _, c := range splitMessage(content, 20) {
			if strings.TrimSpace(c) == "" {
				t.Error("produced an empty chunk")
			}
		}
	})
}

func TestAllowed(t *testing.T) {
	open := New(Config{Token: "x"}, nil)
	if !open.allowed(&tgbotapi.User{ID: 42}) {
		t.Error("empty allow list rejected a sender")
	}
	if open.allowed(nil) {
		t.Error("nil sender accepted")
	}

	restricted := New(Config{Token: "x", AllowFrom: []int64{1, 2}}, nil)
	if !restricted.allowed(&tgbotapi.User{ID: 1}) {
		t.Error("allow-listed sender rejected")
	}
	if restricted.allowed(&tgbotapi.User{ID: 42}) {
		t.Error("unknown sender accepted")
	}
}
