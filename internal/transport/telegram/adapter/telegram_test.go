package adapter

import (
	"strings"
	"testing"

	logx "feedwatch/pkg/logx"
)

func TestSplitTelegramTextShortPassThrough(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 100)
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("got %v", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("line one\n", 20)
	chunks := splitTelegramText(text, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len([]rune(c)) > 50 {
			t.Errorf("chunk %d exceeds limit: %d runes", i, len([]rune(c)))
		}
		if c == "" {
			t.Errorf("chunk %d is empty", i)
		}
		// Newline-boundary split means no chunk starts mid-word here.
		if strings.HasPrefix(c, "one") {
			t.Errorf("chunk %d split mid-line: %q", i, c)
		}
	}
}

func TestSplitTelegramTextNoNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 120)
	chunks := splitTelegramText(text, 50)
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if strings.Join(chunks, "") != text {
		t.Fatal("content lost while splitting")
	}
}

func TestNewRequiresToken(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty token accepted")
	}
}
