package gateway

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTwitchSendFileDeliversContent(t *testing.T) {
	var sent []string
	g := &TwitchGateway{say: func(_, text string) { sent = append(sent, text) }}

	body := strings.Repeat("x", 4500)
	if err := g.SendFile(context.Background(), "general", "snippet_1.py", []byte(body)); err != nil {
		t.Fatal(err)
	}

	if len(sent) < 2 {
		t.Fatalf("got %d messages, want announcement plus content", len(sent))
	}
	if !strings.Contains(sent[0], "snippet_1.py") {
		t.Errorf("first message does not name the file: %q", sent[0])
	}
	if strings.Join(sent[1:], "") != body {
		t.Error("file content not fully delivered")
	}
	for i, msg := range sent {
		if utf8.RuneCountInString(msg) > MaxMessageChars {
			t.Errorf("message %d exceeds limit", i)
		}
	}
}

func TestTwitchSendBeforeConnect(t *testing.T) {
	g := &TwitchGateway{}
	if err := g.SendText(context.Background(), "general", "hi"); err == nil {
		t.Error("expected error before connect")
	}
	if err := g.SendFile(context.Background(), "general", "f.txt", []byte("x")); err == nil {
		t.Error("expected error before connect")
	}
}
