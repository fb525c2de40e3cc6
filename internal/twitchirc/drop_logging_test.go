package twitchirc

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSummarizeLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		command string
		channel string
		sample  string
	}{
		{
			name:    "chat for another channel",
			line:    "@user-id=5 :a!a@x PRIVMSG #Elsewhere :hi there",
			command: "PRIVMSG",
			channel: "#elsewhere",
			sample:  "hi there",
		},
		{
			name:    "usernotice keeps msg-id",
			line:    "@msg-id=announcement;login=m :tmi.twitch.tv USERNOTICE #chan :hello",
			command: "USERNOTICE",
			channel: "#chan",
			sample:  "msg-id=announcement",
		},
		{
			name:    "roomstate falls back to channel",
			line:    "@emote-only=0;room-id=123 :tmi.twitch.tv ROOMSTATE #chan",
			command: "ROOMSTATE",
			channel: "#chan",
			sample:  "#chan",
		},
		{
			name:    "unparseable tags only",
			line:    "@a=b",
			command: "UNKNOWN",
			sample:  "@a=b",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := summarizeLine(tt.line)
			if got.command != tt.command || got.channel != tt.channel || got.sample != tt.sample {
				t.Fatalf("summary mismatch: want %s/%s/%q got %s/%s/%q",
					tt.command, tt.channel, tt.sample, got.command, got.channel, got.sample)
			}
		})
	}
}

func TestRedact(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"pass line", "PASS oauth:supersecrettokenvalue", "PASS [REDACTED]"},
		{"oauth token", "token oauth:abc123", "token oauth:[REDACTED]"},
		{"long token", "key QWxhZGRpbjpPcGVuU2VzYW1lMTIzNDU2Nzg5MA== end", "key [REDACTED] end"},
		{"whitespace collapsed", "  hello \r\n world ", "hello world"},
		{"truncated", strings.Repeat("ab ", 10), "ab ab ..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			max := dropSampleMaxLen
			if tt.name == "truncated" {
				max = 9
			}
			if got := redact(tt.in, max); got != tt.want {
				t.Fatalf("redact(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDropLoggerSummarizesPerReason(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	d := newDropLogger(logger, start, false, time.Second)

	d.note(start, dropOtherChannel, "@user-id=5 :a!a@x PRIVMSG #elsewhere :one")
	d.note(start, dropOtherChannel, "@user-id=5 :a!a@x PRIVMSG #elsewhere :two")
	if buf.Len() != 0 {
		t.Fatalf("summary logged before the interval elapsed: %s", buf.String())
	}
	d.note(start.Add(time.Second), dropNotChat, ":tmi.twitch.tv ROOMSTATE #chan")

	out := buf.String()
	if !strings.Contains(out, "reason=other_channel") || !strings.Contains(out, "total=2") || !strings.Contains(out, "PRIVMSG:2") {
		t.Fatalf("missing other_channel summary: %s", out)
	}
	if !strings.Contains(out, "reason=not_chat") {
		t.Fatalf("missing not_chat summary: %s", out)
	}
	buf.Reset()
	d.flush(start.Add(2 * time.Second))
	if buf.Len() != 0 {
		t.Fatalf("tallies must reset after a flush: %s", buf.String())
	}
}

func TestTranslateDropReasonsCounted(t *testing.T) {
	c := New(Config{Channel: "chan", Nick: "bot"})
	lines := []struct {
		line   string
		reason string
	}{
		{"@user-id=5 :a!a@x PRIVMSG #elsewhere :hi", dropOtherChannel},
		{"@msg-id=announcement;login=m :tmi.twitch.tv USERNOTICE #chan :hello", dropUnsupportedNotice},
		{"@msg-id=submysterygift;login=g;user-id=9;msg-param-mass-gift-count=1 :tmi.twitch.tv USERNOTICE #chan", ""},
		{"@msg-id=subgift;login=g;user-id=9 :tmi.twitch.tv USERNOTICE #chan", dropGiftRecipient},
	}
	for _, l := range lines {
		msg, ok := parseLine(l.line)
		if !ok {
			t.Fatalf("parseLine failed for %q", l.line)
		}
		_, reason := c.translate(msg)
		if reason != l.reason {
			t.Fatalf("%q: want reason %q got %q", l.line, l.reason, reason)
		}
		if reason != "" {
			c.metrics.incDropped(reason)
		}
	}
	stats := c.Stats()
	if stats.Dropped != 3 || stats.DroppedBy[dropGiftRecipient] != 1 || stats.DroppedBy[dropOtherChannel] != 1 {
		t.Fatalf("unexpected drop stats %+v", stats)
	}
}
