package twitchirc

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Reasons a received line does not become a frame.
const (
	dropUnparseable       = "unparseable"
	dropNotChat           = "not_chat"
	dropOtherChannel      = "other_channel"
	dropUnsupportedNotice = "unsupported_usernotice"
	dropGiftRecipient     = "gift_recipient"
	dropEncodeFailed      = "encode_failed"
)

const (
	dropSummaryInterval = 5 * time.Second
	dropSampleMaxLen    = 96
)

var (
	oauthTokenRe = regexp.MustCompile(`(?i)oauth:[^\s;]+`)
	longTokenRe  = regexp.MustCompile(`[A-Za-z0-9+/_=\-]{24,}`)
)

// lineSummary is the loggable part of a dropped line.
type lineSummary struct {
	command string
	channel string
	sample  string
}

type reasonTally struct {
	total    int
	commands map[string]int
	sample   lineSummary
}

// dropLogger batches dropped lines into one summary per reason per
// interval. With verbose set every drop is also logged at debug level.
type dropLogger struct {
	logger   *slog.Logger
	verbose  bool
	interval time.Duration
	nextEmit time.Time
	tallies  map[string]*reasonTally
}

func newDropLogger(logger *slog.Logger, now time.Time, verbose bool, interval time.Duration) *dropLogger {
	if interval <= 0 {
		interval = dropSummaryInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &dropLogger{
		logger:   logger,
		verbose:  verbose,
		interval: interval,
		nextEmit: now.Add(interval),
		tallies:  make(map[string]*reasonTally),
	}
}

func (d *dropLogger) note(now time.Time, reason, line string) {
	if d == nil {
		return
	}
	s := summarizeLine(line)
	if d.verbose {
		d.logger.Debug("twitchirc: dropped line", "reason", reason, "command", s.command, "channel", s.channel, "sample", s.sample)
	}

	t := d.tallies[reason]
	if t == nil {
		t = &reasonTally{commands: make(map[string]int), sample: s}
		d.tallies[reason] = t
	}
	t.total++
	t.commands[s.command]++

	if !now.Before(d.nextEmit) {
		d.flush(now)
	}
}

func (d *dropLogger) flush(now time.Time) {
	if d == nil {
		return
	}
	for _, reason := range sortedKeys(d.tallies) {
		t := d.tallies[reason]
		d.logger.Info("twitchirc: dropped lines",
			"reason", reason,
			"total", t.total,
			"commands", formatCounts(t.commands),
			"sample", strings.TrimSpace(t.sample.channel+" "+t.sample.sample),
		)
	}
	clear(d.tallies)
	d.nextEmit = now.Add(d.interval)
}

// summarizeLine reduces a raw line to its command, channel and a short
// redacted sample. USERNOTICE samples carry the msg-id since that decides
// whether the notice maps to an event.
func summarizeLine(line string) lineSummary {
	msg, ok := parseLine(strings.TrimSpace(line))
	if !ok || msg.command == "" {
		return lineSummary{command: "UNKNOWN", sample: redact(line, dropSampleMaxLen)}
	}
	s := lineSummary{command: strings.ToUpper(msg.command)}
	if ch := msg.channel(); ch != "" {
		s.channel = "#" + ch
	}
	switch {
	case s.command == "USERNOTICE" && msg.tags["msg-id"] != "":
		s.sample = "msg-id=" + msg.tags["msg-id"]
	case msg.trailing != "":
		s.sample = msg.trailing
	default:
		s.sample = s.channel
	}
	s.sample = redact(s.sample, dropSampleMaxLen)
	return s
}

// redact collapses whitespace, masks credentials and truncates to max.
func redact(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return ""
	}
	if upper := strings.ToUpper(s); upper == "PASS" || strings.HasPrefix(upper, "PASS ") {
		return "PASS [REDACTED]"
	}
	s = oauthTokenRe.ReplaceAllString(s, "oauth:[REDACTED]")
	s = longTokenRe.ReplaceAllString(s, "[REDACTED]")
	if max > 3 && len(s) > max {
		s = s[:max-3] + "..."
	}
	return s
}

func formatCounts(counts map[string]int) string {
	parts := make([]string, 0, len(counts))
	for _, k := range sortedKeys(counts) {
		parts = append(parts, fmt.Sprintf("%s:%d", k, counts[k]))
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
