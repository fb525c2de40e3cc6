package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/conc/panics"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/errhandler"
	"github.com/you/gnasty-live/internal/ingesttrace"
)

// StandardOptions tunes handleStandardEvent per adapter event.
type StandardOptions struct {
	ValidateUser bool
}

func standardOptionsFor(name string) StandardOptions {
	switch name {
	case EventFollow, EventPaypiggy, EventPaypiggyMessage, EventPaypiggyGift, EventGift, EventRaid:
		return StandardOptions{ValidateUser: true}
	}
	return StandardOptions{}
}

// handleStandardEvent turns one adapter event into exactly one canonical
// event (or error payload) or a recorded drop.
func (b *Base) handleStandardEvent(ctx context.Context, ev Event, opts StandardOptions) {
	typ, ok := canonicalType(ev.Name)
	if !ok {
		b.UnknownVariant(ev.Name)
		return
	}
	monetization := typ.IsMonetization()

	ts := ev.Timestamp
	if ts == "" {
		ts, _ = b.timestamps.ExtractTimestamp(b.platform, ev.Raw)
	}
	if ts == "" {
		b.Drop(ingesttrace.ReasonMissingTimestamp)
		if monetization {
			b.logger.Warn(string(b.platform)+": monetization event missing timestamp", "event", ev.Name)
			b.emitErrorPayload(ctx, typ, ev.Payload, core.Now())
			return
		}
		b.errs.HandleEventProcessingError(core.ErrMissingTimestamp, errhandler.KindParseMissingField, ev.Name, ev.Raw, string(b.platform)+" event missing timestamp")
		return
	}

	if opts.ValidateUser && !hasValidUser(ev.Payload) {
		b.Drop(ingesttrace.ReasonInvalidUser)
		err := fmt.Errorf("%s event missing username", ev.Name)
		b.errs.HandleEventProcessingError(err, errhandler.KindParseMissingField, ev.Name, ev.Raw, string(b.platform)+" event failed user validation")
		if monetization {
			b.emitErrorPayload(ctx, typ, ev.Payload, ts)
		}
		return
	}

	var procErr error
	var pc panics.Catcher
	pc.Try(func() {
		b.logRaw(ctx, ev)
		built := b.build(ts, ev)
		if res := b.validator.ValidateNormalizedMessage(built); !res.IsValid {
			procErr = fmt.Errorf("invalid %s event: %s", typ, strings.Join(res.Issues, "; "))
			return
		}
		b.trace.Inc(string(b.platform), ingesttrace.StageNormalizedOK)
		b.emit(ctx, built)
	})
	if r := pc.Recovered(); r != nil {
		procErr = r.AsError()
	}
	if procErr == nil {
		return
	}

	b.errs.HandleEventProcessingError(procErr, errhandler.KindParseMissingField, ev.Name, ev.Raw, string(b.platform)+" event processing failed")
	if monetization {
		b.emitErrorPayload(ctx, typ, ev.Payload, ts)
		return
	}
	b.Drop(ingesttrace.ReasonMissingField)
}

func (b *Base) build(ts string, ev Event) core.Event {
	switch p := ev.Payload.(type) {
	case core.StreamStatus:
		if p.IsLive && p.StartedAt == "" {
			p.StartedAt = ts
		}
		if !p.IsLive && p.EndedAt == "" {
			p.EndedAt = ts
		}
		return b.factory.Build(ts, p)
	case nil:
		switch ev.Name {
		case EventStreamOnline:
			return b.factory.CreateStreamOnlineEvent(ts)
		case EventStreamOffline:
			return b.factory.CreateStreamOfflineEvent(ts)
		}
		panic(fmt.Sprintf("adapter event %s has no payload", ev.Name))
	}
	return b.factory.Build(ts, ev.Payload)
}

func (b *Base) logRaw(ctx context.Context, ev Event) {
	if !b.cfg.DataLoggingEnabled || b.rawSink == nil || ev.Raw == nil {
		return
	}
	if err := b.rawSink.LogRawPlatformData(ctx, b.platform, ev.Name, ev.Raw); err != nil {
		b.logger.Warn(string(b.platform)+": raw data logging failed", "event", ev.Name, "err", err)
	}
}

func hasValidUser(p core.Payload) bool {
	switch v := p.(type) {
	case core.Gift:
		if v.IsAnonymous {
			return true
		}
	case core.GiftPaypiggy:
		if v.IsAnonymous {
			return true
		}
	}
	id, ok := core.Event{Data: p}.UserIdentity()
	if !ok {
		return false
	}
	return strings.TrimSpace(id.Username) != ""
}

// emitErrorPayload publishes the monetization error payload for a failed
// event. It always emits; an unusable timestamp is replaced with now.
func (b *Base) emitErrorPayload(ctx context.Context, typ core.EventType, payload core.Payload, ts string) {
	opts := errorOptions(typ, payload)
	opts.Platform = b.platform
	opts.Timestamp = ts

	ev, err := core.NewMonetizationErrorEvent(opts)
	if err != nil {
		opts.Timestamp = core.Now()
		if ev, err = core.NewMonetizationErrorEvent(opts); err != nil {
			b.errs.Report(errhandler.KindParseMissingField, err, "event", string(typ))
			return
		}
	}
	b.trace.Inc(string(b.platform), ingesttrace.StageErrorPayload)
	b.emit(ctx, ev)
}

func errorOptions(typ core.EventType, payload core.Payload) core.MonetizationErrorOptions {
	opts := core.MonetizationErrorOptions{NotificationType: typ}
	switch p := payload.(type) {
	case core.Gift:
		opts.Username, opts.UserID = p.Username, p.UserID
		opts.GiftType = p.GiftType
		opts.GiftCount = core.Int(p.GiftCount)
		opts.Amount = core.Float(p.Amount)
		opts.Currency = p.Currency
	case core.GiftPaypiggy:
		opts.Username, opts.UserID = p.Username, p.UserID
		opts.GiftCount = core.Int(p.GiftCount)
		opts.Tier = p.Tier
	case core.Paypiggy:
		opts.Username, opts.UserID = p.Username, p.UserID
		opts.Months = core.Int(p.Months)
		opts.Tier = p.Tier
	case core.Envelope:
		opts.Username, opts.UserID = p.Username, p.UserID
		opts.GiftType = p.GiftType
		opts.GiftCount = core.Int(p.GiftCount)
		opts.Amount = core.Float(p.Amount)
		opts.Currency = p.Currency
	}
	return opts
}
