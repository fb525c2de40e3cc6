package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/httpapi"
)

// Schema is the event store layout. cmd/harvester migrates older databases
// towards it.
const Schema = `CREATE TABLE IF NOT EXISTS events (
  correlation_id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  platform TEXT NOT NULL,
  ts TEXT NOT NULL,
  is_error INTEGER NOT NULL DEFAULT 0,
  user_id TEXT NOT NULL DEFAULT '',
  username TEXT NOT NULL DEFAULT '',
  text TEXT NOT NULL DEFAULT '',
  data_json TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_platform_type ON events(platform, type);
CREATE TABLE IF NOT EXISTS raw_platform_data (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  platform TEXT NOT NULL,
  event_type TEXT NOT NULL,
  ts TEXT NOT NULL,
  data_json TEXT NOT NULL
);`

type SQLiteSink struct {
	db  *sql.DB
	now func() time.Time
}

func OpenSQLite(path string) (*SQLiteSink, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(Schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db, nil)
	return &SQLiteSink{db: db, now: time.Now}, nil
}

func (s *SQLiteSink) Close() error { return s.db.Close() }

// RawDB exposes the handle for migrations and tests.
func (s *SQLiteSink) RawDB() *sql.DB { return s.db }

// Write stores one canonical event. Replays of the same correlation ID are
// ignored.
func (s *SQLiteSink) Write(ctx context.Context, ev core.Event) error {
	const q = `INSERT INTO events (correlation_id, type, platform, ts, is_error, user_id, username, text, data_json)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(correlation_id) DO NOTHING;`
	if ev.Metadata.CorrelationID == "" {
		return errors.New("insert event: missing correlation id")
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return errors.Wrap(err, "encode event data")
	}
	id, _ := ev.UserIdentity()
	// ts is normalised so lexical ordering matches chronological ordering.
	ts := core.FormatTimestamp(s.now())
	if t, ok := core.ParseTimestamp(ev.Timestamp); ok {
		ts = core.FormatTimestamp(t)
	}
	_, err = s.db.ExecContext(ctx, q, ev.Metadata.CorrelationID, string(ev.Type), string(ev.Platform), ts,
		boolInt(ev.IsError), id.UserID, id.Username, eventText(ev.Data), string(data))
	return errors.Wrap(err, "insert event")
}

// Record implements router.Recorder.
func (s *SQLiteSink) Record(ctx context.Context, ev core.Event) error {
	return s.Write(ctx, ev)
}

// LogRawPlatformData implements adapter.LoggingSink.
func (s *SQLiteSink) LogRawPlatformData(ctx context.Context, platform core.Platform, eventType string, data any) error {
	const q = `INSERT INTO raw_platform_data (platform, event_type, ts, data_json) VALUES (?, ?, ?, ?);`
	var encoded []byte
	switch v := data.(type) {
	case []byte:
		encoded = v
	case json.RawMessage:
		encoded = v
	default:
		var err error
		if encoded, err = json.Marshal(data); err != nil {
			return errors.Wrap(err, "encode raw data")
		}
	}
	_, err := s.db.ExecContext(ctx, q, string(platform), eventType, core.FormatTimestamp(s.now()), string(encoded))
	return errors.Wrap(err, "insert raw data")
}

func (s *SQLiteSink) Ping() error {
	return s.db.Ping()
}

func (s *SQLiteSink) String() string {
	return fmt.Sprintf("SQLiteSink{%p}", s.db)
}

func (s *SQLiteSink) CountEvents(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildEventQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteSink) ListEvents(ctx context.Context, filters httpapi.Filters) ([]core.Event, error) {
	query, args := buildEventQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list events")
	}
	defer rows.Close()

	var out []core.Event
	for rows.Next() {
		var (
			ev       core.Event
			typ      string
			platform string
			isError  int
			data     string
		)
		if err := rows.Scan(&ev.Metadata.CorrelationID, &typ, &platform, &ev.Timestamp, &isError, &data); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		ev.Type = core.EventType(typ)
		ev.Platform = core.Platform(platform)
		ev.IsError = isError != 0
		payload, err := decodePayload(ev.Type, ev.IsError, []byte(data))
		if err != nil {
			return nil, errors.Wrapf(err, "decode event %s", ev.Metadata.CorrelationID)
		}
		ev.Data = payload
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}
	return out, nil
}

func buildEventQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM events")
	} else {
		builder.WriteString("SELECT correlation_id, type, platform, ts, is_error, data_json FROM events")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Platforms) > 0 {
		placeholders := make([]string, 0, len(filters.Platforms))
		for _, p := range filters.Platforms {
			placeholders = append(placeholders, "?")
			args = append(args, string(p))
		}
		conditions = append(conditions, fmt.Sprintf("platform IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Types) > 0 {
		placeholders := make([]string, 0, len(filters.Types))
		for _, t := range filters.Types {
			placeholders = append(placeholders, "?")
			args = append(args, string(t))
		}
		conditions = append(conditions, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ",")))
	}

	if len(filters.Usernames) > 0 {
		ors := make([]string, 0, len(filters.Usernames))
		for _, u := range filters.Usernames {
			ors = append(ors, "LOWER(username) LIKE '%' || ? || '%'")
			args = append(args, u)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.ErrorOnly {
		conditions = append(conditions, "is_error = 1")
	}

	if filters.Since != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, core.FormatTimestamp(*filters.Since))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY ts ")
		builder.WriteString(order)
		builder.WriteString(", rowid ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}

const defaultListLimit = 100

// decodePayload restores the concrete payload struct stored for t.
func decodePayload(t core.EventType, isError bool, data []byte) (core.Payload, error) {
	if isError {
		var p core.MonetizationError
		err := json.Unmarshal(data, &p)
		return &p, err
	}
	switch t {
	case core.TypeChatMessage:
		return decodeInto[core.ChatMessage](data)
	case core.TypeFollow:
		return decodeInto[core.Follow](data)
	case core.TypePaypiggy:
		return decodeInto[core.Paypiggy](data)
	case core.TypeGift:
		return decodeInto[core.Gift](data)
	case core.TypeGiftPaypiggy:
		return decodeInto[core.GiftPaypiggy](data)
	case core.TypeRaid:
		return decodeInto[core.Raid](data)
	case core.TypeStreamStatus:
		return decodeInto[core.StreamStatus](data)
	case core.TypePlatformConnection:
		return decodeInto[core.PlatformConnection](data)
	case core.TypeEnvelope:
		return decodeInto[core.Envelope](data)
	}
	return nil, fmt.Errorf("unknown event type %q", t)
}

func decodeInto[T core.Payload](data []byte) (core.Payload, error) {
	var p T
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// eventText is the human-readable text column, when the payload has one.
func eventText(p core.Payload) string {
	switch v := p.(type) {
	case core.ChatMessage:
		return v.Message.Text
	case core.Paypiggy:
		return v.Message
	case core.Gift:
		return v.Message
	}
	return ""
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
