package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/you/gnasty-live/internal/core"
	"github.com/you/gnasty-live/internal/sink"
)

// eventsSchemaVersion is stored in PRAGMA user_version once legacy chat
// rows have been imported into the events table.
const eventsSchemaVersion = 2

// legacyNamespace keys the correlation ids minted for imported rows, so a
// rerun produces the same ids and inserts nothing.
var legacyNamespace = uuid.MustParse("6f1d3c1e-3a57-4b8e-9b0a-2f1f6a4c9d10")

type sqliteColumn struct {
	Name        string
	Type        string
	NotNull     bool
	DefaultText string
}

// migrateSQLite brings an existing database up to the events layout. Chat
// rows written by older releases into the messages table are copied into
// events as chat-message events; the messages table itself is left alone.
func migrateSQLite(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	path := sqlitePath(ctx, db)
	userVersion, err := sqliteUserVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("sqlite: user_version: %w", err)
	}
	logger.Info("harvester: sqlite", "path", path, "user_version", userVersion)

	if _, err := db.ExecContext(ctx, sink.Schema); err != nil {
		return fmt.Errorf("sqlite: ensure events schema: %w", err)
	}
	if userVersion >= eventsSchemaVersion {
		return nil
	}

	columns, err := sqliteTableInfo(ctx, db, "messages")
	if err != nil {
		return fmt.Errorf("sqlite: describe messages: %w", err)
	}
	if len(columns) == 0 {
		logger.Info("harvester: sqlite: no legacy messages table")
		return setUserVersion(ctx, db, eventsSchemaVersion)
	}

	imported, err := importLegacyMessages(ctx, db, columns)
	if err != nil {
		return err
	}
	logger.Info("harvester: sqlite: imported legacy messages", "rows", imported)
	return setUserVersion(ctx, db, eventsSchemaVersion)
}

func importLegacyMessages(ctx context.Context, db *sql.DB, columns map[string]sqliteColumn) (int64, error) {
	idColumn := "rowid"
	if _, ok := columns["platform_msg_id"]; ok {
		idColumn = "platform_msg_id"
	} else if _, ok := columns["id"]; ok {
		idColumn = "id"
	}
	colour := "''"
	if _, ok := columns["colour"]; ok {
		colour = "colour"
	}

	query := fmt.Sprintf(`SELECT rowid, platform, %s, ts, username, text, %s FROM messages ORDER BY rowid;`, idColumn, colour)
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("sqlite: read messages: %w", err)
	}
	type legacyRow struct {
		rowid    int64
		platform string
		id       sql.NullString
		ts       any
		username string
		text     string
		colour   sql.NullString
	}
	var legacy []legacyRow
	for rows.Next() {
		var r legacyRow
		if err := rows.Scan(&r.rowid, &r.platform, &r.id, &r.ts, &r.username, &r.text, &r.colour); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite: scan message: %w", err)
		}
		legacy = append(legacy, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("sqlite: iterate messages: %w", err)
	}
	rows.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite: begin import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO events (correlation_id, type, platform, ts, is_error, user_id, username, text, data_json)
VALUES (?, ?, ?, ?, 0, '', ?, ?, ?)
ON CONFLICT(correlation_id) DO NOTHING;`)
	if err != nil {
		return 0, fmt.Errorf("sqlite: prepare import: %w", err)
	}
	defer stmt.Close()

	var imported int64
	for _, r := range legacy {
		platform := strings.ToLower(strings.TrimSpace(r.platform))
		msgID := strings.TrimSpace(r.id.String)
		if msgID == "" {
			msgID = strconv.FormatInt(r.rowid, 10)
		}
		payload := core.ChatMessage{
			Identity:  core.Identity{Username: r.username},
			Message:   core.MessageText{Text: r.text},
			Color:     strings.TrimSpace(r.colour.String),
			MessageID: msgID,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("sqlite: encode message %s: %w", msgID, err)
		}
		id := uuid.NewSHA1(legacyNamespace, []byte(platform+":"+msgID)).String()
		res, err := stmt.ExecContext(ctx, id, string(core.TypeChatMessage), platform,
			legacyTimestamp(r.ts), r.username, r.text, string(data))
		if err != nil {
			return 0, fmt.Errorf("sqlite: import message %s: %w", msgID, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			imported += n
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite: commit import: %w", err)
	}
	return imported, nil
}

// legacyTimestamp normalises the ts column, which older releases stored
// either as RFC 3339 text or as epoch seconds or milliseconds.
func legacyTimestamp(v any) string {
	var epoch int64
	switch ts := v.(type) {
	case int64:
		epoch = ts
	case float64:
		epoch = int64(ts)
	case []byte:
		return legacyTimestamp(string(ts))
	case string:
		if t, ok := core.ParseTimestamp(strings.TrimSpace(ts)); ok {
			return core.FormatTimestamp(t)
		}
		n, err := strconv.ParseInt(strings.TrimSpace(ts), 10, 64)
		if err != nil {
			return core.FormatTimestamp(time.Unix(0, 0))
		}
		epoch = n
	default:
		return core.FormatTimestamp(time.Unix(0, 0))
	}
	if epoch > 1e12 {
		return core.FormatTimestamp(time.UnixMilli(epoch))
	}
	return core.FormatTimestamp(time.Unix(epoch, 0))
}

func setUserVersion(ctx context.Context, db *sql.DB, v int) error {
	if _, err := db.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d;`, v)); err != nil {
		return fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return nil
}

func sqlitePath(ctx context.Context, db *sql.DB) string {
	rows, err := db.QueryContext(ctx, `PRAGMA database_list;`)
	if err != nil {
		return "(unknown)"
	}
	defer rows.Close()

	for rows.Next() {
		var (
			seq  int
			name string
			file sql.NullString
		)
		if err := rows.Scan(&seq, &name, &file); err != nil {
			return "(unknown)"
		}
		if strings.EqualFold(strings.TrimSpace(name), "main") {
			if file.Valid && strings.TrimSpace(file.String) != "" {
				return file.String
			}
			return "(memory)"
		}
	}
	return "(unknown)"
}

func sqliteUserVersion(ctx context.Context, db *sql.DB) (int, error) {
	var userVersion int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version;`).Scan(&userVersion); err != nil {
		return 0, err
	}
	return userVersion, nil
}

func sqliteTableInfo(ctx context.Context, db *sql.DB, table string) (map[string]sqliteColumn, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]sqliteColumn)
	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		out[strings.ToLower(strings.TrimSpace(name))] = sqliteColumn{
			Name:        name,
			Type:        strings.TrimSpace(colType),
			NotNull:     notNull == 1,
			DefaultText: strings.TrimSpace(defaultVal.String),
		}
	}
	return out, rows.Err()
}
