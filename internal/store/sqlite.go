package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/reply-relay/internal/domain"
	"github.com/ashureev/reply-relay/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	journalRetries   = 3
	journalBaseDelay = 50 * time.Millisecond
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
	mu sync.Mutex // serializes writers to avoid SQLITE_BUSY under WAL
}

// NewSQLiteJournal opens (and if needed creates) the journal database.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &SQLiteJournal{db: db}
	if err := j.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS conversations (
		conversation_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		source_kind TEXT NOT NULL,
		inbound_text TEXT,
		inbound_message_id TEXT,
		inbound_reply_handle TEXT,
		inbound_received_at INTEGER,
		inbound_local_id TEXT,
		outbound_text TEXT,
		outbound_generated_id TEXT,
		outbound_platform_id TEXT,
		outbound_sent_at INTEGER,
		needs_reply INTEGER NOT NULL DEFAULT 0,
		last_reminder_at INTEGER,
		reminder_count INTEGER NOT NULL DEFAULT 0,
		confirmation_token TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_needs_reply ON conversations(needs_reply);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return j.addColumnIfMissing("conversations", "inbound_local_id", "TEXT")
}

// addColumnIfMissing upgrades databases created before the column existed.
func (j *SQLiteJournal) addColumnIfMissing(table, column, decl string) error {
	rows, err := j.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return fmt.Errorf("inspect %s: %w", table, err)
	}
	found := false
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			dflt       sql.NullString
			primaryKey int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &primaryKey); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan %s columns: %w", table, err)
		}
		if name == column {
			found = true
		}
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close %s columns: %w", table, err)
	}
	if found {
		return nil
	}
	if _, err := j.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)); err != nil {
		return fmt.Errorf("add column %s.%s: %w", table, column, err)
	}
	return nil
}

// Ping verifies database connectivity.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// SaveConversation creates or replaces the persisted record.
func (j *SQLiteJournal) SaveConversation(ctx context.Context, conv *domain.Conversation) error {
	query := `
	INSERT INTO conversations (
		conversation_id, display_name, source_kind,
		inbound_text, inbound_message_id, inbound_reply_handle, inbound_received_at,
		outbound_text, outbound_generated_id, outbound_platform_id, outbound_sent_at,
		needs_reply, last_reminder_at, reminder_count, confirmation_token,
		created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		display_name = excluded.display_name,
		source_kind = excluded.source_kind,
		inbound_text = excluded.inbound_text,
		inbound_message_id = excluded.inbound_message_id,
		inbound_reply_handle = excluded.inbound_reply_handle,
		inbound_received_at = excluded.inbound_received_at,
		outbound_text = excluded.outbound_text,
		outbound_generated_id = excluded.outbound_generated_id,
		outbound_platform_id = excluded.outbound_platform_id,
		outbound_sent_at = excluded.outbound_sent_at,
		needs_reply = excluded.needs_reply,
		last_reminder_at = excluded.last_reminder_at,
		reminder_count = excluded.reminder_count,
		confirmation_token = excluded.confirmation_token,
		updated_at = excluded.updated_at`

	var inText, inID, inHandle, inAt, inLocal interface{}
	if in := conv.LastInbound; in != nil {
		inText, inID, inHandle, inAt, inLocal = in.Text, in.ExternalMessageID, in.ReplyHandle, in.ReceivedAt.UnixMilli(), in.LocalID
	}

	var outText, outID, outPlatformID, outAt interface{}
	if out := conv.LastOutbound; out != nil {
		outText, outID, outPlatformID, outAt = out.Text, out.GeneratedMessageID, out.PlatformMessageID, out.SentAt.UnixMilli()
	}

	var reminderAt interface{}
	if conv.LastReminderAt != nil {
		reminderAt = conv.LastReminderAt.UnixMilli()
	}

	var token interface{}
	if conv.ConfirmationToken != "" {
		token = conv.ConfirmationToken
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	err := shared.RetryOnConflict(ctx, "save_conversation", journalRetries, journalBaseDelay, func() error {
		_, err := j.db.ExecContext(ctx, query,
			conv.ID, conv.DisplayName, string(conv.SourceKind),
			inText, inID, inHandle, inAt, inLocal,
			outText, outID, outPlatformID, outAt,
			conv.NeedsReply, reminderAt, conv.ReminderCount, token,
			conv.CreatedAt.UnixMilli(), conv.UpdatedAt.UnixMilli(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// DeleteConversation removes the persisted record.
func (j *SQLiteJournal) DeleteConversation(ctx context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	err := shared.RetryOnConflict(ctx, "delete_conversation", journalRetries, journalBaseDelay, func() error {
		_, err := j.db.ExecContext(ctx, `DELETE FROM conversations WHERE conversation_id = ?`, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	return nil
}

// LoadConversations returns every persisted record.
func (j *SQLiteJournal) LoadConversations(ctx context.Context) ([]*domain.Conversation, error) {
	query := `
		SELECT conversation_id, display_name, source_kind,
		       inbound_text, inbound_message_id, inbound_reply_handle, inbound_received_at, inbound_local_id,
		       outbound_text, outbound_generated_id, outbound_platform_id, outbound_sent_at,
		       needs_reply, last_reminder_at, reminder_count, confirmation_token,
		       created_at, updated_at
		FROM conversations ORDER BY conversation_id`

	rows, err := j.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close conversation rows", "error", closeErr)
		}
	}()

	var convs []*domain.Conversation
	for rows.Next() {
		var (
			conv                          domain.Conversation
			sourceKind                    string
			inText, inID, inHandle        sql.NullString
			inLocal                       sql.NullString
			inAt                          sql.NullInt64
			outText, outID, outPlatformID sql.NullString
			outAt                         sql.NullInt64
			reminderAt                    sql.NullInt64
			token                         sql.NullString
			createdAt, updatedAt          int64
		)

		if err := rows.Scan(
			&conv.ID, &conv.DisplayName, &sourceKind,
			&inText, &inID, &inHandle, &inAt, &inLocal,
			&outText, &outID, &outPlatformID, &outAt,
			&conv.NeedsReply, &reminderAt, &conv.ReminderCount, &token,
			&createdAt, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}

		conv.SourceKind = domain.ParseSourceKind(sourceKind)
		if inAt.Valid {
			conv.LastInbound = &domain.InboundMessage{
				Text:              inText.String,
				ExternalMessageID: inID.String,
				ReplyHandle:       inHandle.String,
				ReceivedAt:        time.UnixMilli(inAt.Int64),
				LocalID:           inLocal.String,
			}
		}
		if outAt.Valid {
			conv.LastOutbound = &domain.OutboundMessage{
				Text:               outText.String,
				GeneratedMessageID: outID.String,
				PlatformMessageID:  outPlatformID.String,
				SentAt:             time.UnixMilli(outAt.Int64),
			}
		}
		if reminderAt.Valid {
			ts := time.UnixMilli(reminderAt.Int64)
			conv.LastReminderAt = &ts
		}
		conv.ConfirmationToken = token.String
		conv.CreatedAt = time.UnixMilli(createdAt)
		conv.UpdatedAt = time.UnixMilli(updatedAt)

		convs = append(convs, &conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}

	return convs, nil
}
