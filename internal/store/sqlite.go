package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the durable home of mailboxes and messages. It keeps a single
// connection open so writes from the SMTP sessions and the admin API are
// serialized at the storage boundary.
type Store struct {
	db   *sql.DB
	path string
}

func Open(ctx context.Context, path string) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	inMemory := false
	if trimmed == "" {
		trimmed = ":memory:"
		inMemory = true
	}
	if strings.Contains(trimmed, "mode=memory") || trimmed == ":memory:" || trimmed == "file::memory:" {
		inMemory = true
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if !inMemory {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA synchronous = FULL;"); err != nil {
			return nil, fmt.Errorf("set synchronous: %w", err)
		}
	}
	filePath := trimmed
	if inMemory {
		filePath = ""
	}
	return &Store{db: db, path: filePath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS mailboxes (
            email TEXT PRIMARY KEY,
            created_at INTEGER NOT NULL,
            origin_addr TEXT NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            recipient TEXT NOT NULL,
            sender TEXT,
            subject TEXT NOT NULL,
            body TEXT NOT NULL,
            received_at INTEGER NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_messages_recipient ON messages(recipient);`,
		`CREATE INDEX IF NOT EXISTS idx_mailboxes_created ON mailboxes(created_at);`,
	}
	for _, statement := range statements {
		if _, err := s.db.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// InsertMessage appends one message and returns its assigned id. The write is
// committed before this returns, so the SMTP session can report success to
// the client only once the message is durable.
func (s *Store) InsertMessage(ctx context.Context, m Message) (int64, error) {
	result, err := s.db.ExecContext(ctx, `INSERT INTO messages
        (recipient, sender, subject, body, received_at)
        VALUES (?, ?, ?, ?, ?);`,
		m.Recipient, m.Sender, m.Subject, m.Body, m.ReceivedAt.Unix())
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}
	return id, nil
}

// RegisterMailbox records a generated address. Registering an existing
// address is a no-op, never an error.
func (s *Store) RegisterMailbox(ctx context.Context, email, originAddr string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO mailboxes (email, created_at, origin_addr)
        VALUES (?, ?, ?)
        ON CONFLICT(email) DO NOTHING;`,
		email, now.Unix(), originAddr)
	if err != nil {
		return fmt.Errorf("register mailbox: %w", err)
	}
	return nil
}

// ListMessages returns all messages for an address, newest first by insertion
// order so clock skew between deliveries cannot reorder an inbox.
func (s *Store) ListMessages(ctx context.Context, email string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, recipient, COALESCE(sender, ''), subject, body, received_at
        FROM messages WHERE recipient = ? ORDER BY id DESC;`, email)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := []Message{}
	for rows.Next() {
		var m Message
		var receivedAt int64
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Sender, &m.Subject, &m.Body, &receivedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.ReceivedAt = time.Unix(receivedAt, 0)
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return messages, nil
}

// ListMailboxesWithCounts returns every registered mailbox with its message
// count, newest mailbox first. Mailboxes without messages appear with count 0.
func (s *Store) ListMailboxesWithCounts(ctx context.Context) ([]MailboxStat, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT m.email, m.created_at, m.origin_addr, COUNT(e.id)
        FROM mailboxes m
        LEFT JOIN messages e ON m.email = e.recipient
        GROUP BY m.email
        ORDER BY m.created_at DESC, m.email;`)
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	defer rows.Close()

	stats := []MailboxStat{}
	for rows.Next() {
		var stat MailboxStat
		var createdAt int64
		if err := rows.Scan(&stat.Email, &createdAt, &stat.OriginAddr, &stat.MessageCount); err != nil {
			return nil, fmt.Errorf("scan mailbox: %w", err)
		}
		stat.CreatedAt = time.Unix(createdAt, 0)
		stats = append(stats, stat)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	return stats, nil
}

// DeleteMailbox removes the mailbox row and all its messages in one
// transaction, so concurrent readers see either both or neither.
func (s *Store) DeleteMailbox(ctx context.Context, email string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE recipient = ?;`, email); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM mailboxes WHERE email = ?;`, email); err != nil {
		return fmt.Errorf("delete mailbox: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// SizeOnDisk reports the current store footprint in bytes. WAL keeps recent
// writes in companion files until the next checkpoint, so those count too.
// In-memory stores fall back to the page counters since there is no backing
// file to stat.
func (s *Store) SizeOnDisk(ctx context.Context) (int64, error) {
	if s.path != "" {
		info, err := os.Stat(s.path)
		if err != nil {
			return 0, fmt.Errorf("stat database: %w", err)
		}
		total := info.Size()
		for _, suffix := range []string{"-wal", "-shm"} {
			if companion, err := os.Stat(s.path + suffix); err == nil {
				total += companion.Size()
			}
		}
		return total, nil
	}
	var pageCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count;").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_size;").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page size: %w", err)
	}
	return pageCount * pageSize, nil
}
