// Package failed 持久化发送失败的消息，重启后仍可重试。
package failed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/zhouzirui/circlechat/internal/model/chat"
	"github.com/zhouzirui/circlechat/internal/store/failed/migrations"

	_ "modernc.org/sqlite" //revive:disable:blank-imports
)

type row struct {
	MessageID        string `db:"message_id"`
	ConversationID   string `db:"conversation_id"`
	Author           string `db:"author"`
	Kind             string `db:"kind"`
	Text             string `db:"text"`
	AttachmentKind   string `db:"attachment_kind"`
	AttachmentRef    string `db:"attachment_ref"`
	AttachmentURL    string `db:"attachment_url"`
	FirstAttemptedAt int64  `db:"first_attempted_at"`
	UpdatedAt        int64  `db:"updated_at"`
	Attempts         int    `db:"attempts"`
	LastError        string `db:"last_error"`
}

func toRow(f chat.FailedMessage) row {
	return row{
		MessageID:        f.MessageID,
		ConversationID:   f.ConversationID,
		Author:           f.Author,
		Kind:             string(f.Kind),
		Text:             f.Text,
		AttachmentKind:   string(f.AttachmentKind),
		AttachmentRef:    f.AttachmentRef,
		AttachmentURL:    f.AttachmentURL,
		FirstAttemptedAt: f.FirstAttemptedAt.UnixNano(),
		UpdatedAt:        f.UpdatedAt.UnixNano(),
		Attempts:         f.Attempts,
		LastError:        f.LastError,
	}
}

func (r row) record() chat.FailedMessage {
	return chat.FailedMessage{
		MessageID:        r.MessageID,
		ConversationID:   r.ConversationID,
		Author:           r.Author,
		Kind:             chat.FailedKind(r.Kind),
		Text:             r.Text,
		AttachmentKind:   chat.AttachmentKind(r.AttachmentKind),
		AttachmentRef:    r.AttachmentRef,
		AttachmentURL:    r.AttachmentURL,
		FirstAttemptedAt: time.Unix(0, r.FirstAttemptedAt).UTC(),
		UpdatedAt:        time.Unix(0, r.UpdatedAt).UTC(),
		Attempts:         r.Attempts,
		LastError:        r.LastError,
	}
}

// SQLiteStore 将失败消息保存在 SQLite 数据库中。
type SQLiteStore struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// Open 连接 path 处的数据库并执行未应用的迁移。
func Open(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sqlx.Connect("sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite 只允许单个写入者。
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := ApplyMigrations(db.DB); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logger.Error("error closing database after migration failure", zap.Error(closeErr))
		}
		return nil, err
	}

	logger.Info("failed-message store ready", zap.String("path", path))
	return NewSQLiteStore(db, logger), nil
}

// NewSQLiteStore 包装已完成迁移的数据库。
func NewSQLiteStore(db *sqlx.DB, logger *zap.Logger) *SQLiteStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteStore{db: db, logger: logger.Named("failed_store")}
}

// ApplyMigrations 执行内嵌的表结构迁移。
func ApplyMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("database connection is nil, cannot apply migrations")
	}

	source, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to create embed source driver instance: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite database driver: %w", err)
	}
	migrator, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := migrator.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

func dsn(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Save 插入 rec；记录已存在时增加尝试次数，并保留首次尝试时间。
func (s *SQLiteStore) Save(ctx context.Context, rec chat.FailedMessage) error {
	if rec.MessageID == "" {
		return fmt.Errorf("save failed message: %w", chat.ErrMessageNotFound)
	}
	if rec.Attempts < 1 {
		rec.Attempts = 1
	}
	const query = `
        INSERT INTO failed_messages (
            message_id, conversation_id, author, kind, text,
            attachment_kind, attachment_ref, attachment_url,
            first_attempted_at, updated_at, attempts, last_error
        ) VALUES (
            :message_id, :conversation_id, :author, :kind, :text,
            :attachment_kind, :attachment_ref, :attachment_url,
            :first_attempted_at, :updated_at, :attempts, :last_error
        )
        ON CONFLICT (message_id) DO UPDATE SET
            kind            = excluded.kind,
            text            = excluded.text,
            attachment_kind = excluded.attachment_kind,
            attachment_ref  = excluded.attachment_ref,
            attachment_url  = excluded.attachment_url,
            updated_at      = excluded.updated_at,
            attempts        = failed_messages.attempts + 1,
            last_error      = excluded.last_error;
    `
	if _, err := s.db.NamedExecContext(ctx, query, toRow(rec)); err != nil {
		s.logger.Error("error saving failed message", zap.String("message_id", rec.MessageID), zap.Error(err))
		return fmt.Errorf("failed to save failed message %s: %w", rec.MessageID, err)
	}
	return nil
}

// Remove 删除指定 ID 的记录，不存在的 ID 被忽略。
func (s *SQLiteStore) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(`DELETE FROM failed_messages WHERE message_id IN (?)`, ids)
	if err != nil {
		return fmt.Errorf("failed to build delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		s.logger.Error("error removing failed messages", zap.Strings("message_ids", ids), zap.Error(err))
		return fmt.Errorf("failed to remove failed messages: %w", err)
	}
	return nil
}

// Get 在记录不存在时返回 chat.ErrMessageNotFound。
func (s *SQLiteStore) Get(ctx context.Context, id string) (chat.FailedMessage, error) {
	var r row
	err := s.db.GetContext(ctx, &r, `SELECT * FROM failed_messages WHERE message_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.FailedMessage{}, chat.ErrMessageNotFound
	}
	if err != nil {
		return chat.FailedMessage{}, fmt.Errorf("failed to get failed message %s: %w", id, err)
	}
	return r.record(), nil
}

// ListByConversation 返回会话的记录，按时间从早到晚排列。
func (s *SQLiteStore) ListByConversation(ctx context.Context, conversationID string) ([]chat.FailedMessage, error) {
	var rows []row
	err := s.db.SelectContext(ctx, &rows, `
        SELECT * FROM failed_messages
        WHERE conversation_id = ?
        ORDER BY first_attempted_at ASC, message_id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed messages for %s: %w", conversationID, err)
	}
	out := make([]chat.FailedMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Count 返回记录总数。
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM failed_messages`); err != nil {
		return 0, fmt.Errorf("failed to count failed messages: %w", err)
	}
	return n, nil
}

// RunMaintenance 压缩数据库文件。
func (s *SQLiteStore) RunMaintenance(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	start := time.Now()
	s.logger.Info("starting database maintenance (VACUUM)")
	if _, err := s.db.ExecContext(ctx, "VACUUM;"); err != nil {
		s.logger.Error("VACUUM failed", zap.Error(err))
		return fmt.Errorf("failed to vacuum database: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA optimize;"); err != nil {
		s.logger.Warn("PRAGMA optimize failed", zap.Error(err))
	}
	s.logger.Info("database maintenance completed", zap.Duration("elapsed", time.Since(start)))
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
