package store

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstore/pkg/mapper"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

const (
	selectPartColumns = `p.id, p.message_id, p.type, p."order", p.created_at_ms,
       p.text_text, p.reasoning_text, p.source_url_source_id, p.source_url_url, p.source_url_title,
       p.tool_tool_call_id, p.tool_state, p.tool_input, p.tool_output, p.tool_error_text,
       p.data_id, p.data_status, p.data_payload, p.provider_metadata`

	insertPart = `INSERT INTO parts (
    id, message_id, type, "order", created_at_ms,
    text_text, reasoning_text, source_url_source_id, source_url_url, source_url_title,
    tool_tool_call_id, tool_state, tool_input, tool_output, tool_error_text,
    data_id, data_status, data_payload, provider_metadata
) VALUES (
    :id, :message_id, :type, :order, :created_at_ms,
    :text_text, :reasoning_text, :source_url_source_id, :source_url_url, :source_url_title,
    :tool_tool_call_id, :tool_state, :tool_input, :tool_output, :tool_error_text,
    :data_id, :data_status, :data_payload, :provider_metadata
)`

	upsertMessage = `INSERT INTO messages (id, conversation_id, role, created_at_ms, seq)
VALUES (?, ?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE conversation_id = ?))
ON CONFLICT (id) DO UPDATE SET role = excluded.role, conversation_id = excluded.conversation_id`
)

type conversationRow struct {
	ID          string `db:"id"`
	Title       string `db:"title"`
	CreatedAtMs int64  `db:"created_at_ms"`
	UpdatedAtMs int64  `db:"updated_at_ms"`
}

func (r conversationRow) toConversation() *turns.Conversation {
	return &turns.Conversation{
		ID:        r.ID,
		Title:     r.Title,
		CreatedAt: fromMillis(r.CreatedAtMs),
		UpdatedAt: fromMillis(r.UpdatedAtMs),
	}
}

type messageRow struct {
	ID             string `db:"id"`
	ConversationID string `db:"conversation_id"`
	Role           string `db:"role"`
	CreatedAtMs    int64  `db:"created_at_ms"`
	Seq            int64  `db:"seq"`
}

// SQLStore persists conversations in sqlite or postgres.
type SQLStore struct {
	mu     sync.RWMutex
	db     *sqlx.DB
	driver string
	mapper *mapper.Mapper
	now    func() time.Time
	closed bool
}

var _ Store = (*SQLStore)(nil)

func NewSQLiteStore(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	return newSQLStore(ctx, DriverSQLite, dsn, opts...)
}

func NewPostgresStore(ctx context.Context, dsn string, opts ...Option) (*SQLStore, error) {
	return newSQLStore(ctx, DriverPostgres, dsn, opts...)
}

func newSQLStore(ctx context.Context, driver, dsn string, opts ...Option) (*SQLStore, error) {
	if dsn == "" {
		return nil, errors.Errorf("%s store: empty dsn", driver)
	}
	o := newOptions(opts)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s database", driver)
	}
	if driver == DriverSQLite {
		// a single connection serializes writers and keeps :memory: databases alive
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			_ = db.Close()
			return nil, errors.Wrap(err, "enabling foreign keys")
		}
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "connecting to %s database", driver)
	}
	if err := Migrate(ctx, db.DB, driver); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &SQLStore{
		db:     db,
		driver: driver,
		mapper: mapper.New(o.registry),
		now:    o.now,
	}, nil
}

// Driver returns the database driver name, DriverSQLite or DriverPostgres.
func (s *SQLStore) Driver() string {
	return s.driver
}

func (s *SQLStore) nowMs() int64 {
	return s.now().UnixMilli()
}

func (s *SQLStore) CreateConversation(ctx context.Context, title string) (*turns.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	now := s.nowMs()
	row := conversationRow{ID: uuid.NewString(), Title: title, CreatedAtMs: now, UpdatedAtMs: now}
	_, err := s.db.NamedExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at_ms, updated_at_ms) VALUES (:id, :title, :created_at_ms, :updated_at_ms)`,
		row)
	if err != nil {
		return nil, errors.Wrap(err, "inserting conversation")
	}
	return row.toConversation(), nil
}

func (s *SQLStore) GetConversation(ctx context.Context, id string) (*turns.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var row conversationRow
	err := s.db.GetContext(ctx, &row,
		s.db.Rebind(`SELECT id, title, created_at_ms, updated_at_ms FROM conversations WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &turns.NotFoundError{Resource: "conversation", ID: id}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "loading conversation %s", id)
	}
	return row.toConversation(), nil
}

func (s *SQLStore) ListConversations(ctx context.Context) ([]*turns.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var rows []conversationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT id, title, created_at_ms, updated_at_ms FROM conversations ORDER BY updated_at_ms DESC, created_at_ms DESC, id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing conversations")
	}
	out := make([]*turns.Conversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toConversation())
	}
	return out, nil
}

func (s *SQLStore) TouchConversationTitle(ctx context.Context, id string, title string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		s.db.Rebind(`UPDATE conversations SET title = ?, updated_at_ms = ? WHERE id = ?`), title, s.nowMs(), id)
	if err != nil {
		return errors.Wrapf(err, "updating title of conversation %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &turns.NotFoundError{Resource: "conversation", ID: id}
	}
	return nil
}

func (s *SQLStore) DeleteConversation(ctx context.Context, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM conversations WHERE id = ?`), id); err != nil {
		return errors.Wrapf(err, "deleting conversation %s", id)
	}
	return nil
}

func (s *SQLStore) UpsertTurn(ctx context.Context, conversationID string, turnID string, role turns.Role, parts []turns.Part) (err error) {
	if err := validateTurn(conversationID, turnID, role); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	now := s.nowMs()
	rows, err := s.mapper.ToRows(turnID, parts)
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].CreatedAtMs = now
		if err := s.mapper.CheckRow(rows[i]); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var count int
	if err = tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(*) FROM conversations WHERE id = ?`), conversationID); err != nil {
		return errors.Wrap(err, "checking conversation")
	}
	if count == 0 {
		err = &turns.NotFoundError{Resource: "conversation", ID: conversationID}
		return err
	}

	if _, err = tx.ExecContext(ctx, tx.Rebind(upsertMessage), turnID, conversationID, string(role), now, conversationID); err != nil {
		return errors.Wrapf(err, "upserting turn %s", turnID)
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`DELETE FROM parts WHERE message_id = ?`), turnID); err != nil {
		return errors.Wrapf(err, "clearing parts of turn %s", turnID)
	}
	for _, row := range rows {
		if _, err = tx.NamedExecContext(ctx, insertPart, row); err != nil {
			return errors.Wrapf(err, "inserting part %d (%s) of turn %s", row.Order, row.Type, turnID)
		}
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET updated_at_ms = ? WHERE id = ?`), now, conversationID); err != nil {
		return errors.Wrap(err, "touching conversation")
	}

	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing turn")
	}
	log.Debug().
		Str("conversation_id", conversationID).
		Str("turn_id", turnID).
		Str("role", string(role)).
		Int("parts", len(rows)).
		Msg("upserted turn")
	return nil
}

func (s *SQLStore) LoadTurns(ctx context.Context, conversationID string) ([]*turns.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT COUNT(*) FROM conversations WHERE id = ?`), conversationID); err != nil {
		return nil, errors.Wrap(err, "checking conversation")
	}
	if count == 0 {
		return nil, &turns.NotFoundError{Resource: "conversation", ID: conversationID}
	}

	var messages []messageRow
	err := s.db.SelectContext(ctx, &messages, s.db.Rebind(
		`SELECT id, conversation_id, role, created_at_ms, seq FROM messages WHERE conversation_id = ? ORDER BY created_at_ms, seq`),
		conversationID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading turns of conversation %s", conversationID)
	}

	var rows []mapper.Row
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(
		`SELECT `+selectPartColumns+` FROM parts p JOIN messages m ON m.id = p.message_id WHERE m.conversation_id = ?`),
		conversationID)
	if err != nil {
		return nil, errors.Wrapf(err, "loading parts of conversation %s", conversationID)
	}
	byMessage := map[string][]mapper.Row{}
	for _, r := range rows {
		byMessage[r.MessageID] = append(byMessage[r.MessageID], r)
	}

	out := make([]*turns.Turn, 0, len(messages))
	for _, m := range messages {
		parts, err := s.mapper.FromRows(byMessage[m.ID])
		if err != nil {
			return nil, errors.Wrapf(err, "mapping parts of turn %s", m.ID)
		}
		out = append(out, &turns.Turn{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Role:           turns.Role(m.Role),
			CreatedAt:      fromMillis(m.CreatedAtMs),
			Parts:          parts,
		})
	}
	return out, nil
}

func (s *SQLStore) DeleteTurnAndFollowing(ctx context.Context, turnID string) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "starting transaction")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var target messageRow
	err = tx.GetContext(ctx, &target, tx.Rebind(
		`SELECT id, conversation_id, role, created_at_ms, seq FROM messages WHERE id = ?`), turnID)
	if errors.Is(err, sql.ErrNoRows) {
		_ = tx.Rollback()
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "resolving turn %s", turnID)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM messages WHERE conversation_id = ? AND (created_at_ms > ? OR (created_at_ms = ? AND seq >= ?))`),
		target.ConversationID, target.CreatedAtMs, target.CreatedAtMs, target.Seq)
	if err != nil {
		return errors.Wrapf(err, "deleting turn %s and following", turnID)
	}
	if _, err = tx.ExecContext(ctx, tx.Rebind(`UPDATE conversations SET updated_at_ms = ? WHERE id = ?`), s.nowMs(), target.ConversationID); err != nil {
		return errors.Wrap(err, "touching conversation")
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrap(err, "committing delete")
	}

	n, _ := res.RowsAffected()
	log.Debug().
		Str("conversation_id", target.ConversationID).
		Str("turn_id", turnID).
		Int64("deleted", n).
		Msg("deleted turn and following")
	return nil
}

func (s *SQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func (s *SQLStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	if s.db == nil {
		return errors.New("sql store: db is nil")
	}
	return nil
}
