package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/chatdock/chatdock/internal/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is the Postgres-backed Store.
type PgStore struct {
	db   querier
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{db: pool, pool: pool}
}

// InTx begins a transaction and runs fn against a Store bound to it. Nested
// calls reuse the surrounding transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(&PgStore{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const conversationColumns = `id::text, tenant_id::text, channel_connection_id::text,
	external_customer_id, customer_name, status, last_message_at, created_at, updated_at`

func (s *PgStore) FindActive(ctx context.Context, connectionID, externalCustomerID string) (*Conversation, error) {
	pgConnID, err := dbpkg.ParseUUID(connectionID)
	if err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE channel_connection_id = $1
		  AND external_customer_id = $2
		  AND status <> 'closed'
		ORDER BY last_message_at DESC
		LIMIT 1`, pgConnID, externalCustomerID)
	return scanConversation(row)
}

func (s *PgStore) FindActiveByAliases(ctx context.Context, connectionID string, aliases []string) (*Conversation, error) {
	if len(aliases) == 0 {
		return nil, ErrNotFound
	}
	pgConnID, err := dbpkg.ParseUUID(connectionID)
	if err != nil {
		return nil, ErrNotFound
	}
	// Aliases are matched against the stored customer name as well: ingestion
	// keys conversations by the provider's scoped id, so the name column is
	// where a stable handle from an earlier delivery lives.
	row := s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE channel_connection_id = $1
		  AND (external_customer_id = ANY($2) OR customer_name = ANY($2))
		  AND status <> 'closed'
		ORDER BY last_message_at DESC
		LIMIT 1`, pgConnID, aliases)
	return scanConversation(row)
}

func (s *PgStore) Create(ctx context.Context, conv *Conversation) error {
	pgTenantID, err := dbpkg.ParseUUID(conv.TenantID)
	if err != nil {
		return fmt.Errorf("invalid tenant id: %w", err)
	}
	pgConnID, err := dbpkg.ParseUUID(conv.ChannelConnectionID)
	if err != nil {
		return fmt.Errorf("invalid connection id: %w", err)
	}
	status := conv.Status
	if status == "" {
		status = StatusOpen
	}
	lastMessageAt := conv.LastMessageAt
	if lastMessageAt.IsZero() {
		lastMessageAt = time.Now().UTC()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO conversations (tenant_id, channel_connection_id, external_customer_id, customer_name, status, last_message_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+conversationColumns,
		pgTenantID, pgConnID, conv.ExternalCustomerID, dbpkg.ToPgText(conv.CustomerName), string(status), lastMessageAt)
	created, err := scanConversation(row)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	*conv = *created
	return nil
}

func (s *PgStore) Get(ctx context.Context, id string) (*Conversation, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE id = $1`, pgID)
	return scanConversation(row)
}

func (s *PgStore) TouchLastMessage(ctx context.Context, id string, at time.Time) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET last_message_at = GREATEST(last_message_at, $2), updated_at = NOW()
		WHERE id = $1`, pgID, at)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PgStore) SetStatus(ctx context.Context, id string, status Status) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE conversations
		SET status = $2, updated_at = NOW()
		WHERE id = $1`, pgID, string(status))
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const messageColumns = `id::text, conversation_id::text, channel_connection_id::text,
	provider_message_id, role, body, delivery_status, delivery_error, created_at`

func (s *PgStore) MessageExists(ctx context.Context, connectionID, providerMessageID string) (bool, error) {
	pgConnID, err := dbpkg.ParseUUID(connectionID)
	if err != nil {
		return false, fmt.Errorf("invalid connection id: %w", err)
	}
	var exists bool
	err = s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM messages
			WHERE channel_connection_id = $1 AND provider_message_id = $2
		)`, pgConnID, providerMessageID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check message: %w", err)
	}
	return exists, nil
}

func (s *PgStore) InsertMessage(ctx context.Context, msg *Message) error {
	pgConvID, err := dbpkg.ParseUUID(msg.ConversationID)
	if err != nil {
		return fmt.Errorf("invalid conversation id: %w", err)
	}
	var pgMsgConnID pgtype.UUID
	if msg.ChannelConnectionID != "" {
		if pgMsgConnID, err = dbpkg.ParseUUID(msg.ChannelConnectionID); err != nil {
			return fmt.Errorf("invalid connection id: %w", err)
		}
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, channel_connection_id, provider_message_id, role, body, delivery_status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		pgConvID, pgMsgConnID, dbpkg.ToPgText(msg.ProviderMessageID), string(msg.Role), msg.Body, dbpkg.ToPgText(string(msg.DeliveryStatus)))
	inserted, err := scanMessage(row)
	if err != nil {
		if dbpkg.IsUniqueViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("insert message: %w", err)
	}
	*msg = *inserted
	return nil
}

func (s *PgStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRow(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE id = $1`, pgID)
	return scanMessage(row)
}

func (s *PgStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	pgConvID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, ErrNotFound
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, pgConvID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Chronological order for callers.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func (s *PgStore) UpdateDelivery(ctx context.Context, messageID string, status DeliveryStatus, deliveryError string) error {
	pgID, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE messages
		SET delivery_status = $2, delivery_error = $3
		WHERE id = $1`, pgID, string(status), dbpkg.ToPgText(deliveryError))
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var (
		conv         Conversation
		customerName pgtype.Text
		status       string
	)
	err := row.Scan(
		&conv.ID,
		&conv.TenantID,
		&conv.ChannelConnectionID,
		&conv.ExternalCustomerID,
		&customerName,
		&status,
		&conv.LastMessageAt,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	conv.CustomerName = dbpkg.TextToString(customerName)
	conv.Status = Status(status)
	return &conv, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		msg               Message
		connectionID      pgtype.Text
		providerMessageID pgtype.Text
		role              string
		delivery          pgtype.Text
		deliveryError     pgtype.Text
	)
	err := row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&connectionID,
		&providerMessageID,
		&role,
		&msg.Body,
		&delivery,
		&deliveryError,
		&msg.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}
	msg.ChannelConnectionID = dbpkg.TextToString(connectionID)
	msg.ProviderMessageID = dbpkg.TextToString(providerMessageID)
	msg.Role = Role(role)
	msg.DeliveryStatus = DeliveryStatus(dbpkg.TextToString(delivery))
	msg.DeliveryError = dbpkg.TextToString(deliveryError)
	return &msg, nil
}
