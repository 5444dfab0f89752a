// Package vault stores per-channel credentials encrypted at rest and resolves
// the owning channel connection for each inbound job.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	dbpkg "github.com/chatdock/chatdock/internal/db"
	"github.com/chatdock/chatdock/internal/event"
)

var ErrNotFound = errors.New("channel connection not found")

// Connection is a tenant's identifier and sealed credentials for one external
// messaging channel. Credentials stay sealed until Credentials is called.
type Connection struct {
	ID                string         `json:"id"`
	TenantID          string         `json:"tenant_id"`
	Provider          event.Provider `json:"provider"`
	ExternalChannelID string         `json:"external_channel_id"`
	Active            bool           `json:"active"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`

	Sealed []byte `json:"-"`
}

// CreateRequest describes a new channel connection at channel-setup time.
type CreateRequest struct {
	TenantID          string            `json:"tenant_id"`
	Provider          string            `json:"provider"`
	ExternalChannelID string            `json:"external_channel_id"`
	Credentials       map[string]string `json:"credentials"`
}

// Service looks up and manages channel connections. Resolve always hits the
// database: credentials can be rotated or revoked between deliveries, so
// nothing is cached across jobs.
type Service struct {
	pool   *pgxpool.Pool
	keybox *Keybox
	logger *slog.Logger
}

// NewService creates a vault service.
func NewService(log *slog.Logger, pool *pgxpool.Pool, keybox *Keybox) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		pool:   pool,
		keybox: keybox,
		logger: log.With(slog.String("service", "vault")),
	}
}

const connectionColumns = `id::text, tenant_id::text, provider, external_channel_id, credentials, active, created_at, updated_at`

// Resolve returns the active connection for (provider, externalChannelID).
func (s *Service) Resolve(ctx context.Context, provider event.Provider, externalChannelID string) (Connection, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM channel_connections
		WHERE provider = $1 AND external_channel_id = $2 AND active`,
		string(provider), strings.TrimSpace(externalChannelID))
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("resolve connection: %w", err)
	}
	return conn, nil
}

// Get returns a connection by id, active or not.
func (s *Service) Get(ctx context.Context, id string) (Connection, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Connection{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+connectionColumns+`
		FROM channel_connections
		WHERE id = $1`, pgID)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Connection{}, ErrNotFound
		}
		return Connection{}, fmt.Errorf("get connection: %w", err)
	}
	return conn, nil
}

// Credentials unseals the connection's credentials at point of use.
// The returned map must not be logged.
func (s *Service) Credentials(conn Connection) (map[string]string, error) {
	return s.keybox.Open(conn.Sealed)
}

// Create seals the credentials and registers a new channel connection.
func (s *Service) Create(ctx context.Context, req CreateRequest) (Connection, error) {
	provider, err := event.ParseProvider(req.Provider)
	if err != nil {
		return Connection{}, err
	}
	pgTenantID, err := dbpkg.ParseUUID(req.TenantID)
	if err != nil {
		return Connection{}, fmt.Errorf("invalid tenant id: %w", err)
	}
	externalChannelID := strings.TrimSpace(req.ExternalChannelID)
	if externalChannelID == "" {
		return Connection{}, fmt.Errorf("external channel id is required")
	}
	sealed, err := s.keybox.Seal(req.Credentials)
	if err != nil {
		return Connection{}, fmt.Errorf("seal credentials: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO channel_connections (tenant_id, provider, external_channel_id, credentials)
		VALUES ($1, $2, $3, $4)
		RETURNING `+connectionColumns,
		pgTenantID, string(provider), externalChannelID, sealed)
	conn, err := scanConnection(row)
	if err != nil {
		if dbpkg.IsUniqueViolation(err) {
			return Connection{}, fmt.Errorf("channel %s/%s already connected", provider, externalChannelID)
		}
		return Connection{}, fmt.Errorf("create connection: %w", err)
	}
	s.logger.Info("channel connected",
		slog.String("connection_id", conn.ID),
		slog.String("provider", conn.Provider.String()),
		slog.String("external_channel_id", conn.ExternalChannelID),
	)
	return conn, nil
}

// RotateCredentials reseals new credentials for an existing connection.
func (s *Service) RotateCredentials(ctx context.Context, id string, creds map[string]string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return ErrNotFound
	}
	sealed, err := s.keybox.Seal(creds)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_connections
		SET credentials = $2, updated_at = NOW()
		WHERE id = $1`, pgID, sealed)
	if err != nil {
		return fmt.Errorf("rotate credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate disconnects a channel; its conversations stay readable but no
// further inbound events resolve to it.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE channel_connections
		SET active = FALSE, updated_at = NOW()
		WHERE id = $1`, pgID)
	if err != nil {
		return fmt.Errorf("deactivate connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByTenant returns all connections for a tenant.
func (s *Service) ListByTenant(ctx context.Context, tenantID string) ([]Connection, error) {
	pgTenantID, err := dbpkg.ParseUUID(tenantID)
	if err != nil {
		return nil, fmt.Errorf("invalid tenant id: %w", err)
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM channel_connections
		WHERE tenant_id = $1
		ORDER BY created_at`, pgTenantID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func scanConnection(row pgx.Row) (Connection, error) {
	var (
		conn     Connection
		provider string
	)
	err := row.Scan(
		&conn.ID,
		&conn.TenantID,
		&provider,
		&conn.ExternalChannelID,
		&conn.Sealed,
		&conn.Active,
		&conn.CreatedAt,
		&conn.UpdatedAt,
	)
	if err != nil {
		return Connection{}, err
	}
	conn.Provider = event.Provider(provider)
	return conn, nil
}
