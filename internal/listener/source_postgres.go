package listener

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

// PostgresSource is a change source over Postgres LISTEN/NOTIFY. It holds a
// single dedicated connection used only for receiving notifications; token
// lookups and every other query go through the injected pool instead.
type PostgresSource struct {
	connString string
	logger     zerolog.Logger

	mu   sync.Mutex
	conn *pgx.Conn
}

// NewPostgresSource creates a source that will connect with connString.
func NewPostgresSource(connString string, logger zerolog.Logger) *PostgresSource {
	return &PostgresSource{
		connString: connString,
		logger:     logger.With().Str("component", "PostgresSource").Logger(),
	}
}

// Dial establishes the dedicated listen connection.
func (s *PostgresSource) Dial(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return fmt.Errorf("postgres source already connected")
	}
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.conn = conn
	return nil
}

// Subscribe issues a LISTEN for every channel.
func (s *PostgresSource) Subscribe(ctx context.Context, channels []string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("postgres source is not connected")
	}
	for _, ch := range channels {
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
			return fmt.Errorf("failed to listen on %q: %w", ch, err)
		}
	}
	return nil
}

// Receive blocks for the next notification.
func (s *PostgresSource) Receive(ctx context.Context) (delivery.ChangeEvent, error) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return delivery.ChangeEvent{}, fmt.Errorf("postgres source is not connected")
	}
	n, err := conn.WaitForNotification(ctx)
	if err != nil {
		return delivery.ChangeEvent{}, err
	}
	return delivery.ChangeEvent{Channel: n.Channel, Payload: []byte(n.Payload)}, nil
}

// Close tears down the listen connection. Safe on a dead link.
func (s *PostgresSource) Close(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}
	if err := conn.Close(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("Error closing listen connection.")
		return err
	}
	return nil
}
