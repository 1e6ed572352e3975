package persistence

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Tarboucha/CommMobile-sub001/pkg/delivery"
)

const tokensCollection = "device-tokens"

// tokenDoc is the shape stored in Firestore. The document id is the token
// itself, which makes Delete(token) a direct doc delete.
type tokenDoc struct {
	ProfileID string    `firestore:"profile_id"`
	Platform  string    `firestore:"platform"`
	CreatedAt time.Time `firestore:"created_at"`
}

// FirestoreTokenStore implements delivery.TokenStore using Google Cloud
// Firestore.
type FirestoreTokenStore struct {
	client *firestore.Client
	logger zerolog.Logger
}

// NewFirestoreTokenStore is the constructor for the FirestoreTokenStore.
func NewFirestoreTokenStore(client *firestore.Client, logger zerolog.Logger) (*FirestoreTokenStore, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	return &FirestoreTokenStore{
		client: client,
		logger: logger.With().Str("component", "FirestoreTokenStore").Logger(),
	}, nil
}

// Register upserts the token document.
func (s *FirestoreTokenStore) Register(ctx context.Context, t delivery.DeviceToken) error {
	_, err := s.client.Collection(tokensCollection).Doc(t.Token).Set(ctx, tokenDoc{
		ProfileID: t.ProfileID,
		Platform:  t.Platform,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to register device token: %w", err)
	}
	return nil
}

// Delete removes one token document. An absent document is success.
func (s *FirestoreTokenStore) Delete(ctx context.Context, token string) error {
	_, err := s.client.Collection(tokensCollection).Doc(token).Delete(ctx)
	if status.Code(err) == codes.NotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete device token: %w", err)
	}
	return nil
}

// DeleteMany removes a batch of token documents with a BulkWriter.
func (s *FirestoreTokenStore) DeleteMany(ctx context.Context, tokens []string) error {
	if len(tokens) == 0 {
		return nil
	}

	bulkWriter := s.client.BulkWriter(ctx)
	var firstErr error
	for _, token := range tokens {
		if _, err := bulkWriter.Delete(s.client.Collection(tokensCollection).Doc(token)); err != nil {
			s.logger.Error().Err(err).Str("token", token).Msg("Failed to enqueue token deletion.")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	bulkWriter.End()

	if firstErr != nil {
		return fmt.Errorf("failed to enqueue one or more token deletions: %w", firstErr)
	}
	return nil
}

// TokensForProfile loads all registrations for one recipient.
func (s *FirestoreTokenStore) TokensForProfile(ctx context.Context, profileID string) ([]delivery.DeviceToken, error) {
	snaps, err := s.client.Collection(tokensCollection).
		Where("profile_id", "==", profileID).
		Documents(ctx).
		GetAll()
	if err != nil {
		return nil, fmt.Errorf("failed to query device tokens: %w", err)
	}

	tokens := make([]delivery.DeviceToken, 0, len(snaps))
	for _, snap := range snaps {
		var doc tokenDoc
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Error().Err(err).Str("doc_id", snap.Ref.ID).Msg("Failed to unmarshal token doc, skipping.")
			continue
		}
		tokens = append(tokens, delivery.DeviceToken{
			ProfileID: doc.ProfileID,
			Token:     snap.Ref.ID,
			Platform:  doc.Platform,
			CreatedAt: doc.CreatedAt,
		})
	}
	return tokens, nil
}

// Close closes the underlying client.
func (s *FirestoreTokenStore) Close() error {
	return s.client.Close()
}
