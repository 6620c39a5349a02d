package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrServerNotFound is returned when a room references a conferencing
// cluster that has no media_servers row. This is a logical store error:
// the worker releases the claim and backs off rather than crashing.
var ErrServerNotFound = errors.New("store: media server not found")

// GetMediaServer resolves a room's server_ref to the conferencing
// cluster's URL and signing credentials.
func (s *Store) GetMediaServer(ctx context.Context, ref string) (*MediaServer, error) {
	var m MediaServer
	err := s.pool.QueryRow(ctx, `
		SELECT ref, url, api_key, api_secret
		FROM media_servers WHERE ref = $1`,
		ref).Scan(&m.Ref, &m.URL, &m.APIKey, &m.APISecret)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrServerNotFound
		}
		return nil, fmt.Errorf("store: get media server: %w", err)
	}
	return &m, nil
}
