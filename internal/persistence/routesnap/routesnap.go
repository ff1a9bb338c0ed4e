// Package routesnap warm-restores a cluster controller's routing table and
// multicast subscriber registry across a restart: a thin struct wrapping
// *redis.Client, a namespaced key per entity, and JSON blobs under a fixed
// TTL rather than per-field hash writes.
package routesnap

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/baechuer/clustercontroller/internal/router"
	"github.com/redis/go-redis/v9"
)

// snapshotTTL bounds how long a restart can be delayed before the saved
// state is considered too stale to trust; refreshed on every Save call.
const snapshotTTL = 24 * time.Hour

// Store persists routing-table and multicast-registry snapshots in Redis.
type Store struct {
	client *redis.Client
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func routesKey(ownChannelID string) string {
	return fmt.Sprintf("clustercontroller:routes:%s", ownChannelID)
}

func multicastKey(ownChannelID string) string {
	return fmt.Sprintf("clustercontroller:multicast:%s", ownChannelID)
}

// SaveRoutes overwrites the routing-table snapshot for ownChannelID.
func (s *Store) SaveRoutes(ctx context.Context, ownChannelID string, routes []router.RouteSnapshot) error {
	blob, err := json.Marshal(routes)
	if err != nil {
		return fmt.Errorf("routesnap: marshal routes: %w", err)
	}
	if err := s.client.Set(ctx, routesKey(ownChannelID), blob, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("routesnap: save routes: %w", err)
	}
	return nil
}

// LoadRoutes returns the previously saved routing-table snapshot, or nil
// (with no error) if none was ever saved or it has expired.
func (s *Store) LoadRoutes(ctx context.Context, ownChannelID string) ([]router.RouteSnapshot, error) {
	blob, err := s.client.Get(ctx, routesKey(ownChannelID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("routesnap: load routes: %w", err)
	}
	var routes []router.RouteSnapshot
	if err := json.Unmarshal(blob, &routes); err != nil {
		return nil, fmt.Errorf("routesnap: unmarshal routes: %w", err)
	}
	return routes, nil
}

// SaveMulticastSubscriptions overwrites the multicast-registry snapshot
// for ownChannelID.
func (s *Store) SaveMulticastSubscriptions(ctx context.Context, ownChannelID string, subs map[string][]string) error {
	blob, err := json.Marshal(subs)
	if err != nil {
		return fmt.Errorf("routesnap: marshal multicast subscriptions: %w", err)
	}
	if err := s.client.Set(ctx, multicastKey(ownChannelID), blob, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("routesnap: save multicast subscriptions: %w", err)
	}
	return nil
}

// LoadMulticastSubscriptions returns the previously saved multicast
// registry, or nil (with no error) if none was ever saved or it expired.
func (s *Store) LoadMulticastSubscriptions(ctx context.Context, ownChannelID string) (map[string][]string, error) {
	blob, err := s.client.Get(ctx, multicastKey(ownChannelID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("routesnap: load multicast subscriptions: %w", err)
	}
	var subs map[string][]string
	if err := json.Unmarshal(blob, &subs); err != nil {
		return nil, fmt.Errorf("routesnap: unmarshal multicast subscriptions: %w", err)
	}
	return subs, nil
}

// Clear removes both snapshots for ownChannelID so stale state is not
// restored next boot. cmd/clustercontroller does not call it on shutdown.
func (s *Store) Clear(ctx context.Context, ownChannelID string) error {
	return s.client.Del(ctx, routesKey(ownChannelID), multicastKey(ownChannelID)).Err()
}
