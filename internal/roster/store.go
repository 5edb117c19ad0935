// Package roster mirrors per-user online state to Redis so the REST
// backend can answer presence queries without reaching into the WebSocket
// process. Entries are hashes with a TTL; a crashed server's entries age
// out on their own.
package roster

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// EntryTTL is the time-to-live for presence keys. Online entries are
	// refreshed by Touch; stale entries from a dead server expire.
	EntryTTL = 5 * time.Minute
)

// Entry is a user's mirrored presence state.
type Entry struct {
	UserID   string `redis:"user_id"`
	RoomID   int64  `redis:"room_id"`
	Server   string `redis:"server"`
	Online   bool   `redis:"online"`
	LastSeen int64  `redis:"last_seen"` // unix timestamp
}

// Store manages presence entries in Redis.
type Store struct {
	client     *redis.Client
	serverName string
}

// NewStore creates a roster store connected to Redis.
func NewStore(redisAddr, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("roster: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// NewStoreWithClient wraps an existing Redis client (shared with the rate
// limiter).
func NewStoreWithClient(client *redis.Client, serverName string) *Store {
	return &Store{client: client, serverName: serverName}
}

// SetOnline records the user as online in the given room.
func (s *Store) SetOnline(ctx context.Context, user string, room int64) error {
	key := KeyPrefix + user
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":   user,
		"room_id":   room,
		"server":    s.serverName,
		"online":    true,
		"last_seen": time.Now().Unix(),
	})
	pipe.Expire(ctx, key, EntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// SetOffline marks the user offline, keeping the entry around for
// last-seen queries until the TTL fires.
func (s *Store) SetOffline(ctx context.Context, user string) error {
	key := KeyPrefix + user
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "online", false, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, EntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Touch refreshes the TTL and last-seen for a live user. Called by the
// heartbeat path.
func (s *Store) Touch(ctx context.Context, user string) error {
	key := KeyPrefix + user
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_seen", time.Now().Unix())
	pipe.Expire(ctx, key, EntryTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a user's presence entry. Returns nil if absent.
func (s *Store) Get(ctx context.Context, user string) (*Entry, error) {
	var entry Entry
	err := s.client.HGetAll(ctx, KeyPrefix+user).Scan(&entry)
	if err != nil {
		return nil, err
	}
	if entry.UserID == "" {
		return nil, nil
	}
	return &entry, nil
}

// IsOnline reports whether the user currently has a live entry.
func (s *Store) IsOnline(ctx context.Context, user string) (bool, error) {
	entry, err := s.Get(ctx, user)
	if err != nil {
		return false, err
	}
	return entry != nil && entry.Online, nil
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}
