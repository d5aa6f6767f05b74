package redispresence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leofalp/agentcanvas/core/presence"
)

const (
	DefaultKeyPrefix = "agentcanvas:presence"

	// DefaultTTL is the Redis expiry of a record.
	DefaultTTL = 2 * presence.DefaultHeartbeatTimeout

	maxUpdateRetries = 5
)

// ErrConflict is returned when an update lost the optimistic lock too many
// times in a row.
var ErrConflict = errors.New("redispresence: concurrent update conflict")

// Option configures a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = strings.TrimSuffix(prefix, ":")
		}
	}
}

// WithTTL sets the Redis expiry of records.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// Store implements presence.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ presence.Store = (*Store)(nil)

// New wraps an existing client.
func New(client redis.UniversalClient, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultKeyPrefix, ttl: DefaultTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect parses a redis:// URL, connects and pings the server.
func Connect(ctx context.Context, url string, opts ...Option) (*Store, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redispresence: parse url: %w", err)
	}
	client := redis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redispresence: connect: %w", err)
	}
	return New(client, opts...), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) recordKey(sessionID, clientID string) string {
	return s.prefix + ":" + sessionID + ":" + clientID
}

func (s *Store) seenKey(sessionID string) string {
	return s.prefix + ":seen:" + sessionID
}

func (s *Store) sessionsKey() string {
	return s.prefix + ":sessions"
}

// Update runs mutate inside a WATCH transaction on the record key and
// retries when another writer got there first.
func (s *Store) Update(ctx context.Context, sessionID, clientID string, mutate func(presence.Presence, bool) (presence.Presence, error)) (presence.Presence, error) {
	key := s.recordKey(sessionID, clientID)
	var result presence.Presence

	transaction := func(tx *redis.Tx) error {
		current, found, err := s.load(ctx, tx, key)
		if err != nil {
			return err
		}
		next, err := mutate(current, found)
		if err != nil {
			return err
		}
		next.SessionID = sessionID
		next.ClientID = clientID

		encoded, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("redispresence: encode: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			pipe.ZAdd(ctx, s.seenKey(sessionID), redis.Z{Score: float64(next.LastSeen.UnixMilli()), Member: clientID})
			pipe.SAdd(ctx, s.sessionsKey(), sessionID)
			return nil
		})
		if err != nil {
			return err
		}
		result = next
		return nil
	}

	for range maxUpdateRetries {
		err := s.client.Watch(ctx, transaction, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return presence.Presence{}, err
		}
		return result, nil
	}
	return presence.Presence{}, fmt.Errorf("%w: %s", ErrConflict, key)
}

func (s *Store) Delete(ctx context.Context, sessionID, clientID string) (presence.Presence, error) {
	key := s.recordKey(sessionID, clientID)
	raw, err := s.client.GetDel(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// The TTL may have removed the record before the sorted set entry.
		s.client.ZRem(ctx, s.seenKey(sessionID), clientID)
		return presence.Presence{}, fmt.Errorf("%w: %s/%s", presence.ErrNotFound, sessionID, clientID)
	}
	if err != nil {
		return presence.Presence{}, fmt.Errorf("redispresence: delete: %w", err)
	}
	if err := s.client.ZRem(ctx, s.seenKey(sessionID), clientID).Err(); err != nil {
		return presence.Presence{}, fmt.Errorf("redispresence: delete: %w", err)
	}

	var record presence.Presence
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return presence.Presence{}, fmt.Errorf("redispresence: decode: %w", err)
	}
	return record, nil
}

func (s *Store) List(ctx context.Context, sessionID string) ([]presence.Presence, error) {
	clients, err := s.client.ZRange(ctx, s.seenKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redispresence: list: %w", err)
	}
	records := make([]presence.Presence, 0, len(clients))
	if len(clients) == 0 {
		return records, nil
	}

	keys := make([]string, len(clients))
	for index, clientID := range clients {
		keys[index] = s.recordKey(sessionID, clientID)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redispresence: list: %w", err)
	}
	for _, value := range values {
		raw, ok := value.(string)
		if !ok {
			continue
		}
		var record presence.Presence
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("redispresence: decode: %w", err)
		}
		records = append(records, record)
	}
	slices.SortFunc(records, func(a, b presence.Presence) int { return strings.Compare(a.ClientID, b.ClientID) })
	return records, nil
}

// Sweep removes records last seen before cutoff in every known session.
// Records already dropped by the Redis TTL are still reported, carrying only
// their session and client ids.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) ([]presence.Presence, error) {
	sessions, err := s.client.SMembers(ctx, s.sessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redispresence: sweep: %w", err)
	}
	slices.Sort(sessions)

	expired := make([]presence.Presence, 0)
	for _, sessionID := range sessions {
		clients, err := s.client.ZRangeByScore(ctx, s.seenKey(sessionID), &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff.UnixMilli(), 10),
		}).Result()
		if err != nil {
			return expired, fmt.Errorf("redispresence: sweep: %w", err)
		}
		slices.Sort(clients)
		for _, clientID := range clients {
			record, err := s.Delete(ctx, sessionID, clientID)
			switch {
			case errors.Is(err, presence.ErrNotFound):
				record = presence.Presence{SessionID: sessionID, ClientID: clientID}
			case err != nil:
				return expired, err
			}
			expired = append(expired, record)
		}

		remaining, err := s.client.ZCard(ctx, s.seenKey(sessionID)).Result()
		if err != nil {
			return expired, fmt.Errorf("redispresence: sweep: %w", err)
		}
		if remaining == 0 {
			s.client.SRem(ctx, s.sessionsKey(), sessionID)
		}
	}
	return expired, nil
}

func (s *Store) load(ctx context.Context, tx *redis.Tx, key string) (presence.Presence, bool, error) {
	raw, err := tx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return presence.Presence{}, false, nil
	}
	if err != nil {
		return presence.Presence{}, false, fmt.Errorf("redispresence: load: %w", err)
	}
	var record presence.Presence
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return presence.Presence{}, false, fmt.Errorf("redispresence: decode: %w", err)
	}
	return record, true, nil
}
