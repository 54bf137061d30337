// Package redisstore mirrors in-process presence to Redis so other services can
// see who is online and when a user was last seen.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/foodcircle/internal/realtime"
)

const (
	DefaultPrefix = "presence:"
	lastSeenTTL   = 30 * 24 * time.Hour
)

// record is the JSON stored per user in the online hash.
type record struct {
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	UserEmail string    `json:"userEmail"`
	UserImage string    `json:"userImage"`
	ConnID    string    `json:"connId"`
	Gen       uint64    `json:"gen"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// Writes are ordered by the registry generation so a late write from an older
// connection cannot overwrite a newer one.
var setOnlineScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  local ok, v = pcall(cjson.decode, cur)
  if ok and tonumber(v.gen) and tonumber(v.gen) > tonumber(ARGV[3]) then
    return 0
  end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

var setOfflineScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if not cur then
  return 0
end
local ok, v = pcall(cjson.decode, cur)
if ok and tonumber(v.gen) and tonumber(v.gen) > tonumber(ARGV[2]) then
  return 0
end
redis.call('HDEL', KEYS[1], ARGV[1])
return 1
`)

type Store struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

func New(client *redis.Client, prefix string) *Store {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix, now: time.Now}
}

func (s *Store) onlineKey() string { return s.prefix + "online" }

func (s *Store) lastSeenKey(userID string) string { return s.prefix + "last_seen:" + userID }

// Reset clears the online set. Presence lives in one process, so whatever a
// previous run left behind is stale.
func (s *Store) Reset(ctx context.Context) error {
	return s.client.Del(ctx, s.onlineKey()).Err()
}

func (s *Store) SetOnline(ctx context.Context, e realtime.Entry) error {
	b, err := json.Marshal(record{
		UserID:    e.Identity.UserID,
		UserName:  e.Identity.UserName,
		UserEmail: e.Identity.UserEmail,
		UserImage: e.Identity.UserImage,
		ConnID:    e.ConnID,
		Gen:       e.Generation,
		JoinedAt:  e.JoinedAt,
	})
	if err != nil {
		return err
	}
	if err := setOnlineScript.Run(ctx, s.client, []string{s.onlineKey()},
		e.Identity.UserID, string(b), e.Generation).Err(); err != nil {
		return fmt.Errorf("redis set online: %w", err)
	}
	return nil
}

// SetOffline removes the user from the online set unless a newer connection has
// already replaced e, and records the last-seen time either way.
func (s *Store) SetOffline(ctx context.Context, e realtime.Entry) error {
	userID := e.Identity.UserID
	if _, err := setOfflineScript.Run(ctx, s.client, []string{s.onlineKey()}, userID, e.Generation).Int(); err != nil {
		return fmt.Errorf("redis set offline: %w", err)
	}
	if err := s.client.Set(ctx, s.lastSeenKey(userID), s.now().UTC().Format(time.RFC3339Nano), lastSeenTTL).Err(); err != nil {
		return fmt.Errorf("redis last seen: %w", err)
	}
	return nil
}

// OnlineUsers lists mirrored identities ordered by join time.
func (s *Store) OnlineUsers(ctx context.Context) ([]realtime.Identity, error) {
	all, err := s.client.HGetAll(ctx, s.onlineKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis online users: %w", err)
	}
	recs := make([]record, 0, len(all))
	for _, raw := range all {
		var r record
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			continue
		}
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].JoinedAt.Equal(recs[j].JoinedAt) {
			return recs[i].Gen < recs[j].Gen
		}
		return recs[i].JoinedAt.Before(recs[j].JoinedAt)
	})

	out := make([]realtime.Identity, 0, len(recs))
	for _, r := range recs {
		out = append(out, realtime.Identity{
			UserID:    r.UserID,
			UserName:  r.UserName,
			UserEmail: r.UserEmail,
			UserImage: r.UserImage,
		})
	}
	return out, nil
}

// LastSeen returns when userID last went offline; ok is false if never recorded.
func (s *Store) LastSeen(ctx context.Context, userID string) (t time.Time, ok bool, err error) {
	v, err := s.client.Get(ctx, s.lastSeenKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis last seen: %w", err)
	}
	t, err = time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}
