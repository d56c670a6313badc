package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	logx "confessbot/pkg/logx"
)

// Bookkeeping keys expire on their own; Prune is a no-op for redis.
const redisBookkeepingTTL = 48 * time.Hour

const redisLogCap = 10000

// Accept: attempt dedup, cooldown and quota re-check, then all writes.
// Returns {outcome, id, retry_after_ms}. "now" comes from the caller so
// every backend shares one clock.
const acceptScript = `
local prev = redis.call("GET", KEYS[1])
if prev then
  return {1, tonumber(prev), 0}
end

local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
if window > 0 then
  local last = redis.call("GET", KEYS[2])
  if last then
    local elapsed = now - tonumber(last)
    if elapsed < window then
      return {2, 0, window - elapsed}
    end
  end
end

local limit = tonumber(ARGV[3])
if limit > 0 then
  local n = tonumber(redis.call("GET", KEYS[3]) or "0")
  if n >= limit then
    return {3, 0, 0}
  end
end

local ttl = tonumber(ARGV[5])
redis.call("HSET", KEYS[4], "id", ARGV[4], "subject", ARGV[6], "origin", ARGV[7], "text", ARGV[8], "created_at", ARGV[1], "status", "accepted")
redis.call("SET", KEYS[2], ARGV[1], "PX", ttl + window)
redis.call("INCR", KEYS[3])
redis.call("PEXPIRE", KEYS[3], ttl)
redis.call("SET", KEYS[1], ARGV[4], "PX", ttl)
redis.call("INCR", KEYS[5])
redis.call("ZADD", KEYS[6], ARGV[4], ARGV[4])
return {0, tonumber(ARGV[4]), 0}
`

const markDispatchedScript = `
local st = redis.call("HGET", KEYS[1], "status")
if not st then
  return 0
end
if st == "accepted" then
  redis.call("HSET", KEYS[1], "status", "dispatched")
  redis.call("DECR", KEYS[2])
  redis.call("INCR", KEYS[3])
end
redis.call("ZREM", KEYS[4], ARGV[1])
return 1
`

type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger

	accept     *redis.Script
	dispatched *redis.Script
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	log.Info("redis store connected", logx.String("addr", cfg.RedisAddr), logx.Int("db", cfg.RedisDB))
	return NewRedis(client, cfg.RedisPrefix, log), nil
}

// NewRedis wraps an existing client. prefix defaults to "confess:".
func NewRedis(client *redis.Client, prefix string, log logx.Logger) Store {
	if strings.TrimSpace(prefix) == "" {
		prefix = "confess:"
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &redisStore{
		client:     client,
		prefix:     prefix,
		log:        log,
		accept:     redis.NewScript(acceptScript),
		dispatched: redis.NewScript(markDispatchedScript),
	}
}

func (s *redisStore) key(parts ...string) string { return s.prefix + strings.Join(parts, ":") }

func (s *redisStore) countKey(status SubmissionStatus) string { return s.key("count", string(status)) }

func (s *redisStore) Close() error { return s.client.Close() }

func (s *redisStore) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

func (s *redisStore) NextSequence(ctx context.Context, name string) (int64, error) {
	v, err := s.client.Incr(ctx, s.key("seq", name)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis next sequence %q: %w", name, err)
	}
	return v, nil
}

func (s *redisStore) LastAccepted(ctx context.Context, subjectID string) (time.Time, bool, error) {
	ms, err := s.client.Get(ctx, s.key("cd", subjectID)).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return time.UnixMilli(ms), true, nil
}

func (s *redisStore) QuotaCount(ctx context.Context, subjectID, day string) (int, error) {
	n, err := s.client.Get(ctx, s.key("quota", subjectID, day)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (s *redisStore) Accept(ctx context.Context, req AcceptRequest) (AcceptResult, error) {
	sub := req.Submission
	subKey := s.key("sub", strconv.FormatInt(sub.ID, 10))
	attempt := req.AttemptID
	if attempt == "" {
		attempt = "id-" + strconv.FormatInt(sub.ID, 10)
	}
	attemptKey := s.key("attempt", attempt)
	res, err := s.accept.Run(ctx, s.client,
		[]string{
			attemptKey,
			s.key("cd", sub.SubjectID),
			s.key("quota", sub.SubjectID, req.Day),
			subKey,
			s.countKey(StatusAccepted),
			s.key("pending"),
		},
		sub.CreatedAt.UnixMilli(),
		req.CooldownWindow.Milliseconds(),
		req.QuotaLimit,
		sub.ID,
		redisBookkeepingTTL.Milliseconds(),
		sub.SubjectID,
		sub.OriginID,
		sub.Text,
	).Int64Slice()
	if err != nil {
		return AcceptResult{}, fmt.Errorf("redis accept: %w", err)
	}
	if len(res) < 3 {
		return AcceptResult{}, errors.New("redis accept: invalid script response")
	}
	switch res[0] {
	case 0:
		return AcceptResult{Outcome: AcceptApplied, ID: res[1]}, nil
	case 1:
		return AcceptResult{Outcome: AcceptDuplicate, ID: res[1]}, nil
	case 2:
		return AcceptResult{Outcome: AcceptCooldown, RetryAfter: time.Duration(res[2]) * time.Millisecond}, nil
	default:
		return AcceptResult{Outcome: AcceptQuota}, nil
	}
}

type redisFlagged struct {
	SubjectID string    `json:"subject_id"`
	OriginID  string    `json:"origin_id"`
	Text      string    `json:"text"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *redisStore) RecordFlagged(ctx context.Context, sub Submission) error {
	b, err := json.Marshal(redisFlagged{
		SubjectID: sub.SubjectID, OriginID: sub.OriginID, Text: sub.Text, Reason: sub.Reason, CreatedAt: sub.CreatedAt,
	})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key("flagged"), b)
		p.LTrim(ctx, s.key("flagged"), 0, redisLogCap-1)
		p.Incr(ctx, s.countKey(StatusFlagged))
		return nil
	})
	return err
}

func (s *redisStore) MarkDispatched(ctx context.Context, id int64) error {
	n, err := s.dispatched.Run(ctx, s.client,
		[]string{s.key("sub", strconv.FormatInt(id, 10)), s.countKey(StatusAccepted), s.countKey(StatusDispatched), s.key("pending")},
		id,
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingSubmissions walks the pending index, a sorted set scored by id.
func (s *redisStore) PendingSubmissions(ctx context.Context) ([]Submission, error) {
	ids, err := s.client.ZRange(ctx, s.key("pending"), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.key("sub", id))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis pending: %w", err)
	}
	out := make([]Submission, 0, len(ids))
	for _, cmd := range cmds {
		h := cmd.Val()
		if h["status"] != string(StatusAccepted) {
			continue
		}
		id, err := strconv.ParseInt(h["id"], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis pending: bad id %q", h["id"])
		}
		created, _ := strconv.ParseInt(h["created_at"], 10, 64)
		out = append(out, Submission{
			ID:        id,
			SubjectID: h["subject"],
			OriginID:  h["origin"],
			Text:      h["text"],
			CreatedAt: time.UnixMilli(created),
			Status:    StatusAccepted,
		})
	}
	return out, nil
}

func (s *redisStore) CountSubmissions(ctx context.Context, status SubmissionStatus) (int64, error) {
	keys := []string{s.countKey(status)}
	if status == "" {
		keys = []string{s.countKey(StatusAccepted), s.countKey(StatusDispatched)}
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, v := range vals {
		str, _ := v.(string)
		if str == "" {
			continue
		}
		n, err := strconv.ParseInt(str, 10, 64)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func (s *redisStore) banKey(subjectID, scope string) string { return s.key("ban", subjectID, scope) }

func (s *redisStore) BanState(ctx context.Context, subjectID, originID string, now time.Time) (bool, bool, error) {
	active := func(scope string) (bool, error) {
		until, err := s.client.HGet(ctx, s.banKey(subjectID, scope), "until").Int64()
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return until == 0 || now.UnixMilli() < until, nil
	}
	global, err := active(ScopeGlobal)
	if err != nil || originID == "" {
		return global, false, err
	}
	origin, err := active(originID)
	return global, origin, err
}

func (s *redisStore) PutBan(ctx context.Context, b Ban) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	var until int64
	if !b.Until.IsZero() {
		until = b.Until.UnixMilli()
	}
	k := s.banKey(b.SubjectID, b.Scope)
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k, "reason", b.Reason, "until", until, "created_at", b.CreatedAt.UnixMilli())
		if until > 0 {
			p.PExpireAt(ctx, k, b.Until)
		} else {
			p.Persist(ctx, k)
		}
		return nil
	})
	return err
}

func (s *redisStore) DeleteBan(ctx context.Context, subjectID, scope string) (bool, error) {
	n, err := s.client.Del(ctx, s.banKey(subjectID, scope)).Result()
	return n > 0, err
}

type redisDestination struct {
	Platform     string `json:"platform"`
	GroupID      string `json:"group_id"`
	ChannelID    string `json:"channel_id"`
	RegisteredAt int64  `json:"registered_at"`
}

func (s *redisStore) ListDestinations(ctx context.Context) ([]Destination, error) {
	m, err := s.client.HGetAll(ctx, s.key("destinations")).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Destination, 0, len(m))
	for id, raw := range m {
		d, err := decodeRedisDestination(id, raw)
		if err != nil {
			s.log.Warn("skipping malformed destination", logx.String("id", id), logx.Err(err))
			continue
		}
		out = append(out, d)
	}
	sortDestinations(out)
	return out, nil
}

func decodeRedisDestination(id, raw string) (Destination, error) {
	var rd redisDestination
	if err := json.Unmarshal([]byte(raw), &rd); err != nil {
		return Destination{}, err
	}
	return Destination{
		ID:           id,
		Platform:     rd.Platform,
		GroupID:      rd.GroupID,
		ChannelID:    rd.ChannelID,
		RegisteredAt: time.UnixMilli(rd.RegisteredAt),
	}, nil
}

func (s *redisStore) GetDestination(ctx context.Context, id string) (Destination, error) {
	raw, err := s.client.HGet(ctx, s.key("destinations"), id).Result()
	if errors.Is(err, redis.Nil) {
		return Destination{}, ErrNotFound
	}
	if err != nil {
		return Destination{}, err
	}
	return decodeRedisDestination(id, raw)
}

func (s *redisStore) UpsertDestination(ctx context.Context, d Destination) error {
	if d.ID == "" {
		d.ID = DestinationID(d.Platform, d.GroupID)
	}
	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	key := s.key("destinations")
	rd := redisDestination{
		Platform: d.Platform, GroupID: d.GroupID, ChannelID: d.ChannelID, RegisteredAt: d.RegisteredAt.UnixMilli(),
	}
	upsert := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, key, d.ID).Result()
		switch {
		case err == nil:
			prev, err := decodeRedisDestination(d.ID, raw)
			if err != nil {
				return err
			}
			rd.RegisteredAt = prev.RegisteredAt.UnixMilli()
		case !errors.Is(err, redis.Nil):
			return err
		}
		b, err := json.Marshal(rd)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, key, d.ID, b)
			return nil
		})
		return err
	}
	for attempt := 0; attempt < 5; attempt++ {
		err := s.client.Watch(ctx, upsert, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("upsert destination %s: %w", d.ID, redis.TxFailedErr)
}

func (s *redisStore) DeleteDestination(ctx context.Context, id string) (bool, error) {
	n, err := s.client.HDel(ctx, s.key("destinations"), id).Result()
	return n > 0, err
}

func (s *redisStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.HGet(ctx, s.key("settings"), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) PutSetting(ctx context.Context, key, value string) error {
	return s.client.HSet(ctx, s.key("settings"), key, value).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(map[string]any{
		"at": e.At.Format(time.RFC3339Nano), "actor_id": e.ActorID, "origin_id": e.OriginID,
		"action": e.Action, "target": e.Target, "err": e.Error,
	})
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.key("audit"), b)
		p.LTrim(ctx, s.key("audit"), 0, redisLogCap-1)
		return nil
	})
	return err
}

func (s *redisStore) Prune(context.Context, time.Time) (PruneStats, error) {
	return PruneStats{}, nil
}
