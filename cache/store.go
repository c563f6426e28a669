package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/kengibson1111/go-ticketing-cache/internal"
)

const (
	scanCount       = 100
	deleteBatchSize = 100
)

// setAddScript adds a member and raises the set's expiry to at least ARGV[2] ms
var setAddScript = redis.NewScript(`
local added = redis.call('SADD', KEYS[1], ARGV[1])
local ttl = tonumber(ARGV[2])
if redis.call('PTTL', KEYS[1]) < ttl then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return added
`)

// setRemoveScript removes a member and deletes the set once it is empty
var setRemoveScript = redis.NewScript(`
local removed = redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
	redis.call('DEL', KEYS[1])
end
return removed
`)

// extendScript raises an existing key's expiry to at least ARGV[1] ms
var extendScript = redis.NewScript(`
local current = redis.call('PTTL', KEYS[1])
if current == -2 then
	return 0
end
local ttl = tonumber(ARGV[1])
if current < ttl then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// KeyValueStore is a namespaced JSON cache over the shared store. When the
// connection is not ready every operation degrades to its miss/no-op result.
type KeyValueStore struct {
	conn      *ConnectionManager
	config    *Config
	keyGen    internal.KeyGenerator
	validator *internal.InputValidator
	metrics   *MetricsCollector
	logger    *zap.Logger
	state     *stateView
}

// NewKeyValueStore creates a store bound to conn. A nil metrics collector is
// replaced by a private one.
func NewKeyValueStore(conn *ConnectionManager, metrics *MetricsCollector, logger *zap.Logger) *KeyValueStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	config := conn.Config()
	if metrics == nil {
		metrics = NewMetricsCollector(config.MetricsWindowSize, logger)
	}

	return &KeyValueStore{
		conn:      conn,
		config:    config,
		keyGen:    internal.NewKeyGenerator(config.Namespace()),
		validator: internal.NewInputValidator(config.MaxValueSize),
		metrics:   metrics,
		logger:    logger.Named("cache.store"),
		state:     newStateView(conn),
	}
}

// Metrics returns the collector the store records into
func (s *KeyValueStore) Metrics() *MetricsCollector {
	return s.metrics
}

// Get decodes the JSON value stored under key into dest. A payload that
// cannot be decoded is deleted and reported as a miss.
func (s *KeyValueStore) Get(ctx context.Context, key string, dest interface{}) bool {
	start := time.Now()
	raw, ok := s.fetch(ctx, key)
	if !ok {
		s.observe(key, OutcomeMiss, start)
		return false
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		s.purgeCorrupt(ctx, key, err)
		s.observe(key, OutcomeMiss, start)
		return false
	}

	s.observe(key, OutcomeHit, start)
	return true
}

// GetRaw returns the stored JSON without decoding it
func (s *KeyValueStore) GetRaw(ctx context.Context, key string) (json.RawMessage, bool) {
	start := time.Now()
	raw, ok := s.fetch(ctx, key)
	if !ok {
		s.observe(key, OutcomeMiss, start)
		return nil, false
	}
	s.observe(key, OutcomeHit, start)
	return raw, true
}

// fetch reads key and checks the payload is JSON. Failures are already
// recorded; the caller records the outcome.
func (s *KeyValueStore) fetch(ctx context.Context, key string) (json.RawMessage, bool) {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return nil, false
	}

	data, err := client.Get(ctx, s.keyGen.Key(key)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		s.fail(ctx, "get", key, err)
		return nil, false
	}

	if !json.Valid(data) {
		s.purgeCorrupt(ctx, key, nil)
		return nil, false
	}
	return json.RawMessage(data), true
}

// Set stores value as JSON. A non-positive ttl uses Config.DefaultTTL.
func (s *KeyValueStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) bool {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return false
	}

	start := time.Now()
	data, ok := s.encode(key, value)
	if !ok {
		return false
	}

	if err := client.Set(ctx, s.keyGen.Key(key), data, s.effectiveTTL(ttl)).Err(); err != nil {
		s.fail(ctx, "set", key, err)
		return false
	}

	s.observe(key, OutcomeWrite, start)
	return true
}

// Replace overwrites an existing key and keeps its remaining TTL. An absent
// key is not created.
func (s *KeyValueStore) Replace(ctx context.Context, key string, value interface{}) bool {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return false
	}

	start := time.Now()
	data, ok := s.encode(key, value)
	if !ok {
		return false
	}

	err := client.SetArgs(ctx, s.keyGen.Key(key), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		s.observe(key, OutcomeMiss, start)
		return false
	}
	if err != nil {
		s.fail(ctx, "replace", key, err)
		return false
	}

	s.observe(key, OutcomeWrite, start)
	return true
}

// Del removes key and reports whether it existed
func (s *KeyValueStore) Del(ctx context.Context, key string) bool {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return false
	}

	start := time.Now()
	n, err := client.Del(ctx, s.keyGen.Key(key)).Result()
	if err != nil {
		s.fail(ctx, "del", key, err)
		return false
	}

	s.observe(key, OutcomeDelete, start)
	return n > 0
}

// Exists reports whether key is present
func (s *KeyValueStore) Exists(ctx context.Context, key string) bool {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return false
	}

	start := time.Now()
	n, err := client.Exists(ctx, s.keyGen.Key(key)).Result()
	if err != nil {
		s.fail(ctx, "exists", key, err)
		return false
	}

	if n > 0 {
		s.observe(key, OutcomeHit, start)
		return true
	}
	s.observe(key, OutcomeMiss, start)
	return false
}

// TTL returns the remaining lifetime of key in seconds, -1 when it has no
// expiry and -2 when it is absent or the store is unavailable
func (s *KeyValueStore) TTL(ctx context.Context, key string) int64 {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return -2
	}

	d, err := client.TTL(ctx, s.keyGen.Key(key)).Result()
	if err != nil {
		s.fail(ctx, "ttl", key, err)
		return -2
	}
	if d < 0 {
		// go-redis passes -1 and -2 through unscaled
		return int64(d)
	}
	return int64(d / time.Second)
}

// Expire sets the lifetime of an existing key
func (s *KeyValueStore) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return false
	}
	if err := s.validator.ValidateTTL(ttl); err != nil {
		s.logger.Warn("invalid ttl", zap.String("key", key), zap.Error(err))
		return false
	}

	ok, err := client.PExpire(ctx, s.keyGen.Key(key), ttl).Result()
	if err != nil {
		s.fail(ctx, "expire", key, err)
		return false
	}
	return ok
}

// MGet fetches keys in one round trip. Missing and undecodable entries map
// to nil.
func (s *KeyValueStore) MGet(ctx context.Context, keys []string) map[string]json.RawMessage {
	result := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		result[key] = nil
	}

	client, ok := s.client()
	if !ok || len(keys) == 0 {
		for _, key := range keys {
			s.metrics.RecordOperation(key, OutcomeMiss, 0)
		}
		return result
	}

	valid := make([]string, 0, len(keys))
	for _, key := range keys {
		if s.validKey(key) {
			valid = append(valid, key)
		}
	}

	start := time.Now()
	cmds := make([]*redis.StringCmd, len(valid))
	// Each command carries its own reply, so one failed GET does not hide
	// the others
	_, _ = client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range valid {
			cmds[i] = pipe.Get(ctx, s.keyGen.Key(key))
		}
		return nil
	})

	for i, key := range valid {
		data, err := cmds[i].Bytes()
		switch {
		case err == redis.Nil:
			s.observe(key, OutcomeMiss, start)
		case err != nil:
			s.fail(ctx, "mget", key, err)
		case !json.Valid(data):
			s.purgeCorrupt(ctx, key, nil)
			s.observe(key, OutcomeMiss, start)
		default:
			result[key] = json.RawMessage(data)
			s.observe(key, OutcomeHit, start)
		}
	}
	return result
}

// MSet writes all values in one round trip. Nothing is written when any key
// or value is rejected.
func (s *KeyValueStore) MSet(ctx context.Context, values map[string]interface{}, ttl time.Duration) bool {
	client, ok := s.client()
	if !ok || len(values) == 0 {
		return false
	}

	keys := make([]string, 0, len(values))
	encoded := make(map[string][]byte, len(values))
	for key, value := range values {
		if !s.validKey(key) {
			return false
		}
		data, ok := s.encode(key, value)
		if !ok {
			return false
		}
		keys = append(keys, key)
		encoded[key] = data
	}

	start := time.Now()
	ttl = s.effectiveTTL(ttl)
	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for key, data := range encoded {
			pipe.Set(ctx, s.keyGen.Key(key), data, ttl)
		}
		return nil
	})
	if err != nil {
		s.fail(ctx, "mset", firstKey(keys), err)
		return false
	}

	for _, key := range keys {
		s.observe(key, OutcomeWrite, start)
	}
	return true
}

// MDel removes keys in one round trip and returns how many existed
func (s *KeyValueStore) MDel(ctx context.Context, keys []string) int64 {
	client, ok := s.client()
	if !ok || len(keys) == 0 {
		return 0
	}

	valid := make([]string, 0, len(keys))
	for _, key := range keys {
		if s.validKey(key) {
			valid = append(valid, key)
		}
	}

	start := time.Now()
	cmds := make([]*redis.IntCmd, len(valid))
	_, err := client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, key := range valid {
			cmds[i] = pipe.Del(ctx, s.keyGen.Key(key))
		}
		return nil
	})
	if err != nil {
		s.fail(ctx, "mdel", firstKey(valid), err)
		return 0
	}

	var deleted int64
	for i, key := range valid {
		deleted += cmds[i].Val()
		s.observe(key, OutcomeDelete, start)
	}
	return deleted
}

// Keys returns the logical keys matching a glob pattern inside the namespace
func (s *KeyValueStore) Keys(ctx context.Context, pattern string) []string {
	client, ok := s.client()
	if !ok {
		return nil
	}
	if err := s.validator.ValidatePattern(pattern); err != nil {
		s.logger.Warn("invalid key pattern", zap.String("pattern", pattern), zap.Error(err))
		return nil
	}

	var keys []string
	iter := client.Scan(ctx, 0, s.keyGen.Pattern(pattern), scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, s.keyGen.Logical(iter.Val()))
	}
	if err := iter.Err(); err != nil {
		s.fail(ctx, "keys", pattern, err)
		return nil
	}
	return keys
}

// DeletePattern removes every key matching pattern and returns the count.
// Repeating it on an empty match returns 0.
func (s *KeyValueStore) DeletePattern(ctx context.Context, pattern string) int64 {
	keys := s.Keys(ctx, pattern)
	if len(keys) == 0 {
		return 0
	}

	var deleted int64
	for i := 0; i < len(keys); i += deleteBatchSize {
		end := i + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		deleted += s.MDel(ctx, keys[i:end])
	}

	s.logger.Debug("deleted keys by pattern",
		zap.String("pattern", pattern),
		zap.Int64("deleted", deleted))
	return deleted
}

// SetAdd adds member to the set at key and raises the set's expiry to at
// least ttl
func (s *KeyValueStore) SetAdd(ctx context.Context, key, member string, ttl time.Duration) bool {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return false
	}

	start := time.Now()
	ttl = s.effectiveTTL(ttl)
	if err := setAddScript.Run(ctx, client, []string{s.keyGen.Key(key)}, member, ttl.Milliseconds()).Err(); err != nil {
		s.fail(ctx, "sadd", key, err)
		return false
	}

	s.observe(key, OutcomeWrite, start)
	return true
}

// SetRemove removes member from the set at key, deleting the set when it
// becomes empty
func (s *KeyValueStore) SetRemove(ctx context.Context, key, member string) bool {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return false
	}

	start := time.Now()
	n, err := setRemoveScript.Run(ctx, client, []string{s.keyGen.Key(key)}, member).Int64()
	if err != nil {
		s.fail(ctx, "srem", key, err)
		return false
	}

	s.observe(key, OutcomeDelete, start)
	return n > 0
}

// SetMembers returns the members of the set at key
func (s *KeyValueStore) SetMembers(ctx context.Context, key string) []string {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return nil
	}

	start := time.Now()
	members, err := client.SMembers(ctx, s.keyGen.Key(key)).Result()
	if err != nil {
		s.fail(ctx, "smembers", key, err)
		return nil
	}

	if len(members) == 0 {
		s.observe(key, OutcomeMiss, start)
	} else {
		s.observe(key, OutcomeHit, start)
	}
	return members
}

// SetCard returns the size of the set at key
func (s *KeyValueStore) SetCard(ctx context.Context, key string) int64 {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return 0
	}

	n, err := client.SCard(ctx, s.keyGen.Key(key)).Result()
	if err != nil {
		s.fail(ctx, "scard", key, err)
		return 0
	}
	return n
}

// ExtendTTL raises the expiry of an existing key to at least ttl. It never
// shortens a lifetime and never creates a key.
func (s *KeyValueStore) ExtendTTL(ctx context.Context, key string, ttl time.Duration) bool {
	client, ok := s.client()
	if !ok || !s.validKey(key) {
		return false
	}
	if err := s.validator.ValidateTTL(ttl); err != nil {
		s.logger.Warn("invalid ttl", zap.String("key", key), zap.Error(err))
		return false
	}

	n, err := extendScript.Run(ctx, client, []string{s.keyGen.Key(key)}, ttl.Milliseconds()).Int64()
	if err != nil {
		s.fail(ctx, "extend", key, err)
		return false
	}
	return n == 1
}

// GetOrLoad fills dest from the cache, or from loader on a miss and caches
// the loaded value. Only loader errors are returned.
func (s *KeyValueStore) GetOrLoad(ctx context.Context, key string, dest interface{}, ttl time.Duration, loader Loader) error {
	if s.Get(ctx, key, dest) {
		return nil
	}

	value, err := loader(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return internal.NewSerializationError(key, "failed to marshal loaded value", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return internal.NewSerializationError(key, "failed to decode loaded value", err)
	}

	s.Set(ctx, key, json.RawMessage(data), ttl)
	return nil
}

func (s *KeyValueStore) client() (redis.UniversalClient, bool) {
	if !s.state.ready() {
		return nil, false
	}
	client := s.conn.Client()
	return client, client != nil
}

func (s *KeyValueStore) validKey(key string) bool {
	if err := s.keyGen.ValidateKey(key); err != nil {
		s.logger.Warn("invalid cache key", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

func (s *KeyValueStore) encode(key string, value interface{}) ([]byte, bool) {
	data, err := json.Marshal(value)
	if err != nil {
		s.logger.Error("failed to serialize cache value",
			zap.String("key", key),
			zap.Error(internal.NewSerializationError(key, "failed to marshal value", err)))
		s.metrics.RecordError(key)
		return nil, false
	}

	if err := s.validator.ValidateValueSize(key, len(data)); err != nil {
		s.logger.Warn("cache value rejected", zap.String("key", key), zap.Error(err))
		s.metrics.RecordError(key)
		return nil, false
	}
	return data, true
}

func (s *KeyValueStore) effectiveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.config.DefaultTTL
	}
	return ttl
}

// purgeCorrupt deletes an entry whose payload cannot be decoded
func (s *KeyValueStore) purgeCorrupt(ctx context.Context, key string, cause error) {
	s.logger.Warn("purging corrupted cache entry",
		zap.String("key", key),
		zap.Error(internal.NewSerializationError(key, "corrupted payload", cause)))

	client, ok := s.client()
	if !ok {
		return
	}
	if err := client.Del(ctx, s.keyGen.Key(key)).Err(); err != nil {
		s.fail(ctx, "del", key, err)
	}
}

func (s *KeyValueStore) observe(key string, outcome Outcome, start time.Time) {
	elapsed := time.Since(start)
	s.metrics.RecordOperation(key, outcome, elapsed)

	if elapsed > s.config.SlowOperationThreshold {
		s.metrics.RecordSlow(key)
		s.logger.Warn("slow cache operation",
			zap.String("key", key),
			zap.String("outcome", string(outcome)),
			zap.Duration("duration", elapsed))
	}
}

// fail records a store failure and lets the connection manager decide
// whether it means the connection is gone
func (s *KeyValueStore) fail(ctx context.Context, op, key string, err error) {
	err = internal.ClassifyRedisError(s.keyGen.Key(key), err)
	s.metrics.RecordError(key)

	if ctx.Err() != nil {
		s.logger.Debug("cache operation abandoned by caller",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err))
		return
	}
	s.conn.ReportError(err)

	if internal.IsConnectionClass(err) {
		s.logger.Warn("cache operation failed, store unreachable",
			zap.String("op", op),
			zap.String("key", key),
			zap.Error(err))
		return
	}
	s.logger.Error("cache operation failed",
		zap.String("op", op),
		zap.String("key", key),
		zap.Error(err))
}

func firstKey(keys []string) string {
	if len(keys) == 0 {
		return ""
	}
	return keys[0]
}
