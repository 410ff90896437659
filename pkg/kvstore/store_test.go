package kvstore

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fkchat/fkchat/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

// fakeRedis is an in-memory Commands implementation. TTLs are tracked as
// absolute deadlines against a controllable clock.
type fakeRedis struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
	now     time.Time
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		now:     time.Now(),
	}
}

func (f *fakeRedis) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// expireLocked drops keys whose deadline has passed. Callers hold mu.
func (f *fakeRedis) expireLocked() {
	for k, deadline := range f.expires {
		if !deadline.IsZero() && f.now.After(deadline) {
			delete(f.values, k)
			delete(f.expires, k)
		}
	}
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value.(string)
	if expiration > 0 {
		f.expires[key] = f.now.Add(expiration)
	} else {
		f.expires[key] = time.Time{}
	}
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			delete(f.expires, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (f *fakeRedis) TTL(ctx context.Context, key string) *redis.DurationCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	if _, ok := f.values[key]; !ok {
		return redis.NewDurationResult(-2*time.Second, nil)
	}
	deadline := f.expires[key]
	if deadline.IsZero() {
		return redis.NewDurationResult(-1*time.Second, nil)
	}
	return redis.NewDurationResult(deadline.Sub(f.now), nil)
}

func (f *fakeRedis) Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	prefix := strings.TrimSuffix(match, "*")
	var keys []string
	for k := range f.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return redis.NewScanCmdResult(keys, 0, nil)
}

// evalVerify mirrors the compare-and-delete script.
func (f *fakeRedis) evalVerify(keys []string, args ...interface{}) *redis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireLocked()
	v, ok := f.values[keys[0]]
	if !ok {
		return redis.NewCmdResult(int64(-1), nil)
	}
	if v != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	delete(f.values, keys[0])
	delete(f.expires, keys[0])
	return redis.NewCmdResult(int64(1), nil)
}

func (f *fakeRedis) Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.evalVerify(keys, args...)
}

func (f *fakeRedis) EvalSha(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.evalVerify(keys, args...)
}

func (f *fakeRedis) EvalRO(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	return f.evalVerify(keys, args...)
}

func (f *fakeRedis) EvalShaRO(ctx context.Context, sha1 string, keys []string, args ...interface{}) *redis.Cmd {
	return f.evalVerify(keys, args...)
}

func (f *fakeRedis) ScriptExists(ctx context.Context, hashes ...string) *redis.BoolSliceCmd {
	return redis.NewBoolSliceResult([]bool{true}, nil)
}

func (f *fakeRedis) ScriptLoad(ctx context.Context, script string) *redis.StringCmd {
	return redis.NewStringResult("sha", nil)
}

func TestGetSetDel(t *testing.T) {
	s := NewStore(newFakeRedis())
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.Del(ctx, "k"))
	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestCodeIssuanceIsIdempotent(t *testing.T) {
	s := NewStore(newFakeRedis())
	ctx := context.Background()

	first, err := s.GenerateAndStoreCode(ctx, "a@x")
	require.NoError(t, err)
	require.Len(t, first, 6)

	second, err := s.GenerateAndStoreCode(ctx, "a@x")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// A different email gets its own code.
	other, err := s.GenerateAndStoreCode(ctx, "b@x")
	require.NoError(t, err)
	assert.NotEqual(t, first, other)
}

func TestCodeExpiryIssuesFreshCode(t *testing.T) {
	fake := newFakeRedis()
	s := NewStore(fake)
	ctx := context.Background()

	first, err := s.GenerateAndStoreCode(ctx, "a@x")
	require.NoError(t, err)

	fake.advance(CodeTTL + time.Second)

	second, err := s.GenerateAndStoreCode(ctx, "a@x")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyCodeSingleUse(t *testing.T) {
	s := NewStore(newFakeRedis())
	ctx := context.Background()

	code, err := s.GenerateAndStoreCode(ctx, "a@x")
	require.NoError(t, err)

	// Wrong code does not consume.
	assert.ErrorIs(t, s.VerifyCode(ctx, "a@x", "XXXXXX"), ErrValueMismatch)

	// Correct code succeeds exactly once.
	require.NoError(t, s.VerifyCode(ctx, "a@x", code))
	assert.ErrorIs(t, s.VerifyCode(ctx, "a@x", code), ErrValueExpired)
}

func TestVerifyCodeAbsent(t *testing.T) {
	s := NewStore(newFakeRedis())
	assert.ErrorIs(t, s.VerifyCode(context.Background(), "nobody@x", "ABC123"), ErrValueExpired)
}

func TestTokenRecordLifecycle(t *testing.T) {
	s := NewStore(newFakeRedis())
	ctx := context.Background()

	require.NoError(t, s.StoreToken(ctx, "tok-1", "uuid-1", time.Hour))

	uuid, err := s.LookupToken(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", uuid)

	require.NoError(t, s.RevokeToken(ctx, "tok-1"))
	_, err = s.LookupToken(ctx, "tok-1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestPurgeStrayTokens(t *testing.T) {
	fake := newFakeRedis()
	s := NewStore(fake)
	ctx := context.Background()

	// One healthy record with TTL, one stray without.
	require.NoError(t, s.StoreToken(ctx, "good", "u1", time.Hour))
	require.NoError(t, s.Set(ctx, TokenKey("stray"), "u2", 0))

	purged, err := s.PurgeStrayTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = s.LookupToken(ctx, "good")
	assert.NoError(t, err)
	_, err = s.LookupToken(ctx, "stray")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
