package token_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/pysiyou/atlas-sub001/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// makeToken builds an unsigned bearer token carrying the given claims.
// The codec never verifies signatures, so a fixed placeholder suffices.
func makeToken(t *testing.T, claims map[string]any) string {
	t.Helper()

	header, err := json.Marshal(map[string]string{"alg": "none", "typ": "JWT"})
	require.NoError(t, err)
	payload, err := json.Marshal(claims)
	require.NoError(t, err)

	enc := base64.RawURLEncoding
	return enc.EncodeToString(header) + "." + enc.EncodeToString(payload) + ".sig"
}

func withNow(t *testing.T, now time.Time) {
	t.Helper()
	token.NowTimeFunc = func() time.Time { return now }
	t.Cleanup(func() { token.NowTimeFunc = time.Now })
}

func TestDecode(t *testing.T) {
	now := time.Now().Truncate(time.Second)

	t.Run("iat and exp", func(t *testing.T) {
		raw := makeToken(t, map[string]any{
			"iat": now.Unix(),
			"exp": now.Add(10 * time.Minute).Unix(),
		})
		claims := token.Decode(raw)
		require.NotNil(t, claims)
		require.NotNil(t, claims.IssuedAt)
		require.NotNil(t, claims.ExpiresAt)
		assert.Equal(t, now.Unix(), claims.IssuedAt.Unix())
		assert.Equal(t, now.Add(10*time.Minute).Unix(), claims.ExpiresAt.Unix())
	})

	t.Run("missing claims decode as absent", func(t *testing.T) {
		raw := makeToken(t, map[string]any{"sub": "user-1"})
		claims := token.Decode(raw)
		require.NotNil(t, claims)
		assert.Nil(t, claims.IssuedAt)
		assert.Nil(t, claims.ExpiresAt)
	})

	t.Run("malformed input", func(t *testing.T) {
		for name, raw := range map[string]string{
			"empty":              "",
			"whitespace":         "   ",
			"wrong segments":     "only-one-segment",
			"two segments":       "a.b",
			"invalid base64":     "!!!.???.sig",
			"payload not object": base64.RawURLEncoding.EncodeToString([]byte("{}")) + "." + base64.RawURLEncoding.EncodeToString([]byte("[1,2]")) + ".sig",
		} {
			assert.Nil(t, token.Decode(raw), name)
		}
	})
}

func TestIsExpired(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	withNow(t, now)

	t.Run("expires inside buffer", func(t *testing.T) {
		raw := makeToken(t, map[string]any{"exp": now.Add(30 * time.Second).Unix()})
		assert.True(t, token.IsExpired(raw, token.DefaultExpiryBuffer))
	})

	t.Run("expires outside buffer", func(t *testing.T) {
		raw := makeToken(t, map[string]any{"exp": now.Add(120 * time.Second).Unix()})
		assert.False(t, token.IsExpired(raw, token.DefaultExpiryBuffer))
	})

	t.Run("undecodable counts as expired", func(t *testing.T) {
		assert.True(t, token.IsExpired("not-a-token", token.DefaultExpiryBuffer))
	})

	t.Run("missing expiry counts as expired", func(t *testing.T) {
		raw := makeToken(t, map[string]any{"iat": now.Unix()})
		assert.True(t, token.IsExpired(raw, token.DefaultExpiryBuffer))
	})
}

func TestProactiveRefreshDelay(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	withNow(t, now)

	t.Run("midpoint of validity window", func(t *testing.T) {
		raw := makeToken(t, map[string]any{
			"iat": now.Unix(),
			"exp": now.Add(10 * time.Minute).Unix(),
		})
		delay, ok := token.ProactiveRefreshDelay(raw)
		require.True(t, ok)
		assert.Equal(t, 5*time.Minute, delay)
	})

	t.Run("midpoint already passed falls back to fixed delay", func(t *testing.T) {
		raw := makeToken(t, map[string]any{
			"iat": now.Add(-8 * time.Minute).Unix(),
			"exp": now.Add(2 * time.Minute).Unix(),
		})
		delay, ok := token.ProactiveRefreshDelay(raw)
		require.True(t, ok)
		assert.Equal(t, 60*time.Second, delay)
	})

	t.Run("missing iat measures window from now", func(t *testing.T) {
		raw := makeToken(t, map[string]any{"exp": now.Add(10 * time.Minute).Unix()})
		delay, ok := token.ProactiveRefreshDelay(raw)
		require.True(t, ok)
		assert.Equal(t, 5*time.Minute, delay)
	})

	t.Run("no expiry cannot be scheduled", func(t *testing.T) {
		raw := makeToken(t, map[string]any{"iat": now.Unix()})
		_, ok := token.ProactiveRefreshDelay(raw)
		assert.False(t, ok)
	})
}
