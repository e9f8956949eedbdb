package tokens

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/51f0x/personal-kanban/internal/config"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTestSigner(t *testing.T, cfg config.TokensConfig, clock *fixedClock) *Signer {
	t.Helper()
	s, err := NewSigner(cfg, nil)
	require.NoError(t, err)
	s.now = clock.Now
	return s
}

var testCfg = config.TokensConfig{
	Secret: "0123456789abcdef0123456789abcdef",
	TTL:    time.Hour,
	Issuer: "personal-kanban",
}

func TestIssueVerify(t *testing.T) {
	clock := &fixedClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := newTestSigner(t, testCfg, clock)

	token, expires, err := s.Issue("tok-1", "t1", "u1", "analyze")
	require.NoError(t, err)
	assert.Equal(t, clock.now.Add(time.Hour), expires)

	claims, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", claims.ID)
	assert.Equal(t, "t1", claims.TaskID)
	assert.Equal(t, "u1", claims.Subject)
	assert.Equal(t, "analyze", claims.Action)

	clock.now = clock.now.Add(2 * time.Hour)
	_, err = s.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerify_Rejects(t *testing.T) {
	clock := &fixedClock{now: time.Now()}
	s := newTestSigner(t, testCfg, clock)
	token, _, err := s.Issue("tok-1", "t1", "u1", "analyze")
	require.NoError(t, err)

	other := testCfg
	other.Secret = "ffffffffffffffffffffffffffffffff"
	forger := newTestSigner(t, other, clock)
	forged, _, err := forger.Issue("tok-1", "t1", "u1", "analyze")
	require.NoError(t, err)

	foreign := testCfg
	foreign.Issuer = "someone-else"
	stranger := newTestSigner(t, foreign, clock)
	foreignTok, _, err := stranger.Issue("tok-1", "t1", "u1", "analyze")
	require.NoError(t, err)

	for name, tok := range map[string]string{
		"garbage":       "not.a.jwt",
		"wrong secret":  forged,
		"wrong issuer":  foreignTok,
		"truncated sig": token[:len(token)-4],
	} {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(tok)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestNewSigner_Validates(t *testing.T) {
	_, err := NewSigner(config.TokensConfig{Secret: "short", TTL: time.Hour}, nil)
	assert.Error(t, err)
	_, err = NewSigner(config.TokensConfig{Secret: testCfg.Secret}, nil)
	assert.Error(t, err)
}
