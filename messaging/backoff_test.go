package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 100 * time.Millisecond},
		{attempt: 1, want: 100 * time.Millisecond},
		{attempt: 2, want: 200 * time.Millisecond},
		{attempt: 3, want: 400 * time.Millisecond},
		{attempt: 4, want: 800 * time.Millisecond},
		{attempt: 5, want: time.Second},
		{attempt: 30, want: time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_JitterStaysInBand(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Minute, Multiplier: 2, Jitter: 0.3}
	for i := 0; i < 200; i++ {
		d := b.Delay(2)
		assert.GreaterOrEqual(t, d, 1700*time.Millisecond)
		assert.LessOrEqual(t, d, 2300*time.Millisecond)
	}
}

func TestBackoff_ZeroMeansImmediate(t *testing.T) {
	var b Backoff
	assert.True(t, b.IsZero())
	assert.Equal(t, time.Duration(0), b.Delay(3))
	assert.False(t, DefaultBackoff().IsZero())
}

func TestCompareOffsets(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1-0", "1-0", 0},
		{"1-0", "1-1", -1},
		{"2-0", "1-9", 1},
		{"10-0", "9-0", 1},
		{"bogus", "1-0", -1},
		{"1-0", "bogus", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareOffsets(tt.a, tt.b))
		})
	}
}

func TestNextOffset(t *testing.T) {
	assert.Equal(t, "5-1", NextOffset("5-0"))
	assert.Equal(t, 1, CompareOffsets(NextOffset("1700000000000-3"), "1700000000000-3"))
	assert.Equal(t, "0-0", NextOffset("nope"))
}

func TestEnvelope_CloneDoesNotShareMetadata(t *testing.T) {
	env := &Envelope{ID: "1", Kind: "K"}
	env.SetMeta(MetaReplyTo, "responses")
	c := env.Clone()
	c.SetMeta(MetaReplyTo, "other")
	assert.Equal(t, "responses", env.Meta(MetaReplyTo))
	assert.Equal(t, "other", c.Meta(MetaReplyTo))

	var nilEnv *Envelope
	assert.Equal(t, "", nilEnv.Meta(MetaReplyTo))
}
