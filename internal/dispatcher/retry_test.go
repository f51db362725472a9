package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFixedDelayPolicy(t *testing.T) {
	tests := []struct {
		name            string
		maxAttempts     int
		delay           time.Duration
		wantMaxAttempts int
		wantDelay       time.Duration
	}{
		{
			name:            "explicit values",
			maxAttempts:     5,
			delay:           10 * time.Second,
			wantMaxAttempts: 5,
			wantDelay:       10 * time.Second,
		},
		{
			name:            "zero attempts falls back to default",
			maxAttempts:     0,
			delay:           time.Minute,
			wantMaxAttempts: DefaultMaxAttempts,
			wantDelay:       time.Minute,
		},
		{
			name:            "zero delay falls back to default",
			maxAttempts:     4,
			delay:           0,
			wantMaxAttempts: 4,
			wantDelay:       DefaultRetryDelay,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := FixedDelayPolicy(tt.maxAttempts, tt.delay)
			assert.Equal(t, tt.wantMaxAttempts, p.MaxAttempts)

			// Fixed delay regardless of attempt number.
			assert.Equal(t, tt.wantDelay, p.RetryDelay(1))
			assert.Equal(t, tt.wantDelay, p.RetryDelay(7))
		})
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	p := FixedDelayPolicy(3, time.Second)

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestRetryDelayNilBackoff(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	assert.Equal(t, DefaultRetryDelay, p.RetryDelay(1))
}
