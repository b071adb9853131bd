package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNone(t *testing.T) {
	assert.Equal(t, time.Duration(0), None{}.Delay(5))
}

func TestConstant(t *testing.T) {
	c := Constant{Interval: 5 * time.Second}
	for attempt := 1; attempt <= 5; attempt++ {
		assert.Equal(t, 5*time.Second, c.Delay(attempt))
	}
}

func TestLinear(t *testing.T) {
	l := Linear{Initial: time.Second, Max: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{3, 3 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, l.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential(t *testing.T) {
	e := Exponential{Initial: time.Second, Max: time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{200, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse("", time.Second, 0)
	require.NoError(t, err)
	assert.IsType(t, None{}, s)

	s, err = Parse("exponential", time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, Exponential{Initial: time.Second, Max: time.Minute}, s)

	_, err = Parse("fibonacci", time.Second, 0)
	assert.Error(t, err)
}
