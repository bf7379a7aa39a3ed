package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/conclave/internal/kernelerr"
)

func TestParseRelative(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	r, err := Parse(now, "+30m")
	require.NoError(t, err)
	assert.Equal(t, "relative", r.Matched)
	assert.Equal(t, 30*time.Minute, r.Delay)
	assert.Equal(t, now.Add(30*time.Minute), r.Target)

	r, err = Parse(now, "+2h")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, r.Delay)
}

func TestParseNatural(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	r, err := Parse(now, "in 15 minutes")
	require.NoError(t, err)
	assert.Equal(t, "natural", r.Matched)
	assert.Equal(t, 15*time.Minute, r.Delay)

	r, err = Parse(now, "in 1 hour")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, r.Delay)
}

func TestParseAbsolute24Hour(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	r, err := Parse(now, "14:30")
	require.NoError(t, err)
	assert.Equal(t, "absolute_24h", r.Matched)
	assert.Equal(t, 14, r.Target.Hour())
	assert.Equal(t, 30, r.Target.Minute())

	// leading zero disambiguates to 24-hour, not rejected as ambiguous.
	r, err = Parse(now, "09:30")
	require.NoError(t, err)
	assert.Equal(t, "absolute_24h", r.Matched)
}

func TestParseAbsolute24HourInvalidHour(t *testing.T) {
	_, err := Parse(time.Now(), "25:30")
	require.Error(t, err)
	sentinel, ok := kernelerr.SentinelOf(err)
	require.True(t, ok)
	assert.Equal(t, kernelerr.ErrInvalidArgument, sentinel)
}

func TestParseAbsolute12Hour(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	r, err := Parse(now, "2:30pm")
	require.NoError(t, err)
	assert.Equal(t, "absolute_12h", r.Matched)
	assert.Equal(t, 14, r.Target.Hour())

	r, err = Parse(now, "2:30 PM")
	require.NoError(t, err)
	assert.Equal(t, 14, r.Target.Hour())

	r, err = Parse(now, "11am")
	require.NoError(t, err)
	assert.Equal(t, 11, r.Target.Hour())
}

func TestParseAmbiguousTime(t *testing.T) {
	now := time.Date(2026, 7, 30, 10, 0, 0, 0, time.UTC)

	_, err := Parse(now, "2:30")
	require.Error(t, err)
	sentinel, ok := kernelerr.SentinelOf(err)
	require.True(t, ok)
	assert.Equal(t, kernelerr.ErrAmbiguousTime, sentinel)
}

func TestParseRejectsUnrecognizedExpression(t *testing.T) {
	_, err := Parse(time.Now(), "whenever")
	require.Error(t, err)
}

func TestParseRejectsDelayOutOfBounds(t *testing.T) {
	_, err := Parse(time.Now(), "+0m")
	require.Error(t, err)

	_, err = Parse(time.Now(), "in 25 hours")
	require.Error(t, err)
}

func TestParseAbsoluteRollsOverToTomorrow(t *testing.T) {
	now := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)

	r, err := Parse(now, "01:00")
	require.NoError(t, err)
	assert.Equal(t, now.Day()+1, r.Target.Day())
}
