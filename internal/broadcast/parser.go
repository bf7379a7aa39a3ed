// Package broadcast implements the Scheduled Broadcast Utility: a
// small hand-written time-expression grammar (no suitable third-party
// natural-time-parsing library appears anywhere in the retrieval pack)
// and delivery of a fixed message to every live session via the
// Reliable Sender.
package broadcast

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/conclave/internal/kernelerr"
)

// minDelay and maxDelay bound every accepted expression: at least one
// minute out, at most 24 hours.
const (
	minDelay = 1 * time.Minute
	maxDelay = 24 * time.Hour
)

// ParseResult is one successfully parsed time expression.
type ParseResult struct {
	Target time.Time
	Delay time.Duration
	Matched string // which grammar alternative matched
}

var (
	relativePattern = regexp.MustCompile(`^\+(\d+)(m|h)$`)
	absolute24Pattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)
	absolute12Pattern = regexp.MustCompile(`(?i)^(\d{1,2})(?::(\d{2}))?\s*(am|pm)$`)
	naturalPattern = regexp.MustCompile(`(?i)^in\s+(\d+)\s+(minute|minutes|hour|hours)$`)
)

// Parse matches input against the grammar's four alternatives in turn
// (relative, natural, 12-hour absolute, 24-hour absolute), resolving
// absolute forms against now, and bounds-checks the resulting delay.
func Parse(now time.Time, input string) (ParseResult, error) {
	input = strings.TrimSpace(input)

	if m := relativePattern.FindStringSubmatch(input); m != nil {
		n, _ := strconv.Atoi(m[1])
		var delay time.Duration
		if m[2] == "m" {
			delay = time.Duration(n) * time.Minute
		} else {
			delay = time.Duration(n) * time.Hour
		}
		return finish(now, delay, "relative")
	}

	if m := naturalPattern.FindStringSubmatch(input); m != nil {
		n, _ := strconv.Atoi(m[1])
		var delay time.Duration
		if strings.HasPrefix(strings.ToLower(m[2]), "minute") {
			delay = time.Duration(n) * time.Minute
		} else {
			delay = time.Duration(n) * time.Hour
		}
		return finish(now, delay, "natural")
	}

	if m := absolute12Pattern.FindStringSubmatch(input); m != nil {
		hh, _ := strconv.Atoi(m[1])
		mm := 0
		if m[2] != "" {
			mm, _ = strconv.Atoi(m[2])
		}
		if hh < 1 || hh > 12 || mm > 59 {
			return ParseResult{}, kernelerr.New(kernelerr.ErrInvalidArgument, "invalid hour or minute")
		}
		pm := strings.EqualFold(m[3], "pm")
		hour24 := hh % 12
		if pm {
			hour24 += 12
		}
		target := nextOccurrence(now, hour24, mm)
		return finish(now, target.Sub(now), "absolute_12h")
	}

	if m := absolute24Pattern.FindStringSubmatch(input); m != nil {
		hourToken, minToken := m[1], m[2]
		hh, _ := strconv.Atoi(hourToken)
		mm, _ := strconv.Atoi(minToken)
		if hh > 23 {
			return ParseResult{}, kernelerr.New(kernelerr.ErrInvalidArgument, "invalid hour")
		}
		if mm > 59 {
			return ParseResult{}, kernelerr.New(kernelerr.ErrInvalidArgument, "invalid minute")
		}
		// A single-digit hour with no am/pm suffix is ambiguous: it
		// could mean this 24-hour slot or an unmarked 12-hour one.
		// A leading zero or an hour past 12 disambiguates in favor
		// of the 24-hour reading.
		if len(hourToken) == 1 && hh >= 1 && hh <= 12 {
			return ParseResult{}, kernelerr.New(kernelerr.ErrAmbiguousTime,
				fmt.Sprintf("%q could be read as a 24-hour or 12-hour time; add am/pm or a leading zero", input))
		}
		target := nextOccurrence(now, hh, mm)
		return finish(now, target.Sub(now), "absolute_24h")
	}

	return ParseResult{}, kernelerr.New(kernelerr.ErrInvalidArgument, fmt.Sprintf("%q does not match any recognized time expression", input))
}

// nextOccurrence returns the next time today or tomorrow at hh:mm.
func nextOccurrence(now time.Time, hh, mm int) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), hh, mm, 0, 0, now.Location())
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}

func finish(now time.Time, delay time.Duration, matched string) (ParseResult, error) {
	if delay < minDelay {
		return ParseResult{}, kernelerr.New(kernelerr.ErrInvalidArgument, "delay too soon: must be at least 1 minute out")
	}
	if delay > maxDelay {
		return ParseResult{}, kernelerr.New(kernelerr.ErrInvalidArgument, "delay exceeds the 24 hour maximum")
	}
	return ParseResult{Target: now.Add(delay), Delay: delay, Matched: matched}, nil
}
