// Package sendwindow decides when a campaign is allowed to send.
package sendwindow

import (
	"time"
	_ "time/tzdata"

	"github.com/sells-group/outreach-engine/internal/model"
)

const clockLayout = "15:04"

// Policy is a parsed, validated form of model.SendSettings.
type Policy struct {
	loc          *time.Location
	start        time.Duration // offset from local midnight
	end          time.Duration
	skipWeekends bool
}

// Parse validates settings and returns the policy they describe. Failures are
// returned as *model.ValidationError.
func Parse(s model.SendSettings) (*Policy, error) {
	v := &model.ValidationError{Entity: "send_settings"}

	start, errStart := time.Parse(clockLayout, s.SendWindowStart)
	if errStart != nil {
		v.Add("send_window_start", "must be HH:MM, got %q", s.SendWindowStart)
	}
	end, errEnd := time.Parse(clockLayout, s.SendWindowEnd)
	if errEnd != nil {
		v.Add("send_window_end", "must be HH:MM, got %q", s.SendWindowEnd)
	}
	if errStart == nil && errEnd == nil && !start.Before(end) {
		v.Add("send_window_end", "must be after send_window_start")
	}

	loc, err := time.LoadLocation(s.Timezone)
	if err != nil || s.Timezone == "" {
		v.Add("timezone", "unknown timezone %q", s.Timezone)
	}
	if s.DailyLimit < 1 {
		v.Add("daily_limit", "must be >= 1")
	}
	if err := v.OrNil(); err != nil {
		return nil, err
	}

	return &Policy{
		loc:          loc,
		start:        sinceMidnight(start),
		end:          sinceMidnight(end),
		skipWeekends: s.SkipWeekends,
	}, nil
}

func sinceMidnight(t time.Time) time.Duration {
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute
}

// Location returns the campaign timezone.
func (p *Policy) Location() *time.Location { return p.loc }

// Allowed reports whether t falls inside the window on a permitted day.
func (p *Policy) Allowed(t time.Time) bool {
	local := t.In(p.loc)
	if p.skipWeekends && isWeekend(local) {
		return false
	}
	midnight := p.StartOfDay(local)
	return !local.Before(p.at(midnight, p.start)) && local.Before(p.at(midnight, p.end))
}

// NextAllowed returns t when it is allowed, otherwise the next window opening.
// The result is always allowed, so NextAllowed(NextAllowed(t)) == NextAllowed(t).
func (p *Policy) NextAllowed(t time.Time) time.Time {
	local := t.In(p.loc)
	// A week always contains a permitted day.
	for i := 0; i < 8; i++ {
		midnight := p.StartOfDay(local)
		if p.skipWeekends && isWeekend(local) {
			local = p.at(nextDay(midnight, p.loc), p.start)
			continue
		}
		open := p.at(midnight, p.start)
		if local.Before(open) {
			return open
		}
		if local.Before(p.at(midnight, p.end)) {
			return local
		}
		local = p.at(nextDay(midnight, p.loc), p.start)
	}
	return local
}

// StartOfDay returns local midnight of t's calendar day in the campaign timezone.
func (p *Policy) StartOfDay(t time.Time) time.Time {
	y, m, d := t.In(p.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, p.loc)
}

// at resolves a wall-clock offset on the day starting at midnight. Building
// the time from fields keeps DST days correct.
func (p *Policy) at(midnight time.Time, offset time.Duration) time.Time {
	y, m, d := midnight.Date()
	return time.Date(y, m, d, int(offset/time.Hour), int(offset%time.Hour/time.Minute), 0, 0, p.loc)
}

func nextDay(midnight time.Time, loc *time.Location) time.Time {
	y, m, d := midnight.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, loc)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// Allowed is a convenience wrapper that parses settings first.
func Allowed(s model.SendSettings, t time.Time) (bool, error) {
	p, err := Parse(s)
	if err != nil {
		return false, err
	}
	return p.Allowed(t), nil
}

// NextAllowed is a convenience wrapper that parses settings first.
func NextAllowed(s model.SendSettings, t time.Time) (time.Time, error) {
	p, err := Parse(s)
	if err != nil {
		return time.Time{}, err
	}
	return p.NextAllowed(t), nil
}
