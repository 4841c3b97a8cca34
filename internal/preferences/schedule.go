package preferences

import (
	"fmt"
	"time"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

const defaultDigestTime = "09:00"

// Decision says whether a match may be sent now or must wait.
type Decision struct {
	Deferred  bool
	Reason    string
	ReleaseAt time.Time
}

// Decide applies frequency and quiet hours to a match observed at now.
// Digest users always defer to their next digest slot. Immediate users defer
// to the end of an active quiet window.
func Decide(p *models.NotificationPreferences, now time.Time) Decision {
	loc := p.Location()
	if p.Frequency.IsDigest() {
		return Decision{Deferred: true, Reason: models.ReasonDigestPending, ReleaseAt: NextDigestAt(p.Frequency, now, loc)}
	}
	if p.QuietHours != nil && InQuietHours(p.QuietHours, now, loc) {
		return Decision{Deferred: true, Reason: models.ReasonQuietHours, ReleaseAt: QuietEndsAt(p.QuietHours, now, loc)}
	}
	return Decision{}
}

// InQuietHours reports whether t falls inside q, evaluated in loc.
// A window whose start equals its end is empty.
func InQuietHours(q *models.QuietHours, t time.Time, loc *time.Location) bool {
	if q == nil {
		return false
	}
	start, err := clockMinutes(q.Start)
	if err != nil {
		return false
	}
	end, err := clockMinutes(q.End)
	if err != nil || start == end {
		return false
	}
	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()
	if start < end {
		return m >= start && m < end
	}
	return m >= start || m < end
}

// QuietEndsAt returns the first end-of-window instant strictly after t.
func QuietEndsAt(q *models.QuietHours, t time.Time, loc *time.Location) time.Time {
	end, err := clockMinutes(q.End)
	if err != nil {
		return t
	}
	local := t.In(loc)
	next := atClock(local, end)
	if !next.After(local) {
		next = atClock(local.AddDate(0, 0, 1), end)
	}
	return next
}

// NextDigestAt returns the next digest slot strictly after t.
func NextDigestAt(f models.Frequency, t time.Time, loc *time.Location) time.Time {
	clock := f.Time
	if clock == "" {
		clock = defaultDigestTime
	}
	mins, err := clockMinutes(clock)
	if err != nil {
		mins, _ = clockMinutes(defaultDigestTime)
	}
	local := t.In(loc)

	switch f.Mode {
	case models.FrequencyWeeklyDigest:
		ahead := (int(f.Day) - int(local.Weekday()) + 7) % 7
		next := atClock(local.AddDate(0, 0, ahead), mins)
		if !next.After(local) {
			next = atClock(local.AddDate(0, 0, ahead+7), mins)
		}
		return next
	default:
		next := atClock(local, mins)
		if !next.After(local) {
			next = atClock(local.AddDate(0, 0, 1), mins)
		}
		return next
	}
}

func atClock(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, day.Location())
}

func clockMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}
