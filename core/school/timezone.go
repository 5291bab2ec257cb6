package school

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/rollcall/core"
)

const fallbackTimezone = "UTC"

// ResolveTimezone picks the school timezone, then the global default, then UTC.
// Invalid names are skipped as if they were empty.
func ResolveTimezone(schoolTZ, globalTZ string) *time.Location {
	for _, name := range []string{schoolTZ, globalTZ, fallbackTimezone} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}

// ResolveCutoff picks the school finalization cutoff, falling back to the global one.
func ResolveCutoff(schoolCutoff, globalCutoff string) string {
	if c := strings.TrimSpace(schoolCutoff); c != "" {
		return c
	}
	return strings.TrimSpace(globalCutoff)
}

// ParseClock parses a 24h "HH:MM" or "HH:MM:SS" time of day.
func ParseClock(s string) (hour, min, sec int, err error) {
	s = strings.TrimSpace(s)
	layout := "15:04"
	if strings.Count(s, ":") == 2 {
		layout = "15:04:05"
	}
	t, err := time.Parse(layout, s)
	if err != nil {
		return 0, 0, 0, errors.Errorf("invalid time of day %q", s)
	}
	return t.Hour(), t.Minute(), t.Second(), nil
}

// ParseDateKey parses a YYYY-MM-DD date as midnight in loc.
func ParseDateKey(dateKey string, loc *time.Location) (time.Time, error) {
	t, err := time.ParseInLocation(core.DateKeyLayout, dateKey, loc)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "parsing date %q", dateKey)
	}
	return t, nil
}

// LocalMoment is the instant at which the given clock time occurs on dateKey in loc.
func LocalMoment(dateKey, clock string, loc *time.Location) (time.Time, error) {
	day, err := ParseDateKey(dateKey, loc)
	if err != nil {
		return time.Time{}, err
	}
	h, m, s, err := ParseClock(clock)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, s, 0, loc), nil
}

// DateKey is the calendar date of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	return t.In(loc).Format(core.DateKeyLayout)
}

// Locator resolves a school's location through a small bounded cache.
// Only immutable lookups are cached: timezone and display name.
type Locator struct {
	dir      Directory
	globalTZ string
	cache    *infoCache
}

type Info struct {
	ID       string
	Name     string
	Location *time.Location
}

func NewLocator(dir Directory, globalTZ string, size int, ttl time.Duration) *Locator {
	return &Locator{dir: dir, globalTZ: globalTZ, cache: newInfoCache(size, ttl)}
}

func (l *Locator) Info(ctx context.Context, schoolID string) (Info, error) {
	if info, ok := l.cache.get(schoolID); ok {
		return info, nil
	}
	sch, err := l.dir.GetSchool(ctx, schoolID)
	if err != nil {
		return Info{}, errors.Wrap(err, "getting school")
	}
	info := l.InfoFor(sch)
	l.cache.put(schoolID, info)
	return info, nil
}

// InfoFor builds the cached view of an already loaded school.
func (l *Locator) InfoFor(sch School) Info {
	return Info{ID: sch.ID, Name: sch.Name, Location: ResolveTimezone(sch.Timezone, l.globalTZ)}
}

func (l *Locator) Location(ctx context.Context, schoolID string) (*time.Location, error) {
	info, err := l.Info(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	return info.Location, nil
}

// Invalidate drops a cached school, eg: after its settings changed.
func (l *Locator) Invalidate(schoolID string) {
	l.cache.remove(schoolID)
}
