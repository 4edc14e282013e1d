package stats

import (
	"sort"
	"time"

	"hallpass/internal/cache"
	"hallpass/pkg/types"
)

const (
	DefaultWindow       = 30
	DefaultSeriesLength = 30
)

// Source supplies the snapshot every statistic is computed from
type Source interface {
	Snapshot() cache.Snapshot
}

// EmailResolver maps an actor identity to a display email, "" when unknown
type EmailResolver interface {
	Email(identity string) string
}

// Engine derives report figures from cached data only, it never reads the network
type Engine struct {
	source   Source
	resolver EmailResolver
	location *time.Location
}

// Option customizes an Engine
type Option func(*Engine)

// WithResolver fills UserActivityStat.Email
func WithResolver(r EmailResolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithLocation sets the zone used to turn departure timestamps into dates
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.location = loc
		}
	}
}

// New creates an engine over source
func New(source Source, opts ...Option) *Engine {
	e := &Engine{source: source, location: time.Local}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// InstructionalDays returns every date with at least one departure anywhere, ascending
func (e *Engine) InstructionalDays() []string {
	return instructionalDays(e.source.Snapshot().Records)
}

func instructionalDays(records map[string]map[string]types.StudentRecords) []string {
	seen := make(map[string]bool)
	for _, byStudent := range records {
		for _, byDate := range byStudent {
			for date, record := range byDate {
				if record.Count() > 0 {
					seen[date] = true
				}
			}
		}
	}
	days := make([]string, 0, len(seen))
	for date := range seen {
		days = append(days, date)
	}
	sort.Strings(days)
	return days
}

// RollingAverage is the mean daily departures of one student over the last window
// instructional days, 0 when there are none
// FUNCTIONAL DISCOVERY: Averaging over instructional days instead of calendar days
// keeps weekends and holidays from diluting the figure
func (e *Engine) RollingAverage(classID, studentID string, window int) float64 {
	if window <= 0 {
		window = DefaultWindow
	}
	snapshot := e.source.Snapshot()
	days := instructionalDays(snapshot.Records)
	if len(days) == 0 {
		return 0
	}
	if len(days) > window {
		days = days[len(days)-window:]
	}

	records := snapshot.Records[classID][studentID]
	total := 0
	for _, date := range days {
		total += records[date].Count()
	}
	return float64(total) / float64(len(days))
}

// UserActivityStats counts departures per actor whose timestamp date lies in
// [startDate, endDate]; every actor ever seen is listed, sorted by total descending
func (e *Engine) UserActivityStats(startDate, endDate string) ([]types.UserActivityStat, error) {
	if _, err := types.ParseDate(startDate, e.location); err != nil {
		return nil, types.NewValidationError("startDate", err)
	}
	if _, err := types.ParseDate(endDate, e.location); err != nil {
		return nil, types.NewValidationError("endDate", err)
	}
	if startDate > endDate {
		return nil, &types.ValidationError{Field: "endDate", Reason: "end date is before start date"}
	}

	byActor := make(map[string]*types.UserActivityStat)
	for _, byStudent := range e.source.Snapshot().Records {
		for _, byDate := range byStudent {
			for date, record := range byDate {
				for _, d := range record.Departures {
					if d.ActorIdentity == "" {
						continue
					}
					stat, ok := byActor[d.ActorIdentity]
					if !ok {
						stat = &types.UserActivityStat{ActorIdentity: d.ActorIdentity, ByDate: map[string]int{}}
						byActor[d.ActorIdentity] = stat
					}

					day := date
					if !d.Timestamp.IsZero() {
						day = types.FormatDate(d.Timestamp.In(e.location))
					}
					if day >= startDate && day <= endDate {
						stat.Total++
						stat.ByDate[day]++
					}
				}
			}
		}
	}

	out := make([]types.UserActivityStat, 0, len(byActor))
	for _, stat := range byActor {
		if e.resolver != nil {
			stat.Email = e.resolver.Email(stat.ActorIdentity)
		}
		out = append(out, *stat)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].ActorIdentity < out[j].ActorIdentity
	})
	return out, nil
}

// DailySeries returns the departure count of one student on each of its last n
// recorded dates, newest first
func (e *Engine) DailySeries(classID, studentID string, n int) []types.DailyCount {
	if n <= 0 {
		n = DefaultSeriesLength
	}
	records := e.source.Snapshot().Records[classID][studentID]
	dates := records.Dates()

	series := make([]types.DailyCount, 0, n)
	for i := len(dates) - 1; i >= 0 && len(series) < n; i-- {
		series = append(series, types.DailyCount{Date: dates[i], Count: records[dates[i]].Count()})
	}
	return series
}
