package sensor

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// Rule decides how a computed point reacts to inputs and what it emits.
// Methods are called with the point locked.
type Rule interface {
	Name() string
	observe(c *ComputedPoint, src *Source, value float64, at time.Time)
	compute(c *ComputedPoint, in []float64, at time.Time) (float64, bool)
}

// Op folds input values into one.
type Op string

const (
	OpSum        Op = "sum"
	OpProduct    Op = "product"
	OpDifference Op = "difference"
	OpRatio      Op = "ratio"
	OpAverage    Op = "average"
	OpMin        Op = "min"
	OpMax        Op = "max"
)

func ParseOp(s string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimSpace(s)))
	switch op {
	case OpSum, OpProduct, OpDifference, OpRatio, OpAverage, OpMin, OpMax:
		return op, nil
	case "":
		return OpSum, nil
	}
	return "", fmt.Errorf("sensor: unknown operation %q", s)
}

// Apply folds in. Division by zero and empty input yield ok=false.
func (op Op) Apply(in []float64) (float64, bool) {
	if len(in) == 0 {
		return 0, false
	}
	acc := in[0]
	for _, v := range in[1:] {
		switch op {
		case OpSum, OpAverage:
			acc += v
		case OpProduct:
			acc *= v
		case OpDifference:
			acc -= v
		case OpRatio:
			if v == 0 {
				return 0, false
			}
			acc /= v
		case OpMin:
			acc = math.Min(acc, v)
		case OpMax:
			acc = math.Max(acc, v)
		}
	}
	if op == OpAverage {
		acc /= float64(len(in))
	}
	return acc, true
}

// Transform emits a pure function of its mandatory sources.
type Transform struct {
	Op Op
}

func (t *Transform) Name() string { return "transform:" + string(t.Op) }

func (t *Transform) observe(*ComputedPoint, *Source, float64, time.Time) {}

func (t *Transform) compute(_ *ComputedPoint, in []float64, _ time.Time) (float64, bool) {
	return t.Op.Apply(in)
}

// FailoverRule aggregates the primaries that reported within Silence. A
// primary silent for longer drops out of the aggregate; once every primary is
// silent the failover sources replace them, until any primary reports again.
// Primaries that never reported count as seen at the first update.
type FailoverRule struct {
	Op      Op
	Silence time.Duration

	since  time.Time
	seen   map[ID]time.Time
	active bool
}

func (f *FailoverRule) Name() string { return "failover:" + string(f.Op) }

// Active reports whether failover sources are currently in use.
func (f *FailoverRule) Active() bool { return f.active }

func (f *FailoverRule) observe(c *ComputedPoint, src *Source, _ float64, at time.Time) {
	if f.seen == nil {
		f.since = at
		f.seen = make(map[ID]time.Time)
	}
	if src.Role == Primary {
		f.seen[src.ID] = at
	}
	live := 0
	for _, s := range c.sources {
		if s.Role != Primary {
			continue
		}
		last, ok := f.seen[s.ID]
		if !ok {
			last = f.since
		}
		fresh := at.Sub(last) <= f.Silence
		if fresh {
			live++
		}
		c.enable(s, fresh)
	}
	f.active = live == 0
	c.setEnabled(Failover, f.active)
}

func (f *FailoverRule) compute(_ *ComputedPoint, in []float64, _ time.Time) (float64, bool) {
	return f.Op.Apply(in)
}

// AccountingState is the persisted state of an accounting point.
type AccountingState struct {
	Baseline float64
	Day      string
	Last     float64
}

// StateStore persists accounting state across restarts.
type StateStore interface {
	LoadAccounting(key string) (AccountingState, bool, error)
	SaveAccounting(key string, st AccountingState) error
}

// Period selects daily or lifetime accounting.
type Period int

const (
	Daily Period = iota
	Lifetime
)

// Accounting tracks an ever-increasing counter. Daily emits the difference
// from the value seen at the last local-midnight rollover. Lifetime emits the
// counter itself but never a value below the last one emitted.
type Accounting struct {
	Period   Period
	Location *time.Location

	key     string
	store   StateStore
	onError func(error)

	mu       sync.Mutex
	baseline float64
	day      string
	based    bool
	last     float64
	seen     bool
	saved    time.Time
}

// saveEvery bounds how often the running counter value is persisted.
const saveEvery = time.Minute

const dayLayout = "2006-01-02"

func (a *Accounting) Name() string {
	if a.Period == Lifetime {
		return "lifetime"
	}
	return "daily"
}

func (a *Accounting) loc() *time.Location {
	if a.Location == nil {
		return time.Local
	}
	return a.Location
}

// Bind attaches persistence and restores any saved state. A baseline saved on
// an earlier day is replaced by the last counter value seen before shutdown.
func (a *Accounting) Bind(key string, store StateStore, now time.Time, onError func(error)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.key, a.store, a.onError = key, store, onError
	if store == nil {
		return nil
	}
	st, ok, err := store.LoadAccounting(key)
	if err != nil || !ok {
		return err
	}
	a.last, a.seen = st.Last, true
	today := now.In(a.loc()).Format(dayLayout)
	switch {
	case st.Day == today:
		a.baseline, a.day, a.based = st.Baseline, st.Day, true
	case st.Last > 0:
		a.baseline, a.day, a.based = st.Last, today, true
	}
	return nil
}

// Baseline returns the current daily baseline.
func (a *Accounting) Baseline() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.baseline, a.based
}

// Rollover sets the baseline to the latest counter value. It runs at local midnight.
func (a *Accounting) Rollover(at time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.day = at.In(a.loc()).Format(dayLayout)
	if a.seen {
		a.baseline, a.based = a.last, true
	} else {
		a.based = false
	}
	a.saveLocked(at, true)
}

func (a *Accounting) saveLocked(at time.Time, force bool) {
	if a.store == nil || (!force && at.Sub(a.saved) < saveEvery) {
		return
	}
	a.saved = at
	err := a.store.SaveAccounting(a.key, AccountingState{Baseline: a.baseline, Day: a.day, Last: a.last})
	if err != nil && a.onError != nil {
		a.onError(fmt.Errorf("save %s: %w", a.key, err))
	}
}

func (a *Accounting) observe(*ComputedPoint, *Source, float64, time.Time) {}

func (a *Accounting) compute(_ *ComputedPoint, in []float64, at time.Time) (float64, bool) {
	v, ok := OpSum.Apply(in)
	if !ok {
		return 0, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.Period == Lifetime {
		if a.seen && v < a.last {
			return 0, false
		}
		a.last, a.seen = v, true
		a.saveLocked(at, false)
		return v, true
	}

	a.last, a.seen = v, true
	fresh := !a.based
	if fresh {
		a.baseline, a.based = v, true
		a.day = at.In(a.loc()).Format(dayLayout)
	}
	a.saveLocked(at, fresh)
	if v < a.baseline {
		return 0, true
	}
	return v - a.baseline, true
}

// NextMidnight returns the first local midnight strictly after t.
func NextMidnight(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, loc)
}
