// Package sensor models register-backed and computed points, the device tree
// that owns them, and the dataflow graph wiring sources to consumers.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"modbus-gateway/internal/register"
)

var (
	ErrUnknownSource = errors.New("sensor: update from unregistered source")
	ErrWrongKind     = errors.New("sensor: update from wrong kind of source")
	ErrDuplicateKey  = errors.New("sensor: duplicate point key")
	ErrAssigned      = errors.New("sensor: point already registered")
)

// ID is a graph-assigned point identifier. Zero means unassigned.
type ID int

// Sample is one timestamped value of a point.
type Sample struct {
	Time   time.Time
	Value  float64
	Text   string
	IsText bool
}

const historySize = 16

// Point holds what raw and computed points share.
type Point struct {
	id ID

	Key       string
	Name      string
	Unit      string
	Scale     float64
	Precision int // digits after the decimal point, <0 leaves the value unrounded
	Interval  time.Duration

	publishable bool
	force       bool

	history [historySize]Sample
	head    int
	filled  int

	device *Device
}

func (p *Point) ID() ID { return p.id }

func (p *Point) Publishable() bool     { return p.publishable }
func (p *Point) SetPublishable(v bool) { p.publishable = v }

// ForceRepublish makes the point due and published on the next cycle regardless of interval.
func (p *Point) ForceRepublish() { p.force = true }

func (p *Point) Forced() bool { return p.force }

// Device is the owning device, nil for computed and external points.
func (p *Point) Device() *Device { return p.device }

// Last returns the most recent sample.
func (p *Point) Last() (Sample, bool) {
	if p.filled == 0 {
		return Sample{}, false
	}
	return p.history[(p.head+historySize-1)%historySize], true
}

// History returns recent samples, oldest first.
func (p *Point) History() []Sample {
	out := make([]Sample, 0, p.filled)
	start := (p.head + historySize - p.filled) % historySize
	for i := 0; i < p.filled; i++ {
		out = append(out, p.history[(start+i)%historySize])
	}
	return out
}

func (p *Point) record(s Sample) {
	p.history[p.head] = s
	p.head = (p.head + 1) % historySize
	if p.filled < historySize {
		p.filled++
	}
	p.force = false
}

// Round applies the point's precision.
func (p *Point) Round(v float64) float64 {
	if p.Precision < 0 {
		return v
	}
	f := math.Pow(10, float64(p.Precision))
	return math.Round(v*f) / f
}

// Format encodes a sample for publishing.
func (p *Point) Format(s Sample) string {
	if s.IsText {
		return s.Text
	}
	return strconv.FormatFloat(s.Value, 'f', p.Precision, 64)
}

// Override carries per-point configuration re-applied on reload.
type Override struct {
	Interval *time.Duration
	Enabled  *bool
	Publish  *bool
}

// RegisterPoint is a point decoded from a register range.
type RegisterPoint struct {
	Point

	UnitID    uint8
	Kind      register.Kind
	Address   uint16
	Count     uint16
	Encoding  register.Encoding
	ByteOrder string

	lastRead time.Time
	read     bool
	retryAt  time.Time
	disabled bool
	invalid  bool
}

// Window is the register range the point occupies.
func (p *RegisterPoint) Window() register.Window {
	return register.Window{Unit: p.UnitID, Kind: p.Kind, Start: p.Address, Count: p.Count}
}

// Due reports whether the point should be read at now.
func (p *RegisterPoint) Due(now time.Time) bool {
	if p.invalid || p.disabled || now.Before(p.retryAt) {
		return false
	}
	return !p.read || p.force || now.Sub(p.lastRead) >= p.Interval
}

// NextDue is when the point next becomes due. Zero means now.
func (p *RegisterPoint) NextDue() time.Time {
	var next time.Time
	if p.read && !p.force {
		next = p.lastRead.Add(p.Interval)
	}
	if p.retryAt.After(next) {
		next = p.retryAt
	}
	return next
}

// ReadFailed records a failed read at: the point is not due again before
// its interval has elapsed, forced or not.
func (p *RegisterPoint) ReadFailed(at time.Time) {
	p.retryAt = at.Add(p.Interval)
}

// Invalidate permanently excludes the point: the device rejected its address.
// It returns false when the point was already invalid.
func (p *RegisterPoint) Invalidate() bool {
	if p.invalid {
		return false
	}
	p.invalid = true
	p.publishable = false
	return true
}

func (p *RegisterPoint) Invalid() bool  { return p.invalid }
func (p *RegisterPoint) Disabled() bool { return p.disabled }

// Apply re-applies a configuration override.
func (p *RegisterPoint) Apply(o Override) {
	if o.Interval != nil && *o.Interval > 0 {
		p.Interval = *o.Interval
	}
	if o.Enabled != nil {
		p.disabled = !*o.Enabled
	}
	if o.Publish != nil && !p.invalid {
		p.publishable = *o.Publish
	}
}

// Decode turns a payload into a scaled, rounded sample and records it.
func (p *RegisterPoint) Decode(payload []byte, at time.Time) (Sample, error) {
	v, err := register.Decode(payload, p.Encoding, p.ByteOrder)
	if err != nil {
		return Sample{}, fmt.Errorf("decode %s: %w", p.Key, err)
	}
	s := Sample{Time: at}
	if v.IsText {
		s.Text, s.IsText = v.Text, true
	} else {
		scale := p.Scale
		if scale == 0 {
			scale = 1
		}
		s.Value = p.Round(v.Number * scale)
	}
	p.record(s)
	p.lastRead, p.read = at, true
	p.retryAt = time.Time{}
	return s, nil
}

// NewRegisterPoint builds a publishable register point. Count defaults to the
// encoding's natural width.
func NewRegisterPoint(key, name string, unitID uint8, kind register.Kind, address, count uint16, enc register.Encoding) *RegisterPoint {
	if count == 0 {
		count = enc.Registers()
	}
	return &RegisterPoint{
		Point:    Point{Key: key, Name: name, Scale: 1, Precision: -1, publishable: true},
		UnitID:   unitID,
		Kind:     kind,
		Address:  address,
		Count:    count,
		Encoding: enc,
	}
}
