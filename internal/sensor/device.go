package sensor

import (
	"strings"
	"sync"
	"sync/atomic"
)

// Online is the availability state of a device.
type Online int32

const (
	Pending Online = iota
	On
	Off
)

func (o Online) String() string {
	switch o {
	case On:
		return "online"
	case Off:
		return "offline"
	default:
		return "pending"
	}
}

// Tags is a set of capability tags.
type Tags map[string]struct{}

// NewTags builds a tag set. Tags are case-insensitive.
func NewTags(tags ...string) Tags {
	t := make(Tags, len(tags))
	for _, tag := range tags {
		if tag = strings.ToLower(strings.TrimSpace(tag)); tag != "" {
			t[tag] = struct{}{}
		}
	}
	return t
}

// Has reports whether every tag in all is present. An empty query always matches.
func (t Tags) Has(all ...string) bool {
	for _, tag := range all {
		if _, ok := t[strings.ToLower(tag)]; !ok {
			return false
		}
	}
	return true
}

// Device is a node in the device tree. It owns its register points; children
// share its connection.
type Device struct {
	ID           string
	Name         string
	UnitID       uint8
	Capabilities Tags

	points   []*RegisterPoint
	children []*Device
	parent   *Device

	state   atomic.Int32
	offOnce sync.Once
	done    chan struct{}
}

func NewDevice(id, name string, unitID uint8, caps Tags) *Device {
	if caps == nil {
		caps = Tags{}
	}
	return &Device{ID: id, Name: name, UnitID: unitID, Capabilities: caps, done: make(chan struct{})}
}

// AddPoint attaches p to the device.
func (d *Device) AddPoint(p *RegisterPoint) {
	p.device = d
	d.points = append(d.points, p)
}

// AddChild attaches c as a sub-device.
func (d *Device) AddChild(c *Device) {
	c.parent = d
	d.children = append(d.children, c)
}

func (d *Device) Points() []*RegisterPoint { return d.points }
func (d *Device) Children() []*Device      { return d.children }
func (d *Device) Parent() *Device          { return d.parent }

// Walk visits d and its descendants depth first.
func (d *Device) Walk(fn func(*Device)) {
	fn(d)
	for _, c := range d.children {
		c.Walk(fn)
	}
}

// AllPoints returns the points of d and its descendants.
func (d *Device) AllPoints() []*RegisterPoint {
	var out []*RegisterPoint
	d.Walk(func(n *Device) { out = append(out, n.points...) })
	return out
}

func (d *Device) Online() Online { return Online(d.state.Load()) }

// SetOnline updates availability. Off is terminal and cascades to children.
func (d *Device) SetOnline(o Online) {
	if o == Off {
		d.Walk(func(n *Device) {
			n.state.Store(int32(Off))
			n.offOnce.Do(func() { close(n.done) })
		})
		return
	}
	for {
		cur := d.state.Load()
		if Online(cur) == Off || d.state.CompareAndSwap(cur, int32(o)) {
			return
		}
	}
}

// Done is closed once the device goes offline for good.
func (d *Device) Done() <-chan struct{} { return d.done }
