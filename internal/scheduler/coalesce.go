package scheduler

import (
	"sort"

	"modbus-gateway/internal/register"
	"modbus-gateway/internal/sensor"
)

// Window is a register range read in one transaction and the points it serves.
type Window struct {
	register.Window
	Points []*sensor.RegisterPoint
}

// Coalesce groups points into read windows. Points of the same unit and kind
// join the current window while the gap to it is at most maxGap registers and
// the window stays within MaxReadRegisters. Isolated points always get a
// window of their own and split the run they fall into.
func Coalesce(points []*sensor.RegisterPoint, isolated func(*sensor.RegisterPoint) bool, maxGap uint16) []Window {
	sorted := append([]*sensor.RegisterPoint(nil), points...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.UnitID != b.UnitID {
			return a.UnitID < b.UnitID
		}
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return a.Count < b.Count
	})

	var out []Window
	var cur *Window
	flush := func() {
		if cur != nil {
			out = append(out, *cur)
			cur = nil
		}
	}
	for _, p := range sorted {
		if isolated != nil && isolated(p) {
			flush()
			out = append(out, Window{Window: p.Window(), Points: []*sensor.RegisterPoint{p}})
			continue
		}
		if cur != nil && joinable(cur, p, maxGap) {
			if end := uint32(p.Address) + uint32(p.Count); end > cur.End() {
				cur.Count = uint16(end - uint32(cur.Start))
			}
			cur.Points = append(cur.Points, p)
			continue
		}
		flush()
		cur = &Window{Window: p.Window(), Points: []*sensor.RegisterPoint{p}}
	}
	flush()
	return out
}

func joinable(w *Window, p *sensor.RegisterPoint, maxGap uint16) bool {
	if w.Unit != p.UnitID || w.Kind != p.Kind {
		return false
	}
	if uint32(p.Address) > w.End()+uint32(maxGap) {
		return false
	}
	end := uint32(p.Address) + uint32(p.Count)
	if end < w.End() {
		end = w.End()
	}
	return end-uint32(w.Start) <= uint32(register.MaxReadRegisters)
}
