// Package display implements the display state machine: debounced sensor
// interpretation, priority-based display command computation, and the
// version-gated per-tenant policy cache.
//
// The state machine never talks to a device. It decides what a display
// should show and caches that decision into the space's debounce record;
// the state manager and the reconciliation loop turn decisions into
// downlinks.
package display

import "fmt"

// Logical display states, one per renderable condition. These are the
// keys of a display's payload table and of a policy's color/blink maps.
const (
	StateOutOfService = "out_of_service"
	StateBlocked      = "blocked"
	StateReserved     = "reserved"
	StateReservedSoon = "reserved_soon"
	StateOccupied     = "occupied"
	StateFree         = "free"
)

// Priority levels, highest priority first. Lower number wins.
const (
	PriorityOutOfService = 1
	PriorityBlocked      = 2
	PriorityReservedNow  = 3
	PriorityReservedSoon = 4
	PrioritySensor       = 5
	PriorityRecentStable = 6
	PriorityDefault      = 7
)

// Command is a computed display decision. It is derived on demand from
// space, reservation, override, and debounce state, and is never
// persisted as primary truth.
type Command struct {
	State         string `json:"state"`
	Color         string `json:"color"`
	Blink         bool   `json:"blink"`
	PriorityLevel int    `json:"priority_level"`
	Reason        string `json:"reason"`
}

// Equal reports whether two commands would render identically.
func (c *Command) Equal(o *Command) bool {
	if c == nil || o == nil {
		return c == o
	}
	return c.State == o.State && c.Color == o.Color && c.Blink == o.Blink
}

func (c *Command) String() string {
	return fmt.Sprintf("%s/%s blink=%t p%d (%s)", c.State, c.Color, c.Blink, c.PriorityLevel, c.Reason)
}
