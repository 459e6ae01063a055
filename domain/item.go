package domain

// Source records where an item came from. It is informational only.
type Source string

const (
	SourceManual   Source = "manual"
	SourceExternal Source = "external"
)

func (s Source) valid() bool {
	return s == "" || s == SourceManual || s == SourceExternal
}

// Item represents a single board entry.
type Item struct {
	ID             string   `json:"id"`
	Source         Source   `json:"source"`
	Callsign       string   `json:"callsign"`
	Waypoint       string   `json:"waypoint"`
	Estimate       string   `json:"estimate"`
	CenterEstimate string   `json:"centerEstimate"`
	Altitude       string   `json:"altitude"`
	Mach           string   `json:"mach"`
	Squawk         string   `json:"squawk"`
	RouteWaypoints []string `json:"routeWaypoints"`
}

func (it Item) clone() Item {
	if it.RouteWaypoints != nil {
		it.RouteWaypoints = append([]string(nil), it.RouteWaypoints...)
	}
	return it
}

// ItemPatch carries the fields a patch may overwrite. Nil fields are left untouched.
// id, source and routeWaypoints are deliberately absent: a patch naming them is malformed.
type ItemPatch struct {
	Callsign       *string `json:"callsign,omitempty"`
	Waypoint       *string `json:"waypoint,omitempty"`
	Estimate       *string `json:"estimate,omitempty"`
	CenterEstimate *string `json:"centerEstimate,omitempty"`
	Altitude       *string `json:"altitude,omitempty"`
	Mach           *string `json:"mach,omitempty"`
	Squawk         *string `json:"squawk,omitempty"`
}

// Empty reports whether the patch names no field at all.
func (p ItemPatch) Empty() bool {
	return p.Callsign == nil && p.Waypoint == nil && p.Estimate == nil &&
		p.CenterEstimate == nil && p.Altitude == nil && p.Mach == nil && p.Squawk == nil
}

func (p ItemPatch) mergeInto(it *Item) {
	if p.Callsign != nil {
		it.Callsign = *p.Callsign
	}
	if p.Waypoint != nil {
		it.Waypoint = *p.Waypoint
	}
	if p.Estimate != nil {
		it.Estimate = *p.Estimate
	}
	if p.CenterEstimate != nil {
		it.CenterEstimate = *p.CenterEstimate
	}
	if p.Altitude != nil {
		it.Altitude = *p.Altitude
	}
	if p.Mach != nil {
		it.Mach = *p.Mach
	}
	if p.Squawk != nil {
		it.Squawk = *p.Squawk
	}
}

// StringPtr returns a pointer to s, handy when building patches.
func StringPtr(s string) *string { return &s }
