package tone

// Type identifies a recognized call-progress tone.
type Type int

const (
	Unknown Type = iota
	Busy
	Ringback
	Congestion
)

func (t Type) String() string {
	switch t {
	case Busy:
		return "busy"
	case Ringback:
		return "ringback"
	case Congestion:
		return "congestion"
	default:
		return "unknown"
	}
}

// Pattern describes the cadence of a call-progress tone: the inclusive
// on-duration and off-duration ranges, in milliseconds, that a completed
// tone/silence pair must fall within to match.
type Pattern struct {
	Tone   Type
	OnMin  int64
	OnMax  int64
	OffMin int64
	OffMax int64
}

// Matches reports whether the given tone and silence durations fall inside
// the pattern's ranges. Bounds are inclusive on both ends.
func (p Pattern) Matches(onMs, offMs int64) bool {
	return onMs >= p.OnMin && onMs <= p.OnMax &&
		offMs >= p.OffMin && offMs <= p.OffMax
}

// patterns holds the recognized cadences in match priority order: busy,
// then ringback, then congestion. The reference ranges do not overlap, but
// the ordering is preserved so future range edits resolve deterministically.
//
// Durations follow the China/North America 450 Hz call-progress plan:
// busy beeps at roughly 350 ms on / 350 ms off, ringback rings about
// 1 s on / 4 s off, congestion sits in between.
var patterns = []Pattern{
	{Tone: Busy, OnMin: 250, OnMax: 450, OffMin: 250, OffMax: 450},
	{Tone: Ringback, OnMin: 900, OnMax: 1200, OffMin: 3000, OffMax: 5000},
	{Tone: Congestion, OnMin: 600, OnMax: 800, OffMin: 500, OffMax: 900},
}

// Patterns returns a copy of the recognized cadence templates in match
// priority order.
func Patterns() []Pattern {
	out := make([]Pattern, len(patterns))
	copy(out, patterns)
	return out
}

// MatchCadence classifies a completed (on, off) duration pair against the
// known templates, returning the first match in priority order. The second
// return value is false when no template matches.
func MatchCadence(onMs, offMs int64) (Type, bool) {
	for _, p := range patterns {
		if p.Matches(onMs, offMs) {
			return p.Tone, true
		}
	}
	return Unknown, false
}
