// Package attribution implements the private attribution game: matching a
// partner's conversion events to a publisher's ad touchpoints under a
// configurable time-window rule, computed entirely over secret-shared
// values.
package attribution

// Attribution rule names. The publisher selects rules by name; the partner
// learns them through the shared rule-id vector.
const (
	LastClick1D         = "last_click_1d"
	LastClick28D        = "last_click_28d"
	LastTouch1D         = "last_touch_1d"
	LastTouch28D        = "last_touch_28d"
	LastClick2To7D      = "last_click_2_7d"
	LastTouch2To7D      = "last_touch_2_7d"
	LastClick1DTargetID = "last_click_1d_targetid"
)

const (
	secondsInOneDay         = 86400
	secondsInSevenDays      = 7 * secondsInOneDay
	secondsInTwentyEightDay = 28 * secondsInOneDay
)

// ruleIDWidth is the bit width of the shared rule-id vector. Seven rules
// fit in three bits.
const ruleIDWidth = 3

// MaxAdIDs bounds the distinct original ad-id universe so compressed ids
// fit in sixteen bits.
const MaxAdIDs = 65535

// DefaultMaxTouchpoints and DefaultMaxConversions are the per-user array
// caps when the caller does not override them.
const (
	DefaultMaxTouchpoints = 4
	DefaultMaxConversions = 4
)
