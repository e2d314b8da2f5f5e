package attribution

import (
	"fmt"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// Rule is one attribution time-window rule. A rule derives per-touchpoint
// timestamp thresholds (zero for padded touchpoints, so they can never
// attribute) and evaluates a pure boolean circuit over them for each
// (touchpoint, conversion) pair.
type Rule struct {
	ID   uint8
	Name string
	// NumThresholds is the length of the threshold vector the rule emits;
	// the non-publisher needs it to pace the shared inputs.
	NumThresholds int

	thresholdsPlaintext func(tp Touchpoint) [][]uint64
	thresholdsPrivate   func(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt
	attributable        func(tp PrivateTouchpoint, conv PrivateConversion, thresholds []mpc.SecInt) mpc.SecBit
}

// ComputeThresholdsPlaintext derives the threshold lanes from cleartext
// touchpoint data on the publisher. One slice per threshold.
func (r *Rule) ComputeThresholdsPlaintext(tp Touchpoint) [][]uint64 {
	return r.thresholdsPlaintext(tp)
}

// ComputeThresholdsPrivate derives the thresholds inside the computation,
// for inputs that arrived XOR-shared.
func (r *Rule) ComputeThresholdsPrivate(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt {
	return r.thresholdsPrivate(b, tp, isClick, batch)
}

// IsAttributable evaluates the rule circuit for one touchpoint slot against
// one conversion slot.
func (r *Rule) IsAttributable(tp PrivateTouchpoint, conv PrivateConversion, thresholds []mpc.SecInt) mpc.SecBit {
	return r.attributable(tp, conv, thresholds)
}

func windowThresholdPlaintext(tp Touchpoint, window uint64, clicksOnly bool) []uint64 {
	out := make([]uint64, len(tp.Ts))
	for i, ts := range tp.Ts {
		valid := ts > 0
		if clicksOnly {
			valid = valid && tp.IsClick[i]
		}
		if valid {
			out[i] = ts + window
		}
	}
	return out
}

func windowThresholdPrivate(b mpc.Backend, tp PrivateTouchpoint, valid mpc.SecBit, window uint64, batch int) mpc.SecInt {
	zero := mpc.NewPublicInt(b, mpc.WidthTimestamp, make([]uint64, batch))
	offset := mpc.NewPublicInt(b, mpc.WidthTimestamp, repeat(window, batch))
	return zero.Mux(valid, tp.Ts.Add(offset))
}

func repeat(x uint64, n int) []uint64 {
	out := make([]uint64, n)
	for i := range out {
		out[i] = x
	}
	return out
}

func validTouch(b mpc.Backend, tp PrivateTouchpoint, batch int) mpc.SecBit {
	zero := mpc.NewPublicInt(b, mpc.WidthTimestamp, make([]uint64, batch))
	return zero.Lt(tp.Ts)
}

// inWindow is the shared core circuit: tp.ts < conv.ts <= threshold.
func inWindow(tp PrivateTouchpoint, conv PrivateConversion, threshold mpc.SecInt) mpc.SecBit {
	return tp.Ts.Lt(conv.Ts).And(conv.Ts.Le(threshold))
}

var supportedRules = []*Rule{
	{
		ID:   1,
		Name: LastClick1D,
		NumThresholds: 1,
		thresholdsPlaintext: func(tp Touchpoint) [][]uint64 {
			return [][]uint64{windowThresholdPlaintext(tp, secondsInOneDay, true)}
		},
		thresholdsPrivate: func(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt {
			validClick := isClick.IsClick.And(validTouch(b, tp, batch))
			return []mpc.SecInt{windowThresholdPrivate(b, tp, validClick, secondsInOneDay, batch)}
		},
		attributable: func(tp PrivateTouchpoint, conv PrivateConversion, th []mpc.SecInt) mpc.SecBit {
			return inWindow(tp, conv, th[0])
		},
	},
	{
		ID:   2,
		Name: LastClick28D,
		NumThresholds: 1,
		thresholdsPlaintext: func(tp Touchpoint) [][]uint64 {
			return [][]uint64{windowThresholdPlaintext(tp, secondsInTwentyEightDay, true)}
		},
		thresholdsPrivate: func(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt {
			validClick := isClick.IsClick.And(validTouch(b, tp, batch))
			return []mpc.SecInt{windowThresholdPrivate(b, tp, validClick, secondsInTwentyEightDay, batch)}
		},
		attributable: func(tp PrivateTouchpoint, conv PrivateConversion, th []mpc.SecInt) mpc.SecBit {
			return inWindow(tp, conv, th[0])
		},
	},
	{
		ID:   3,
		Name: LastTouch1D,
		NumThresholds: 1,
		thresholdsPlaintext: func(tp Touchpoint) [][]uint64 {
			return [][]uint64{windowThresholdPlaintext(tp, secondsInOneDay, false)}
		},
		thresholdsPrivate: func(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt {
			return []mpc.SecInt{windowThresholdPrivate(b, tp, validTouch(b, tp, batch), secondsInOneDay, batch)}
		},
		attributable: func(tp PrivateTouchpoint, conv PrivateConversion, th []mpc.SecInt) mpc.SecBit {
			return inWindow(tp, conv, th[0])
		},
	},
	{
		// Credit any click within 28 days, otherwise any touch within one
		// day.
		ID:   4,
		Name: LastTouch28D,
		NumThresholds: 2,
		thresholdsPlaintext: func(tp Touchpoint) [][]uint64 {
			return [][]uint64{
				windowThresholdPlaintext(tp, secondsInOneDay, false),
				windowThresholdPlaintext(tp, secondsInTwentyEightDay, true),
			}
		},
		thresholdsPrivate: func(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt {
			valid := validTouch(b, tp, batch)
			validClick := isClick.IsClick.And(valid)
			return []mpc.SecInt{
				windowThresholdPrivate(b, tp, valid, secondsInOneDay, batch),
				windowThresholdPrivate(b, tp, validClick, secondsInTwentyEightDay, batch),
			}
		},
		attributable: func(tp PrivateTouchpoint, conv PrivateConversion, th []mpc.SecInt) mpc.SecBit {
			validConv := tp.Ts.Lt(conv.Ts)
			touchWithinOneDay := conv.Ts.Le(th[0])
			clickWithin28Days := conv.Ts.Le(th[1])
			return validConv.And(touchWithinOneDay.Or(clickWithin28Days))
		},
	},
	{
		// Credit clicks within seven days but more than one day old.
		ID:   5,
		Name: LastClick2To7D,
		NumThresholds: 2,
		thresholdsPlaintext: func(tp Touchpoint) [][]uint64 {
			return [][]uint64{
				windowThresholdPlaintext(tp, secondsInOneDay, true),
				windowThresholdPlaintext(tp, secondsInSevenDays, true),
			}
		},
		thresholdsPrivate: func(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt {
			validClick := isClick.IsClick.And(validTouch(b, tp, batch))
			return []mpc.SecInt{
				windowThresholdPrivate(b, tp, validClick, secondsInOneDay, batch),
				windowThresholdPrivate(b, tp, validClick, secondsInSevenDays, batch),
			}
		},
		attributable: func(tp PrivateTouchpoint, conv PrivateConversion, th []mpc.SecInt) mpc.SecBit {
			validConv := tp.Ts.Lt(conv.Ts)
			afterOneDay := th[0].Lt(conv.Ts)
			withinSevenDays := conv.Ts.Le(th[1])
			return validConv.And(afterOneDay).And(withinSevenDays)
		},
	},
	{
		// Credit clicks in the (1d, 7d] window, otherwise views within one
		// day.
		ID:   6,
		Name: LastTouch2To7D,
		NumThresholds: 3,
		thresholdsPlaintext: func(tp Touchpoint) [][]uint64 {
			viewOneDay := make([]uint64, len(tp.Ts))
			for i, ts := range tp.Ts {
				if ts > 0 && !tp.IsClick[i] {
					viewOneDay[i] = ts + secondsInOneDay
				}
			}
			return [][]uint64{
				windowThresholdPlaintext(tp, secondsInOneDay, true),
				windowThresholdPlaintext(tp, secondsInSevenDays, true),
				viewOneDay,
			}
		},
		thresholdsPrivate: func(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt {
			valid := validTouch(b, tp, batch)
			validClick := isClick.IsClick.And(valid)
			validView := valid.And(isClick.IsClick.Not())
			return []mpc.SecInt{
				windowThresholdPrivate(b, tp, validClick, secondsInOneDay, batch),
				windowThresholdPrivate(b, tp, validClick, secondsInSevenDays, batch),
				windowThresholdPrivate(b, tp, validView, secondsInOneDay, batch),
			}
		},
		attributable: func(tp PrivateTouchpoint, conv PrivateConversion, th []mpc.SecInt) mpc.SecBit {
			validConv := tp.Ts.Lt(conv.Ts)
			clickAfterOneDay := th[0].Lt(conv.Ts)
			clickWithinSevenDays := conv.Ts.Le(th[1])
			touchWithinOneDay := conv.Ts.Le(th[2])
			return validConv.And(clickAfterOneDay.And(clickWithinSevenDays).Or(touchWithinOneDay))
		},
	},
	{
		ID:   7,
		Name: LastClick1DTargetID,
		NumThresholds: 1,
		thresholdsPlaintext: func(tp Touchpoint) [][]uint64 {
			return [][]uint64{windowThresholdPlaintext(tp, secondsInOneDay, true)}
		},
		thresholdsPrivate: func(b mpc.Backend, tp PrivateTouchpoint, isClick PrivateIsClick, batch int) []mpc.SecInt {
			validClick := isClick.IsClick.And(validTouch(b, tp, batch))
			return []mpc.SecInt{windowThresholdPrivate(b, tp, validClick, secondsInOneDay, batch)}
		},
		attributable: func(tp PrivateTouchpoint, conv PrivateConversion, th []mpc.SecInt) mpc.SecBit {
			sameTarget := tp.TargetID.Eq(conv.TargetID)
			sameAction := tp.ActionType.Eq(conv.ActionType)
			return sameTarget.And(sameAction).And(inWindow(tp, conv, th[0]))
		},
	},
}

// RuleFromName resolves a rule by its public name.
func RuleFromName(name string) (*Rule, error) {
	for _, r := range supportedRules {
		if r.Name == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown attribution rule name %q", mpc.ErrPolicy, name)
}

// RuleFromID resolves a rule by the id received through the shared rule-id
// vector.
func RuleFromID(id uint64) (*Rule, error) {
	for _, r := range supportedRules {
		if uint64(r.ID) == id {
			return r, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown attribution rule id %d", mpc.ErrPolicy, id)
}
