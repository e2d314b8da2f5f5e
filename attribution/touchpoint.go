package attribution

import (
	"github.com/openmeasurement/mpcmeasure/mpc"
)

// Touchpoint holds one touchpoint slot across all rows of a shard, in
// column-batched layout: lane i of every slice belongs to row i. Padded
// entries have Ts == 0 and AdID == 0.
type Touchpoint struct {
	IDs              []int64
	IsClick          []bool
	Ts               []uint64
	OriginalAdID     []uint64
	AdID             []uint64
	TargetID         []uint64
	ActionType       []uint64
	CampaignMetadata []uint64
}

// Conversion holds one conversion slot across all rows, column-batched.
// Padded entries have Ts == 0 and ConvValue == 0.
type Conversion struct {
	Ts           []uint64
	ConvValue    []uint64
	TargetID     []uint64
	ActionType   []uint64
	ConvMetadata []uint64
}

// PrivateTouchpoint is the secret-shared form of a touchpoint slot.
type PrivateTouchpoint struct {
	Ts         mpc.SecInt
	AdID       mpc.SecInt
	TargetID   mpc.SecInt
	ActionType mpc.SecInt
}

// PrivateIsClick carries the click bit separately: it is only needed for
// threshold derivation, not for the attribution circuit itself.
type PrivateIsClick struct {
	IsClick mpc.SecBit
}

// PrivateConversion is the secret-shared form of a conversion slot.
type PrivateConversion struct {
	Ts         mpc.SecInt
	ConvValue  mpc.SecInt
	TargetID   mpc.SecInt
	ActionType mpc.SecInt
}

func shareTouchpoint(b mpc.Backend, enc mpc.InputEncryption, tp Touchpoint) (PrivateTouchpoint, error) {
	var out PrivateTouchpoint
	var err error
	if enc == mpc.Xor {
		if out.Ts, err = mpc.NewSecIntFromShares(b, mpc.WidthTimestamp, tp.Ts); err != nil {
			return out, err
		}
		if out.AdID, err = mpc.NewSecIntFromShares(b, mpc.WidthAdID, tp.AdID); err != nil {
			return out, err
		}
		if out.TargetID, err = mpc.NewSecIntFromShares(b, mpc.WidthID, tp.TargetID); err != nil {
			return out, err
		}
		out.ActionType, err = mpc.NewSecIntFromShares(b, 16, tp.ActionType)
		return out, err
	}
	if out.Ts, err = mpc.NewSecInt(b, mpc.Publisher, mpc.WidthTimestamp, tp.Ts); err != nil {
		return out, err
	}
	if out.AdID, err = mpc.NewSecInt(b, mpc.Publisher, mpc.WidthAdID, tp.AdID); err != nil {
		return out, err
	}
	if out.TargetID, err = mpc.NewSecInt(b, mpc.Publisher, mpc.WidthID, tp.TargetID); err != nil {
		return out, err
	}
	out.ActionType, err = mpc.NewSecInt(b, mpc.Publisher, 16, tp.ActionType)
	return out, err
}

func shareIsClick(b mpc.Backend, enc mpc.InputEncryption, tp Touchpoint) (PrivateIsClick, error) {
	var bit mpc.SecBit
	var err error
	if enc == mpc.Xor {
		bit, err = mpc.NewSecBitFromShares(b, tp.IsClick)
	} else {
		bit, err = mpc.NewSecBit(b, mpc.Publisher, tp.IsClick)
	}
	return PrivateIsClick{IsClick: bit}, err
}

func shareConversion(b mpc.Backend, enc mpc.InputEncryption, conv Conversion) (PrivateConversion, error) {
	var out PrivateConversion
	var err error
	if enc == mpc.PartnerXor || enc == mpc.Xor {
		if out.Ts, err = mpc.NewSecIntFromShares(b, mpc.WidthTimestamp, conv.Ts); err != nil {
			return out, err
		}
		if out.ConvValue, err = mpc.NewSecIntFromShares(b, mpc.WidthValue, conv.ConvValue); err != nil {
			return out, err
		}
		if out.TargetID, err = mpc.NewSecIntFromShares(b, mpc.WidthID, conv.TargetID); err != nil {
			return out, err
		}
		out.ActionType, err = mpc.NewSecIntFromShares(b, 16, conv.ActionType)
		return out, err
	}
	if out.Ts, err = mpc.NewSecInt(b, mpc.Partner, mpc.WidthTimestamp, conv.Ts); err != nil {
		return out, err
	}
	if out.ConvValue, err = mpc.NewSecInt(b, mpc.Partner, mpc.WidthValue, conv.ConvValue); err != nil {
		return out, err
	}
	if out.TargetID, err = mpc.NewSecInt(b, mpc.Partner, mpc.WidthID, conv.TargetID); err != nil {
		return out, err
	}
	out.ActionType, err = mpc.NewSecInt(b, mpc.Partner, 16, conv.ActionType)
	return out, err
}
