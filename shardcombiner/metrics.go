// Package shardcombiner reduces per-shard secret-shared result trees into
// a single tree and applies a k-anonymity threshold gate before revealing.
package shardcombiner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

// MetricType tags a Metric node.
type MetricType int

const (
	ValueMetric MetricType = iota
	ListMetric
	DictMetric
)

const metricBitWidth = 64

// Metric is one node of the tagged metric tree: a 64-bit value, a list, or
// a string-keyed dict. A value node optionally carries a secret-shared
// twin, populated lazily from the raw payload when the shards hold XOR
// shares. Each shard owns its subtree; combining mutates the accumulator in
// place.
type Metric struct {
	typ MetricType

	value  int64
	hasSec bool
	sec    mpc.SecInt

	list []*Metric
	dict map[string]*Metric
}

// NewValue returns a value node.
func NewValue(v int64) *Metric { return &Metric{typ: ValueMetric, value: v} }

// NewList returns an empty list node.
func NewList() *Metric { return &Metric{typ: ListMetric} }

// NewDict returns an empty dict node.
func NewDict() *Metric { return &Metric{typ: DictMetric, dict: map[string]*Metric{}} }

// Type returns the node tag.
func (m *Metric) Type() MetricType { return m.typ }

// Value returns the raw payload of a value node.
func (m *Metric) Value() int64 { return m.value }

// SetValue overwrites the raw payload.
func (m *Metric) SetValue(v int64) { m.value = v }

// List returns the children of a list node.
func (m *Metric) List() []*Metric { return m.list }

// PushBack appends to a list node.
func (m *Metric) PushBack(child *Metric) { m.list = append(m.list, child) }

// At returns the child at key of a dict node, or nil.
func (m *Metric) At(key string) *Metric { return m.dict[key] }

// Insert places a child at key of a dict node.
func (m *Metric) Insert(key string, child *Metric) { m.dict[key] = child }

// Keys returns the dict keys in deterministic (sorted) order.
func (m *Metric) Keys() []string {
	keys := make([]string, 0, len(m.dict))
	for k := range m.dict {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// UpdateSecFromRawShare enters the raw payload as this party's XOR share,
// populating the secret twin of every value node in the subtree.
func (m *Metric) UpdateSecFromRawShare(b mpc.Backend) error {
	switch m.typ {
	case ValueMetric:
		sec, err := mpc.NewSecIntFromShares(b, metricBitWidth, []uint64{uint64(m.value)})
		if err != nil {
			return err
		}
		m.sec = sec
		m.hasSec = true
		return nil
	case ListMetric:
		for _, child := range m.list {
			if err := child.UpdateSecFromRawShare(b); err != nil {
				return err
			}
		}
		return nil
	default:
		for _, k := range m.Keys() {
			if err := m.dict[k].UpdateSecFromRawShare(b); err != nil {
				return err
			}
		}
		return nil
	}
}

// UpdateSecFromPublic enters the raw payload as a public constant (used
// for the threshold and the sentinel).
func (m *Metric) UpdateSecFromPublic(b mpc.Backend) {
	m.sec = mpc.NewPublicInt(b, metricBitWidth, []uint64{uint64(m.value)})
	m.hasSec = true
}

// Accumulate adds rhs into lhs: values add, lists add pairwise over equal
// lengths, dicts add keyed with keys present in only one side carried
// through unchanged.
func Accumulate(lhs, rhs *Metric) error {
	if lhs.typ != rhs.typ {
		return fmt.Errorf("%w: cannot combine metric types %d and %d", mpc.ErrSchema, lhs.typ, rhs.typ)
	}
	switch lhs.typ {
	case ValueMetric:
		if lhs.hasSec != rhs.hasSec {
			return fmt.Errorf("%w: cannot combine secret and plaintext values", mpc.ErrSchema)
		}
		if lhs.hasSec {
			lhs.sec = lhs.sec.Add(rhs.sec)
		} else {
			lhs.value += rhs.value
		}
		return nil
	case ListMetric:
		if len(lhs.list) != len(rhs.list) {
			return fmt.Errorf("%w: list lengths differ across shards (%d vs %d)",
				mpc.ErrSchema, len(lhs.list), len(rhs.list))
		}
		for i := range lhs.list {
			if err := Accumulate(lhs.list[i], rhs.list[i]); err != nil {
				return err
			}
		}
		return nil
	default:
		for _, k := range rhs.Keys() {
			if mine, ok := lhs.dict[k]; ok {
				if err := Accumulate(mine, rhs.dict[k]); err != nil {
					return err
				}
			} else {
				lhs.dict[k] = rhs.dict[k]
			}
		}
		return nil
	}
}

// NewLike returns a zero-initialized tree with the shape of rhs.
func NewLike(rhs *Metric) *Metric {
	switch rhs.typ {
	case ValueMetric:
		return NewValue(0)
	case ListMetric:
		out := NewList()
		for _, child := range rhs.list {
			out.PushBack(NewLike(child))
		}
		return out
	default:
		out := NewDict()
		for k, child := range rhs.dict {
			out.dict[k] = NewLike(child)
		}
		return out
	}
}

// condBit is the result of a threshold comparison: a cleartext bool for
// plaintext trees, a secret bit for share trees.
type condBit struct {
	isSec bool
	plain bool
	sec   mpc.SecBit
}

// GreaterOrEqual compares two value nodes.
func (m *Metric) GreaterOrEqual(rhs *Metric) condBit {
	if m.hasSec {
		return condBit{isSec: true, sec: rhs.sec.Le(m.sec)}
	}
	return condBit{plain: m.value >= rhs.value}
}

// Mux keeps the current payload when cond holds, otherwise replaces it with
// newVal.
func (m *Metric) Mux(cond condBit, newVal *Metric) {
	if m.hasSec {
		m.sec = newVal.sec.Mux(cond.sec, m.sec)
		return
	}
	if !cond.plain {
		m.value = newVal.value
	}
}

// FromJSON parses a shard file into a metric tree. Only integers, booleans
// (read as 1 or 0), arrays and objects may appear.
func FromJSON(path string) (*Metric, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot read shard %s: %v", mpc.ErrIO, path, err)
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: cannot parse shard %s: %v", mpc.ErrInputFormat, path, err)
	}
	m, err := fromAny(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: shard %s: %v", mpc.ErrSchema, path, err)
	}
	return m, nil
}

func fromAny(raw any) (*Metric, error) {
	switch v := raw.(type) {
	case json.Number:
		x, err := v.Int64()
		if err != nil {
			return nil, fmt.Errorf("metric value %q is not a 64-bit integer", v.String())
		}
		return NewValue(x), nil
	case []any:
		out := NewList()
		for _, child := range v {
			parsed, err := fromAny(child)
			if err != nil {
				return nil, err
			}
			out.PushBack(parsed)
		}
		return out, nil
	case map[string]any:
		out := NewDict()
		for k, child := range v {
			parsed, err := fromAny(child)
			if err != nil {
				return nil, err
			}
			out.dict[k] = parsed
		}
		return out, nil
	case bool:
		if v {
			return NewValue(1), nil
		}
		return NewValue(0), nil
	default:
		return nil, fmt.Errorf("unsupported metric payload %T: only integers, booleans, arrays and objects are allowed", raw)
	}
}

// RevealJSON reveals the tree under the visibility policy and serializes
// it. Excluded parties receive zeroes; the tree shape is public.
func (m *Metric) RevealJSON(b mpc.Backend, visibility mpc.Visibility) ([]byte, error) {
	raw, err := m.reveal(b, visibility)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(raw, "", "  ")
}

func (m *Metric) reveal(b mpc.Backend, visibility mpc.Visibility) (any, error) {
	switch m.typ {
	case ValueMetric:
		if !m.hasSec {
			if b == nil || visibility.CanSee(b.Role()) {
				return m.value, nil
			}
			return int64(0), nil
		}
		switch visibility {
		case mpc.Public:
			toPub, err := m.sec.OpenTo(mpc.Publisher)
			if err != nil {
				return nil, err
			}
			toPar, err := m.sec.OpenTo(mpc.Partner)
			if err != nil {
				return nil, err
			}
			if b.Role() == mpc.Publisher {
				return int64(toPub[0]), nil
			}
			return int64(toPar[0]), nil
		case mpc.PublisherOnly:
			v, err := m.sec.OpenTo(mpc.Publisher)
			if err != nil {
				return nil, err
			}
			return int64(v[0]), nil
		case mpc.PartnerOnly:
			v, err := m.sec.OpenTo(mpc.Partner)
			if err != nil {
				return nil, err
			}
			return int64(v[0]), nil
		default:
			return int64(0), nil
		}
	case ListMetric:
		out := make([]any, len(m.list))
		for i, child := range m.list {
			v, err := child.reveal(b, visibility)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	default:
		out := map[string]any{}
		for _, k := range m.Keys() {
			v, err := m.dict[k].reveal(b, visibility)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
}
