package shardcombiner

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

func parseTree(t *testing.T, payload any) *Metric {
	t.Helper()
	buf, err := json.Marshal(payload)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "tree.json")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	m, err := FromJSON(path)
	require.NoError(t, err)
	return m
}

func TestFromJSONTagsNodes(t *testing.T) {
	m := parseTree(t, map[string]any{
		"a": 1,
		"b": []any{2, 3},
		"c": map[string]any{"d": 4},
	})
	require.Equal(t, DictMetric, m.Type())
	require.Equal(t, ValueMetric, m.At("a").Type())
	require.Equal(t, ListMetric, m.At("b").Type())
	require.Equal(t, int64(3), m.At("b").List()[1].Value())
	require.Equal(t, int64(4), m.At("c").At("d").Value())
}

func TestFromJSONRejectsStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a": "oops"}`), 0o644))
	_, err := FromJSON(path)
	require.ErrorIs(t, err, mpc.ErrSchema)
}

func TestAccumulateDoublesWhenCombinedWithItself(t *testing.T) {
	payload := map[string]any{"x": 5, "v": []any{1, 2}}
	lhs := parseTree(t, payload)
	rhs := parseTree(t, payload)

	require.NoError(t, Accumulate(lhs, rhs))
	require.Equal(t, int64(10), lhs.At("x").Value())
	require.Equal(t, int64(2), lhs.At("v").List()[0].Value())
	require.Equal(t, int64(4), lhs.At("v").List()[1].Value())
}

func TestAccumulateCarriesDisjointKeys(t *testing.T) {
	lhs := parseTree(t, map[string]any{"a": 1})
	rhs := parseTree(t, map[string]any{"b": 2})

	require.NoError(t, Accumulate(lhs, rhs))
	require.Equal(t, int64(1), lhs.At("a").Value())
	require.Equal(t, int64(2), lhs.At("b").Value())
}

func TestAccumulateTypeMismatchIsFatal(t *testing.T) {
	lhs := parseTree(t, map[string]any{"a": 1})
	rhs := parseTree(t, map[string]any{"a": []any{1}})
	require.ErrorIs(t, Accumulate(lhs, rhs), mpc.ErrSchema)
}

func TestNewLikeZeroesShape(t *testing.T) {
	src := parseTree(t, map[string]any{"a": 7, "b": []any{1, 2, 3}})
	zero := NewLike(src)
	require.Equal(t, int64(0), zero.At("a").Value())
	require.Len(t, zero.At("b").List(), 3)
	require.Equal(t, int64(0), zero.At("b").List()[2].Value())
}
