package runner

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openmeasurement/mpcmeasure/mpc"
)

func TestIOFilenamesWithPostfix(t *testing.T) {
	inputs, outputs := IOFilenames(3, "/data/in", "/data/out", 4, true)
	require.Equal(t, []string{"/data/in_4", "/data/in_5", "/data/in_6"}, inputs)
	require.Equal(t, []string{"/data/out_4", "/data/out_5", "/data/out_6"}, outputs)
}

func TestIOFilenamesWithoutPostfix(t *testing.T) {
	inputs, outputs := IOFilenames(5, "/data/in", "/data/out", 0, false)
	require.Equal(t, []string{"/data/in"}, inputs)
	require.Equal(t, []string{"/data/out"}, outputs)
}

func TestCommonOptionsValidate(t *testing.T) {
	opts := CommonOptions{Party: 1, Concurrency: 1, InputBasePath: "in", OutputBasePath: "out"}
	require.NoError(t, opts.Validate())
	require.Equal(t, mpc.Publisher, opts.Role())

	opts.Party = 3
	require.ErrorIs(t, opts.Validate(), mpc.ErrPolicy)

	opts.Party = 2
	opts.Concurrency = MaxConcurrency + 1
	require.ErrorIs(t, opts.Validate(), mpc.ErrPolicy)

	opts.Concurrency = 1
	opts.InputEncryption = 3
	require.ErrorIs(t, opts.Validate(), mpc.ErrPolicy)
}
