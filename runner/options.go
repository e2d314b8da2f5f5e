package runner

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openmeasurement/mpcmeasure/mpc"
	"github.com/openmeasurement/mpcmeasure/mpc/transport"
)

// CommonOptions is the flag set every measurement binary shares.
type CommonOptions struct {
	Party            int
	ServerIP         string
	Port             int
	InputBasePath    string
	OutputBasePath   string
	FileStartIndex   int
	NumFiles         int
	UsePostfix       bool
	Concurrency      int
	UseXorEncryption bool
	InputEncryption  int
	UseTLS           bool
	TLSDir           string
}

// Bind registers the common flags on cmd.
func (o *CommonOptions) Bind(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.IntVar(&o.Party, "party", 1, "1 = publisher, 2 = partner")
	flags.StringVar(&o.ServerIP, "server_ip", "127.0.0.1", "peer address (partner side)")
	flags.IntVar(&o.Port, "port", 5000, "base port; worker w uses port + 100*w")
	flags.StringVar(&o.InputBasePath, "input_base_path", "", "input file base path")
	flags.StringVar(&o.OutputBasePath, "output_base_path", "", "output file base path")
	flags.IntVar(&o.FileStartIndex, "file_start_index", 0, "first shard index")
	flags.IntVar(&o.NumFiles, "num_files", 1, "number of shard files")
	flags.BoolVar(&o.UsePostfix, "use_postfix", false, "append _<i> to the base paths")
	flags.IntVar(&o.Concurrency, "concurrency", 1, "number of parallel workers")
	flags.BoolVar(&o.UseXorEncryption, "use_xor_encryption", false, "reveal outputs as XOR shares")
	flags.IntVar(&o.InputEncryption, "input_encryption", 0, "0 = plaintext, 1 = partner-xor, 2 = xor")
	flags.BoolVar(&o.UseTLS, "useTls", false, "connect over TLS")
	flags.StringVar(&o.TLSDir, "tlsDir", "", "directory holding cert.pem, key.pem, passphrase.pem, ca_cert.pem")
}

// Validate checks the common flag invariants.
func (o *CommonOptions) Validate() error {
	if o.Party != 1 && o.Party != 2 {
		return fmt.Errorf("%w: invalid party %d", mpc.ErrPolicy, o.Party)
	}
	if o.Concurrency < 1 || o.Concurrency > MaxConcurrency {
		return fmt.Errorf("%w: concurrency must be between 1 and %d", mpc.ErrPolicy, MaxConcurrency)
	}
	if o.InputEncryption < 0 || o.InputEncryption > 2 {
		return fmt.Errorf("%w: invalid input_encryption %d", mpc.ErrPolicy, o.InputEncryption)
	}
	if o.InputBasePath == "" || o.OutputBasePath == "" {
		return fmt.Errorf("%w: input_base_path and output_base_path are required", mpc.ErrPolicy)
	}
	return nil
}

// Role maps the 1-based CLI party to the wire party.
func (o *CommonOptions) Role() mpc.Party {
	return mpc.Party(o.Party - 1)
}

// Encryption maps the input_encryption flag.
func (o *CommonOptions) Encryption() mpc.InputEncryption {
	return mpc.InputEncryption(o.InputEncryption)
}

// TLSConfig returns the TLS material location, or nil when TLS is off.
func (o *CommonOptions) TLSConfig() *transport.TLSConfig {
	if !o.UseTLS {
		return nil
	}
	return &transport.TLSConfig{Dir: o.TLSDir}
}
