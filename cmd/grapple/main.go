// Command grapple is a resumable, parallel HTTP range downloader.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/daveallie/grapple/internal/engine"
	"github.com/daveallie/grapple/internal/grappleerr"
)

// knownKinds lists every sentinel grappleerr value the engine can return.
// An error not matching any of these is a protocol violation the driver
// never anticipated, and is left to panic rather than print-and-exit.
var knownKinds = []error{
	grappleerr.UsageError,
	grappleerr.AlreadyExists,
	grappleerr.ProbeFailed,
	grappleerr.NoRangeSupport,
	grappleerr.UnsupportedAuthScheme,
	grappleerr.MethodRequired,
	grappleerr.BadContentRange,
	grappleerr.PartFailed,
	grappleerr.HTTPStatusNot2xx,
	grappleerr.ContentTooSmall,
}

func main() {
	err := newRootCmd().Execute()
	if err == nil {
		return
	}
	if !isKnown(err) {
		panic(err)
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

func isKnown(err error) bool {
	for _, kind := range knownKinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func newRootCmd() *cobra.Command {
	var opts engine.Options

	cmd := &cobra.Command{
		Use:           "grapple <uri>",
		Short:         "Resumable, parallel HTTP range downloader",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.URL = args[0]
			if opts.PartCount == 0 {
				opts.PartCount = opts.ThreadCount
			}
			return engine.New(opts).Run()
		},
	}

	flags := cmd.Flags()
	flags.IntVar(&opts.ThreadCount, "thread-count", 10, "number of concurrent worker threads (2-20)")
	flags.IntVar(&opts.PartCount, "part-count", 0, "number of parts to split the download into (default: thread-count)")
	flags.StringVar(&opts.Username, "username", "", "HTTP auth username, overrides any URL userinfo")
	flags.StringVar(&opts.Password, "password", "", "HTTP auth password, overrides any URL userinfo")
	flags.IntVar(&opts.ThreadBandwidth, "thread-bandwidth", 0, "per-worker bandwidth cap in KiB/sec (0 = unlimited)")

	return cmd
}
