// Package config builds the validated configuration of a trace merge from
// command-line arguments and the environment.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrHelp is returned by ParseArgs when usage was requested.
var ErrHelp = errors.New("help requested")

// TraceCombineConfig is the validated input of a merge. It is built once and
// passed by value.
type TraceCombineConfig struct {
	GuestFile    string
	HostFile     string
	CombinedFile string

	// UseGuestAbsoluteTime selects GuestClockBootTimeNs, the guest boot
	// time in the host clock.
	UseGuestAbsoluteTime bool
	GuestClockBootTimeNs uint64

	// UseGuestTimeDiff selects GuestTimeDiffNs, added to every guest
	// timestamp as is.
	UseGuestTimeDiff bool
	GuestTimeDiffNs  int64

	// AnchorExpr selects sync anchor events when the offset is derived.
	AnchorExpr string
}

// Mode describes how the guest clock will be reconciled.
func (c TraceCombineConfig) Mode() string {
	switch {
	case c.UseGuestAbsoluteTime:
		return "absolute"
	case c.UseGuestTimeDiff:
		return "time-diff"
	default:
		return "derived"
	}
}

// Validate checks the invariants that do not touch the filesystem.
func (c TraceCombineConfig) Validate() error {
	if c.GuestFile == "" || c.HostFile == "" || c.CombinedFile == "" {
		return fmt.Errorf("guest, host and combined trace files are required")
	}
	if c.UseGuestAbsoluteTime && c.UseGuestTimeDiff {
		return fmt.Errorf("guest clock boot time and --time-diff are mutually exclusive")
	}
	if c.CombinedFile == c.GuestFile || c.CombinedFile == c.HostFile {
		return fmt.Errorf("combined trace file %q would overwrite an input", c.CombinedFile)
	}
	return nil
}

// Usage returns the usage line for programName.
func Usage(programName string) string {
	return fmt.Sprintf("Usage: %s [--time-diff <ns>] [--anchor <expr>] <guestTraceFile> <hostTraceFile> <combinedTraceFile> [guestClockBootTimeNsWhenHostTracingStarted]", programName)
}

// ParseArgs parses command-line arguments. Settings supply defaults that
// flags override; settings may be nil.
// Expected format: program_name [flags] <guest> <host> <combined> [guestClockBootTimeNs]
func ParseArgs(args []string, settings *Settings) (*TraceCombineConfig, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("no arguments provided")
	}
	programName := args[0]

	cfg := &TraceCombineConfig{}
	if settings != nil {
		cfg.AnchorExpr = settings.AnchorExpr
	}

	var positional []string
	for i := 1; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-h" || arg == "--help":
			return nil, ErrHelp

		case arg == "-d" || arg == "--time-diff":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			diff, err := strconv.ParseInt(args[i+1], 10, 64)
			if err != nil {
				return nil, fmt.Errorf("failed to parse guest time diff ns. Provided: [%s]", args[i+1])
			}
			cfg.UseGuestTimeDiff = true
			cfg.GuestTimeDiffNs = diff
			i++

		case arg == "-a" || arg == "--anchor":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires a value", arg)
			}
			cfg.AnchorExpr = args[i+1]
			i++

		case arg == "--":
			positional = append(positional, args[i+1:]...)
			i = len(args)

		case strings.HasPrefix(arg, "-") && len(arg) > 1:
			return nil, fmt.Errorf("unknown flag %s\n%s", arg, Usage(programName))

		default:
			positional = append(positional, arg)
		}
	}

	if len(positional) != 3 && len(positional) != 4 {
		return nil, fmt.Errorf("invalid usage of %s. %s", programName, Usage(programName))
	}
	cfg.GuestFile = positional[0]
	cfg.HostFile = positional[1]
	cfg.CombinedFile = positional[2]

	if len(positional) == 4 {
		bootTime, err := strconv.ParseUint(positional[3], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse guest clock boot time ns. Provided: [%s]", positional[3])
		}
		cfg.UseGuestAbsoluteTime = true
		cfg.GuestClockBootTimeNs = bootTime
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
