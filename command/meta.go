// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package command

import (
	"flag"
	"os"
	"strings"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"
	colorable "github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mitchellh/colorstring"
	"github.com/posener/complete"
)

const (
	// EnvTileschedCLINoColor is an env var that toggles colored UI output.
	EnvTileschedCLINoColor = `TILESCHED_CLI_NO_COLOR`

	// EnvTileschedLogLevel sets the default log level of commands.
	EnvTileschedLogLevel = `TILESCHED_LOG_LEVEL`
)

// FlagSetFlags is an enum to define what flags are present in the
// default FlagSet returned by Meta.FlagSet.
type FlagSetFlags uint

const (
	FlagSetNone    FlagSetFlags = 0
	FlagSetLogging FlagSetFlags = 1 << iota
	FlagSetDefault              = FlagSetLogging
)

// Meta contains the meta-options and functionality that nearly every
// tilesched command inherits.
type Meta struct {
	Ui cli.Ui

	// Whether to not-colorize output
	noColor bool

	// logLevel is the level of the search logs written to stderr.
	logLevel string
}

// FlagSet returns a FlagSet with the common flags that every
// command implements.
func (m *Meta) FlagSet(n string, fs FlagSetFlags) *flag.FlagSet {
	f := flag.NewFlagSet(n, flag.ContinueOnError)

	if fs&FlagSetLogging != 0 {
		f.BoolVar(&m.noColor, "no-color", false, "")
		f.StringVar(&m.logLevel, "log-level", os.Getenv(EnvTileschedLogLevel), "")
	}

	f.SetOutput(&uiErrorWriter{ui: m.Ui})

	return f
}

// AutocompleteFlags returns a set of flag completions for the given flag set.
func (m *Meta) AutocompleteFlags(fs FlagSetFlags) complete.Flags {
	if fs&FlagSetLogging == 0 {
		return nil
	}

	return complete.Flags{
		"-no-color":  complete.PredictNothing,
		"-log-level": complete.PredictSet("trace", "debug", "info", "warn", "error"),
	}
}

// Logger returns the logger used by a command. Logs are written through
// the UI's error stream.
func (m *Meta) Logger() hclog.Logger {
	level := hclog.LevelFromString(m.logLevel)
	if level == hclog.NoLevel {
		level = hclog.Warn
	}
	return hclog.New(&hclog.LoggerOptions{
		Name:   "tilesched",
		Level:  level,
		Output: &uiErrorWriter{ui: m.Ui},
	})
}

func (m *Meta) Colorize() *colorstring.Colorize {
	_, coloredUi := m.Ui.(*cli.ColoredUi)

	return &colorstring.Colorize{
		Colors:  colorstring.DefaultColors,
		Disable: !coloredUi || m.noColor,
		Reset:   true,
	}
}

func (m *Meta) SetupUi(args []string) {
	noColor := os.Getenv(EnvTileschedCLINoColor) != ""

	for _, arg := range args {
		if arg == "-no-color" || arg == "--no-color" {
			noColor = true
		}
	}

	m.Ui = &cli.BasicUi{
		Reader:      os.Stdin,
		Writer:      colorable.NewColorableStdout(),
		ErrorWriter: colorable.NewColorableStderr(),
	}

	// Only use colored UI if not disabled and stdout is a tty.
	if !noColor && isatty.IsTerminal(os.Stdout.Fd()) {
		m.Ui = &cli.ColoredUi{
			ErrorColor: cli.UiColorRed,
			WarnColor:  cli.UiColorYellow,
			InfoColor:  cli.UiColorGreen,
			Ui:         m.Ui,
		}
	}
}

// generalOptionsUsage returns the help string for the global options.
func generalOptionsUsage() string {
	helpText := `
  -log-level=<level>
    Level of the logs written to stderr: trace, debug, info, warn or
    error. Overrides the TILESCHED_LOG_LEVEL environment variable if set.
    Defaults to warn.

  -no-color
    Disables colored command output. Alternatively, TILESCHED_CLI_NO_COLOR
    may be set.
`
	return strings.TrimSpace(helpText)
}
