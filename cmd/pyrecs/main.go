// Command pyrecs runs and drives the instrument: an HTTP control server, and
// one-shot drive, scan, peak and archive commands.
package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/ncnr/pyrecs/internal/monitoring"
	"github.com/ncnr/pyrecs/internal/version"
)

// CLI is the root command line.
type CLI struct {
	Config  string `short:"c" help:"Instrument configuration file (.yaml or .json)" default:"instrument.yaml" env:"PYRECS_CONFIG" type:"path"`
	Verbose bool   `short:"v" help:"Enable debug logging"`
	Dev     bool   `help:"Human readable console logs" env:"PYRECS_DEV"`

	Version kong.VersionFlag `help:"Print the version and exit"`

	Serve    ServeCmd    `cmd:"" help:"Serve the instrument over HTTP"`
	State    StateCmd    `cmd:"" help:"Print the instrument state"`
	Drive    DriveCmd    `cmd:"" help:"Drive motors, e.g. pyrecs drive a3=10 a4=20"`
	Scan     ScanCmd     `cmd:"" help:"Run a scan from a definition file"`
	FindPeak FindPeakCmd `cmd:"" name:"findpeak" help:"Scan a motor around its position and fit the peak"`
	Migrate  MigrateCmd  `cmd:"" help:"Manage the scan archive schema"`
}

// AfterApply installs the process logger once flags are parsed.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(monitoring.Configure(os.Stderr, c.Dev, level))
	return nil
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pyrecs"),
		kong.Description("Neutron instrument motion and scan control."),
		kong.UsageOnError(),
		kong.Vars{"version": version.String()},
	)
	if err := ctx.Run(&cli); err != nil {
		monitoring.Logger().Error("command failed", "command", ctx.Command(), "error", err)
		os.Exit(1)
	}
}
