package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
)

const usage = `Usage: dungeonserver [-config path] [-b] [map]

  -b      start in bot mode
  map     map identifier under game.map_dir (default from config)
`

// errUsage reports a command line that does not match the usage.
var errUsage = errors.New("invalid arguments")

// options is the parsed command line.
type options struct {
	configPath string
	bot        bool
	mapID      string
}

// parseArgs parses the command line. On error the usage has been written to
// stderr.
//
// Postcondition: Returns options, flag.ErrHelp for -h, or an error wrapping errUsage.
func parseArgs(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("dungeonserver", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "config", "", "path to configuration file")
	fs.BoolVar(&opts.bot, "b", false, "start in bot mode")

	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, usage)
		if errors.Is(err, flag.ErrHelp) {
			return options{}, err
		}
		return options{}, fmt.Errorf("%w: %v", errUsage, err)
	}

	switch rest := fs.Args(); len(rest) {
	case 0:
	case 1:
		opts.mapID = rest[0]
	default:
		fmt.Fprint(stderr, usage)
		return options{}, fmt.Errorf("%w: unexpected %q", errUsage, rest[1:])
	}
	return opts, nil
}
