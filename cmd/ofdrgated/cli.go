package main

import "flag"

// Options holds CLI options for the daemon.
type Options struct {
	ConfigPath string
	MockMode   bool
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("ofdrgated", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.BoolVar(&opts.MockMode, "mock", false, "Run against simulated devices regardless of config")
	_ = fs.Parse(args)
	return opts
}
