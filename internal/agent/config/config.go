// Package config parses the fleet agent's command-line flags with the
// standard flag package into a single Flags struct.
package config

import "flag"

// Flags holds every agent command-line flag. Values outside the Magic file
// itself (sock file, metrics switch and address, logging, version) live here; anything
// server-relative (token, release ids) lives in the Magic document instead.
type Flags struct {
	MagicFile     string
	SockFile      string
	MetricsEnable bool
	MetricsAddr   string
	Verbose       bool
	ShowVersion   bool
}

// Parse reads os.Args via the standard flag package.
func Parse() *Flags {
	f := &Flags{}
	flag.StringVar(&f.MagicFile, "magic-file", "", "path to the agent's magic.toml (overrides discovery order)")
	flag.StringVar(&f.SockFile, "sock-file", "/var/run/fleet-agent/fleet-agent.sock", "path to the agent's local IPC domain socket")
	flag.BoolVar(&f.MetricsEnable, "metrics-enable", false, "enable prometheus metrics")
	flag.StringVar(&f.MetricsAddr, "metrics-addr", ":8080", "address to listen on for prometheus metrics")
	flag.BoolVar(&f.Verbose, "verbose", false, "enable verbose logging")
	flag.BoolVar(&f.ShowVersion, "version", false, "print the agent version and exit")
	flag.Parse()
	return f
}
