package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
    ConfigPath string
    Connect    string
    Emergency  string
    MDNSPort   int
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
    fs := flag.NewFlagSet("meshalert-node", flag.ExitOnError)
    var opts Options
    fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
    fs.StringVar(&opts.Connect, "connect", "", "PeerIdentity to dial over the direct transport at startup")
    fs.StringVar(&opts.Emergency, "emergency", "", "Broadcast an emergency alert with this text once connected")
    fs.IntVar(&opts.MDNSPort, "mdns-port", 4533, "Port advertised in the subnet mDNS record")
    _ = fs.Parse(args)
    return opts
}
