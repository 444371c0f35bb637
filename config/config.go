// Package config loads the flag-driven configuration for the
// veloclient-bench command line tool.
package config

import (
	"flag"
	"os"
)

// Config holds the benchmark harness's command line configuration.
type Config struct {
	Target                  string
	Concurrency             int
	RequestsPerConn         int
	MaxConnectionsPerHost   int
	MaxStreamsPerConnection int
	IdleTimeoutMs           int64
	ConnectTimeoutMs        int64
	DNSCacheTTLMs           int64
	ReactorMaxEvents        int
	Insecure                bool
}

// New parses command line flags (with PORT-style env var overrides) into a
// Config.
func New() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.Target, "target", "https://example.com", "target URL to benchmark")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "number of concurrent logical requesters")
	flag.IntVar(&cfg.RequestsPerConn, "requests", 1000, "requests issued by each requester")
	flag.IntVar(&cfg.MaxConnectionsPerHost, "max-conns-per-host", 8, "connection pool ceiling per host")
	flag.IntVar(&cfg.MaxStreamsPerConnection, "max-streams", 100, "stream multiplexing ceiling per connection")
	idleTimeout := flag.Int64("idle-timeout-ms", 60_000, "idle connection eviction timeout")
	connectTimeout := flag.Int64("connect-timeout-ms", 30_000, "connect timeout carried into the pool config (pending connects are not aborted by it)")
	dnsTTL := flag.Int64("dns-cache-ttl-ms", 60_000, "positive DNS cache TTL")
	flag.IntVar(&cfg.ReactorMaxEvents, "reactor-max-events", 1024, "reactor poller event buffer size")
	flag.BoolVar(&cfg.Insecure, "insecure", false, "skip TLS certificate verification")

	flag.Parse()

	cfg.IdleTimeoutMs = *idleTimeout
	cfg.ConnectTimeoutMs = *connectTimeout
	cfg.DNSCacheTTLMs = *dnsTTL

	if target := os.Getenv("VELOCLIENT_TARGET"); target != "" {
		cfg.Target = target
	}

	return cfg
}
