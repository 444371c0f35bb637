package pool

import (
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// MakeHostKey builds the deterministic "host:port" key used by
// ConnectionPool. Equal inputs always yield byte-equal output. No IDN
// normalization happens at this layer — host is assumed already
// lowercased and validated by the caller.
func MakeHostKey(host string, port uint16) string {
	return host + ":" + strconv.FormatUint(uint64(port), 10)
}

// NormalizeHost is a caller-facing helper that lowercases and converts an
// internationalized hostname to its ASCII (punycode) form, so callers can
// produce a host string MakeHostKey will treat consistently. It is not
// invoked by the pool itself — the key layer does no IDN work of its own.
func NormalizeHost(host string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		return "", err
	}
	return ascii, nil
}
