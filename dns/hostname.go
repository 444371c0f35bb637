package dns

import "golang.org/x/text/cases"

var foldHostname = cases.Fold()

// normalizeHostname case-folds hostname for use as a cache key. Hostnames
// of any length are folded; cache.store refuses to cache anything longer
// than MaxHostnameLen.
func normalizeHostname(hostname string) string {
	return foldHostname.String(hostname)
}
