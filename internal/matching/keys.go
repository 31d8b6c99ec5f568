package matching

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Cache key namespaces. Tag invalidation and namespace flushes rely on these
// prefixes staying stable.
const (
	profileKeyPrefix    = "matchd:profile:"
	candidatesKeyPrefix = "matchd:candidates:"
	compatKeyPrefix     = "matchd:compat:"
	responseKeyPrefix   = "matchd:response:"
)

func profileKey(userID string) string {
	return profileKeyPrefix + userID
}

func radiusCandidatesKey(userID string, radiusKm float64) string {
	return fmt.Sprintf("%sradius:%s:%g", candidatesKeyPrefix, userID, radiusKm)
}

func demographicCandidatesKey(interestedIn string, minAge, maxAge int) string {
	return fmt.Sprintf("%sdemo:%s:%d-%d", candidatesKeyPrefix, interestedIn, minAge, maxAge)
}

// pairKey is order-independent: (a,b) and (b,a) share one compatibility
// entry.
func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return compatKeyPrefix + a + ":" + b
}

// userTag groups every cache entry touching one user for tag invalidation.
func userTag(userID string) string {
	return "user:" + userID
}

// responseKey fingerprints the requester plus the full filter and option set
// so every distinct page shape caches independently. Cache-control options
// are excluded: they alter cache behavior, not page content.
func responseKey(userID string, filters Filters, opts Options, offset int) string {
	digest := xxhash.New()
	_, _ = digest.WriteString(userID)

	rawFilters, _ := json.Marshal(filters)
	_, _ = digest.Write(rawFilters)

	_, _ = digest.WriteString(strings.Join([]string{
		string(opts.SortBy),
		strconv.Itoa(opts.Limit),
		strconv.Itoa(offset),
	}, "|"))

	return responseKeyPrefix + strconv.FormatUint(digest.Sum64(), 16)
}
