package flow

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// IdentityFor derives a stable browser identity string for an account.
// The same account always presents the same User-Agent upstream; the
// generator is seeded from a hash of the credential prefix, so no shared
// RNG state exists across accounts. Results are memoized.

var identityCache = gocache.New(24*time.Hour, time.Hour)

var chromeVersions = []string{"130.0.0.0", "131.0.0.0", "132.0.0.0", "129.0.0.0"}
var firefoxVersions = []string{"133.0", "132.0", "131.0", "134.0"}
var safariVersions = []string{"18.2", "18.1", "18.0", "17.6"}
var edgeVersions = []string{"130.0.0.0", "131.0.0.0", "132.0.0.0"}

type uaBuilder func(r *rand.Rand) string

var osPools = [][]uaBuilder{
	// Windows
	{
		func(r *rand.Rand) string {
			return fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", pick(r, chromeVersions))
		},
		func(r *rand.Rand) string {
			v := pick(r, firefoxVersions)
			return fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:%s) Gecko/20100101 Firefox/%s", v, v)
		},
		func(r *rand.Rand) string {
			return fmt.Sprintf("Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36 Edg/%s", pick(r, chromeVersions), pick(r, edgeVersions))
		},
	},
	// macOS
	{
		func(r *rand.Rand) string {
			return fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", pick(r, chromeVersions))
		},
		func(r *rand.Rand) string {
			return fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/%s Safari/605.1.15", pick(r, safariVersions))
		},
		func(r *rand.Rand) string {
			v := pick(r, firefoxVersions)
			return fmt.Sprintf("Mozilla/5.0 (Macintosh; Intel Mac OS X 14.%d; rv:%s) Gecko/20100101 Firefox/%s", r.Intn(8), v, v)
		},
	},
	// Linux
	{
		func(r *rand.Rand) string {
			return fmt.Sprintf("Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/%s Safari/537.36", pick(r, chromeVersions))
		},
		func(r *rand.Rand) string {
			v := pick(r, firefoxVersions)
			return fmt.Sprintf("Mozilla/5.0 (X11; Linux x86_64; rv:%s) Gecko/20100101 Firefox/%s", v, v)
		},
		func(r *rand.Rand) string {
			v := pick(r, firefoxVersions)
			return fmt.Sprintf("Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:%s) Gecko/20100101 Firefox/%s", v, v)
		},
	},
}

func pick(r *rand.Rand, pool []string) string {
	return pool[r.Intn(len(pool))]
}

// IdentityFor returns the deterministic User-Agent for an account key.
// The key is the credential prefix; the empty key gets a stable default.
func IdentityFor(accountKey string) string {
	if accountKey == "" {
		accountKey = "anonymous"
	}
	if ua, ok := identityCache.Get(accountKey); ok {
		return ua.(string)
	}

	sum := md5.Sum([]byte(accountKey))
	seed := int64(binary.BigEndian.Uint64(sum[:8]))
	r := rand.New(rand.NewSource(seed))

	pool := osPools[r.Intn(len(osPools))]
	ua := pool[r.Intn(len(pool))](r)

	identityCache.Set(accountKey, ua, gocache.DefaultExpiration)
	return ua
}

// accountKey derives the memoization key from a credential
func accountKey(credential string) string {
	if len(credential) > 16 {
		return credential[:16]
	}
	return credential
}
