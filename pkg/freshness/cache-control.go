package freshness

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

// CacheControl implements parsing of the "Cache-Control" header (/field).
type CacheControl struct {
	directives map[string]string
}

// Get returns the value (/argument) of the specified directive,
// along with a boolean indicating whether this directive is present
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

// Has returns whether the specified directive is present
func (c CacheControl) Has(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// ParseCacheControl takes Cache-Control headers as a slice of strings
// and returns an instance of `CacheControl`.
// Directive names are compared case-insensitively; the last definition wins.
func ParseCacheControl(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			name, arg, _ := strings.Cut(directive, "=")
			m[strings.ToLower(strings.TrimSpace(name))] = strings.Trim(strings.TrimSpace(arg), "\"")
		}
	}
	return CacheControl{m}
}

// MaxAge returns "max-age" as a duration, along with a boolean indicating
// whether the "max-age" directive was present.
func (c CacheControl) MaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("max-age")
}

func (c CacheControl) SMaxAge() (time.Duration, bool) {
	return c.getDeltaSeconds("s-maxage")
}

// getDeltaSeconds returns the "delta-seconds" as `time.Duration`,
// as well as a boolean indicating whether the directive was set.
//
// Examples:
// directive    -> 0,  false
// directive=0  -> 0,  true
// directive=60 -> 60, true
func (c CacheControl) getDeltaSeconds(directive string) (time.Duration, bool) {
	if secondsStr, ok := c.Get(directive); ok && secondsStr != "" {
		return deltaSeconds(secondsStr), true
	}
	return 0, false
}

// maxDeltaSeconds is the largest delta-seconds value (2^31) a cache has to represent.
const maxDeltaSeconds = 2147483648

// deltaSeconds parses a non-negative integer number of seconds.
// Invalid values are treated as zero, i.e. already stale.
// Values beyond maxDeltaSeconds, including ones overflowing int64, are clamped to it.
func deltaSeconds(secondsStr string) time.Duration {
	seconds, err := strconv.ParseInt(secondsStr, 10, 64)
	if errors.Is(err, strconv.ErrRange) && !strings.HasPrefix(secondsStr, "-") {
		seconds, err = maxDeltaSeconds, nil
	}
	if err != nil || seconds < 0 {
		return 0
	}
	if seconds > maxDeltaSeconds {
		seconds = maxDeltaSeconds
	}
	return time.Duration(seconds) * time.Second
}
