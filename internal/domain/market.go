package domain

import "time"

// Region identifies the exchange a ticker trades on.
type Region string

const (
	RegionTW Region = "TPE"
	RegionUS Region = "US"
	RegionFX Region = "FX"
)

// Trading session windows. Holidays are not modeled; the worst case is a
// live write on a holiday which the next daily close job overwrites.
var (
	taipei  = mustLoadLocation("Asia/Taipei")
	newYork = mustLoadLocation("America/New_York")
)

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// TaipeiTZ returns the Taiwan market time zone.
func TaipeiTZ() *time.Location { return taipei }

// NewYorkTZ returns the US market time zone.
func NewYorkTZ() *time.Location { return newYork }

// IsTWMarketOpen reports whether the Taiwan regular session is active
// (Mon-Fri 09:00-13:30 Taipei time).
func IsTWMarketOpen(now time.Time) bool {
	t := now.In(taipei)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= 9*60 && mins <= 13*60+30
}

// IsUSMarketOpen reports whether the US regular session is active
// (Mon-Fri 09:30-16:00 Eastern).
func IsUSMarketOpen(now time.Time) bool {
	t := now.In(newYork)
	if wd := t.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	mins := t.Hour()*60 + t.Minute()
	return mins >= 9*60+30 && mins < 16*60
}

// InferRegion classifies a ticker by shape: Taiwan symbols are numeric
// ("2330", "0050"), US symbols are alphabetic ("AAPL"). Rows that carry
// an explicit region never go through here.
func InferRegion(ticker string) Region {
	if ticker == "" {
		return RegionUS
	}
	for _, r := range ticker {
		if r < '0' || r > '9' {
			return RegionUS
		}
	}
	return RegionTW
}

// IsMarketOpen reports whether the regular session for the region is active.
func IsMarketOpen(region Region, now time.Time) bool {
	switch region {
	case RegionTW:
		return IsTWMarketOpen(now)
	case RegionUS:
		return IsUSMarketOpen(now)
	default:
		return false
	}
}
