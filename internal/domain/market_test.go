package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsTWMarketOpen(t *testing.T) {
	tz := TaipeiTZ()
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"session open", time.Date(2026, 3, 2, 9, 0, 0, 0, tz), true},
		{"mid session", time.Date(2026, 3, 2, 11, 45, 0, 0, tz), true},
		{"closing print", time.Date(2026, 3, 2, 13, 30, 0, 0, tz), true},
		{"after close", time.Date(2026, 3, 2, 13, 31, 0, 0, tz), false},
		{"before open", time.Date(2026, 3, 2, 8, 59, 0, 0, tz), false},
		{"saturday", time.Date(2026, 3, 7, 10, 0, 0, 0, tz), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsTWMarketOpen(tc.at))
		})
	}
}

func TestIsUSMarketOpen(t *testing.T) {
	tz := NewYorkTZ()
	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"open bell", time.Date(2026, 3, 2, 9, 30, 0, 0, tz), true},
		{"afternoon", time.Date(2026, 3, 2, 15, 59, 0, 0, tz), true},
		{"close", time.Date(2026, 3, 2, 16, 0, 0, 0, tz), false},
		{"premarket", time.Date(2026, 3, 2, 9, 29, 0, 0, tz), false},
		{"sunday", time.Date(2026, 3, 1, 12, 0, 0, 0, tz), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsUSMarketOpen(tc.at))
		})
	}
}

func TestInferRegion(t *testing.T) {
	assert.Equal(t, RegionTW, InferRegion("2330"))
	assert.Equal(t, RegionTW, InferRegion("0050"))
	assert.Equal(t, RegionUS, InferRegion("AAPL"))
	assert.Equal(t, RegionUS, InferRegion("BRK.B"))
}
