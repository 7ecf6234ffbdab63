package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// MinutesSinceMidnight returns the IST wall-clock minute of t.
func MinutesSinceMidnight(t time.Time) int {
	ist := t.In(IndiaLocation)
	return ist.Hour()*60 + ist.Minute()
}

// ExpiryClose returns 15:30 IST on the expiry date.
func ExpiryClose(expiry time.Time) time.Time {
	e := expiry.In(IndiaLocation)
	return time.Date(e.Year(), e.Month(), e.Day(), 15, 30, 0, 0, IndiaLocation)
}

// DaysToExpiry returns whole calendar days between now and expiry in IST.
// Expiry day itself is 0.
func DaysToExpiry(expiry, now time.Time) int {
	e := expiry.In(IndiaLocation)
	n := now.In(IndiaLocation)
	ed := time.Date(e.Year(), e.Month(), e.Day(), 0, 0, 0, 0, IndiaLocation)
	nd := time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, IndiaLocation)
	days := int(ed.Sub(nd).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}

// IsTradingDay reports whether t falls on a weekday in IST.
func IsTradingDay(t time.Time) bool {
	wd := t.In(IndiaLocation).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}
