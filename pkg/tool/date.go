package tool

import "time"

// DateLayout is the key format of per-day usage records.
const DateLayout = "2006-01-02"

// DateKey formats t as a UTC calendar date.
func DateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// DaysUntil returns the number of whole days, rounded up, from now until t.
// Past instants yield 0.
func DaysUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	days := int(d / (24 * time.Hour))
	if d%(24*time.Hour) != 0 {
		days++
	}
	return days
}
