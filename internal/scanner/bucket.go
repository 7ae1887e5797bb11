package scanner

import "time"

// Granularity is the width of a time bucket.
type Granularity int

const (
	Day Granularity = iota
	Hour
)

// Bucket is a calendar day or hour in a reference zone. Two instants in the
// same bucket produce the same key.
type Bucket struct {
	Granularity Granularity
	Start       time.Time
}

// DayBucket returns the day containing t in loc.
func DayBucket(t time.Time, loc *time.Location) Bucket {
	l := t.In(loc)
	return Bucket{Granularity: Day, Start: time.Date(l.Year(), l.Month(), l.Day(), 0, 0, 0, 0, loc)}
}

// HourBucket returns the hour containing t in loc.
func HourBucket(t time.Time, loc *time.Location) Bucket {
	l := t.In(loc)
	return Bucket{Granularity: Hour, Start: time.Date(l.Year(), l.Month(), l.Day(), l.Hour(), 0, 0, 0, loc)}
}

// Key formats the bucket as yyyyMMdd or yyyyMMddHH.
func (b Bucket) Key() string {
	if b.Granularity == Hour {
		return b.Start.Format("2006010215")
	}
	return b.Start.Format("20060102")
}
