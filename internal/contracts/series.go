package contracts

import (
	"sort"
	"time"
)

// Point is one hourly observation. A nil Value means the source had no value
// for that hour.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
}

// Series is a partial timestamp -> value series returned by a source adapter.
type Series []Point

// Sample is a raw reading at source resolution, before hourly aggregation.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// F returns a pointer to v. Handy for building series literals.
func F(v float64) *float64 {
	return &v
}

// Sorted returns a copy of the series ordered by timestamp.
func (s Series) Sorted() Series {
	out := make(Series, len(s))
	copy(out, s)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// NonNull counts points carrying a value.
func (s Series) NonNull() int {
	n := 0
	for _, p := range s {
		if p.Value != nil {
			n++
		}
	}
	return n
}

// Last returns the latest point with a value.
func (s Series) Last() (Point, bool) {
	var (
		last  Point
		found bool
	)
	for _, p := range s {
		if p.Value == nil {
			continue
		}
		if !found || p.Timestamp.After(last.Timestamp) {
			last = p
			found = true
		}
	}
	return last, found
}

// HourlyMean buckets samples into UTC hours (floor) and averages each bucket.
// Sources report at 3 min (Fingrid), 10 min (FMI) or 15 min (ENTSO-E) steps.
func HourlyMean(samples []Sample) Series {
	if len(samples) == 0 {
		return nil
	}

	type bucket struct {
		sum   float64
		count int
	}
	buckets := make(map[int64]*bucket)
	keys := make([]int64, 0)

	for _, s := range samples {
		hour := s.Timestamp.UTC().Truncate(time.Hour).Unix()
		b, ok := buckets[hour]
		if !ok {
			b = &bucket{}
			buckets[hour] = b
			keys = append(keys, hour)
		}
		b.sum += s.Value
		b.count++
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	series := make(Series, 0, len(keys))
	for _, k := range keys {
		b := buckets[k]
		series = append(series, Point{
			Timestamp: time.Unix(k, 0).UTC(),
			Value:     F(b.sum / float64(b.count)),
		})
	}
	return series
}
