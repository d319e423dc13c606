// Package interval provides pure half-hour settlement-period arithmetic.
// Nothing here performs I/O; every function is deterministic over its inputs.
package interval

import (
	"time"
)

// BucketLength is the settlement-period width used across the importer and auditor.
const BucketLength = 30 * time.Minute

// MissingRange is a contiguous run of half-hour buckets absent from storage.
type MissingRange struct {
	Start time.Time
	End   time.Time
	Count int
}

// AlignForward snaps t up to the next bucket boundary (identity when aligned).
func AlignForward(t time.Time) time.Time {
	truncated := t.Truncate(BucketLength)
	if truncated.Before(t) {
		return truncated.Add(BucketLength)
	}
	return truncated
}

// AlignBack snaps t down to the previous bucket boundary (identity when aligned).
func AlignBack(t time.Time) time.Time {
	return t.Truncate(BucketLength)
}

// ExpectedBuckets returns every half-hour bucket start in [start, end).
// Unaligned bounds are narrowed inward to aligned boundaries.
func ExpectedBuckets(start, end time.Time) []time.Time {
	start = AlignForward(start.UTC())
	end = end.UTC()
	if !start.Before(end) {
		return nil
	}

	buckets := make([]time.Time, 0, int(end.Sub(start)/BucketLength)+1)
	for t := start; t.Before(end); t = t.Add(BucketLength) {
		buckets = append(buckets, t)
	}
	return buckets
}

// FindMissingRanges diffs the expected bucket series against stored bucket
// starts and coalesces adjacent missing buckets into contiguous ranges. Two
// missing buckets merge only when exactly one bucket length apart.
func FindMissingRanges(storedStarts []time.Time, start, end time.Time) []MissingRange {
	stored := make(map[int64]struct{}, len(storedStarts))
	for _, t := range storedStarts {
		stored[t.UTC().Unix()] = struct{}{}
	}

	var ranges []MissingRange
	for _, bucket := range ExpectedBuckets(start, end) {
		if _, ok := stored[bucket.Unix()]; ok {
			continue
		}

		if n := len(ranges); n > 0 && ranges[n-1].End.Equal(bucket) {
			ranges[n-1].End = bucket.Add(BucketLength)
			ranges[n-1].Count++
			continue
		}

		ranges = append(ranges, MissingRange{
			Start: bucket,
			End:   bucket.Add(BucketLength),
			Count: 1,
		})
	}
	return ranges
}

// Allocation is one bucket's share of a quantity spread over a range.
type Allocation struct {
	Bucket   time.Time
	Quantity float64
}

// AllocateAcrossBuckets splits [rangeStart, rangeEnd) into aligned half-hour
// buckets and distributes total proportionally to each bucket's time overlap
// with the range. The allocated quantities sum to total up to float rounding.
// An empty or inverted range yields nil.
func AllocateAcrossBuckets(rangeStart, rangeEnd time.Time, total float64) []Allocation {
	rangeStart = rangeStart.UTC()
	rangeEnd = rangeEnd.UTC()
	if !rangeStart.Before(rangeEnd) {
		return nil
	}

	span := rangeEnd.Sub(rangeStart)
	var allocations []Allocation
	for bucket := AlignBack(rangeStart); bucket.Before(rangeEnd); bucket = bucket.Add(BucketLength) {
		overlapStart := maxTime(bucket, rangeStart)
		overlapEnd := minTime(bucket.Add(BucketLength), rangeEnd)
		overlap := overlapEnd.Sub(overlapStart)
		if overlap <= 0 {
			continue
		}

		allocations = append(allocations, Allocation{
			Bucket:   bucket,
			Quantity: total * float64(overlap) / float64(span),
		})
	}
	return allocations
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
