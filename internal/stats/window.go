package stats

import (
	"fmt"
	"time"

	"grimm.is/netconn/internal/errors"
)

// resolve returns the first recorded timestamp at or after bound, or the
// newest one when every sample is older. Queries never extrapolate.
func resolve(series []Sample, bound time.Time) time.Time {
	var last time.Time
	for _, smp := range series {
		if !smp.Time.Before(bound) {
			return smp.Time
		}
		last = smp.Time
	}
	return last
}

// resolveWindow clamps [start, end] to recorded samples. A window that
// collapses to a single timestamp is an internal error.
func resolveWindow(series []Sample, start, end time.Time) (time.Time, time.Time, error) {
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("window end before start: %w", errors.ErrInvalidParameter)
	}
	lo, hi := resolve(series, start), resolve(series, end)
	if lo.Equal(hi) {
		return lo, hi, errors.Errorf(errors.KindInternal, "no samples between %s and %s",
			start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339))
	}
	return lo, hi, nil
}

func windowBytes(series []Sample, start, end time.Time) (Bytes, error) {
	lo, hi, err := resolveWindow(series, start, end)
	if err != nil {
		return Bytes{}, err
	}
	var in []Sample
	for _, smp := range series {
		if smp.Time.Before(lo) {
			continue
		}
		if smp.Time.After(hi) {
			break
		}
		in = append(in, smp)
	}
	return sumSegments(in), nil
}

// sumSegments adds the growth of a run of samples. A counter going backwards
// starts a new segment, and each segment contributes last minus first, so a
// reset never yields a negative total.
func sumSegments(samples []Sample) Bytes {
	var total Bytes
	if len(samples) == 0 {
		return total
	}
	first := samples[0]
	prev := first
	for _, smp := range samples[1:] {
		if restarted(prev, smp) {
			total.Rx += prev.Rx - first.Rx
			total.Tx += prev.Tx - first.Tx
			first = smp
		}
		prev = smp
	}
	total.Rx += prev.Rx - first.Rx
	total.Tx += prev.Tx - first.Tx
	return total
}

func restarted(prev, next Sample) bool {
	return next.Rx < prev.Rx || next.Tx < prev.Tx
}
