package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/netconn/internal/errors"
)

var t0 = time.Unix(1700000000, 0)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func series(rx ...uint64) []Sample {
	out := make([]Sample, len(rx))
	for i, v := range rx {
		out[i] = Sample{Time: at(i * 10), Rx: v, Tx: v / 2}
	}
	return out
}

func TestSumSegments(t *testing.T) {
	tests := []struct {
		name string
		rx   []uint64
		want uint64
	}{
		{"empty", nil, 0},
		{"single", []uint64{100}, 0},
		{"monotonic", []uint64{100, 150, 400}, 300},
		{"one reset", []uint64{100, 150, 40, 90}, 100},
		{"reset to zero", []uint64{500, 0, 30}, 30},
		{"two resets", []uint64{10, 20, 5, 15, 1, 2}, 21},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sumSegments(series(tt.rx...))
			assert.Equal(t, tt.want, got.Rx)
		})
	}
}

func TestSumSegments_TxResetSplits(t *testing.T) {
	s := []Sample{
		{Time: at(0), Rx: 10, Tx: 100},
		{Time: at(10), Rx: 20, Tx: 5},
		{Time: at(20), Rx: 30, Tx: 25},
	}
	got := sumSegments(s)
	assert.Equal(t, Bytes{Rx: 10, Tx: 20}, got)
}

func TestResolveWindow(t *testing.T) {
	s := series(100, 150, 40, 90) // at 0, 10, 20, 30

	lo, hi, err := resolveWindow(s, at(-5), at(15))
	require.NoError(t, err)
	assert.Equal(t, at(0), lo)
	assert.Equal(t, at(20), hi)

	// No sample at or after end: the newest one is used.
	lo, hi, err = resolveWindow(s, at(5), at(500))
	require.NoError(t, err)
	assert.Equal(t, at(10), lo)
	assert.Equal(t, at(30), hi)

	_, _, err = resolveWindow(s, at(31), at(40))
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))
	assert.Equal(t, errors.StatusInternal, errors.Code(err))

	_, _, err = resolveWindow(s, at(11), at(19))
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))

	_, _, err = resolveWindow(s, at(20), at(10))
	assert.True(t, errors.Is(err, errors.ErrInvalidParameter))

	_, _, err = resolveWindow(nil, at(0), at(10))
	assert.Equal(t, errors.KindInternal, errors.GetKind(err))
}

func TestWindowBytes(t *testing.T) {
	s := series(100, 150, 40, 90)

	b, err := windowBytes(s, at(0), at(30))
	require.NoError(t, err)
	assert.Equal(t, uint64(100), b.Rx)

	b, err = windowBytes(s, at(0), at(10))
	require.NoError(t, err)
	assert.Equal(t, uint64(50), b.Rx)

	b, err = windowBytes(s, at(31), at(99))
	require.Error(t, err)
	assert.Equal(t, Bytes{}, b)
}
