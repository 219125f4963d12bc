package progress

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMeterRate(t *testing.T) {
	m := NewMeter(3 * time.Second)
	base := time.Unix(1000, 0)

	assert.Equal(t, int64(0), m.Rate(base))

	m.Add(base, 1000)
	assert.Equal(t, int64(1000), m.Rate(base), "young meters use a one second floor")

	m.Add(base.Add(time.Second), 1000)
	m.Add(base.Add(2*time.Second), 1000)
	assert.Equal(t, int64(1500), m.Rate(base.Add(2*time.Second)))

	// Everything older than the window is dropped.
	assert.Equal(t, int64(0), m.Rate(base.Add(10*time.Second)))
}

func TestMeterIgnoresNonPositive(t *testing.T) {
	m := NewMeter(0)
	now := time.Now()

	m.Add(now, 0)
	m.Add(now, -5)
	assert.Equal(t, int64(0), m.Rate(now))
}

func TestReaderReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 4096)

	var reports []int64

	r := NewReader(bytes.NewReader(payload), int64(len(payload)), 0, func(written, total int64) {
		reports = append(reports, written)
		assert.Equal(t, int64(len(payload)), total)
	})

	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	require.NotEmpty(t, reports)
	assert.Equal(t, int64(len(payload)), reports[len(reports)-1])
}
