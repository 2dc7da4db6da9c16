package buffer

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/konstantinmiller/dashp2p/internal/models"
)

func seg(n int) models.SegmentID {
	return models.SegmentID{Number: n}
}

func fill(from, to int64) []byte {
	out := make([]byte, to-from+1)
	for i := range out {
		out[i] = byte(from + int64(i))
	}
	return out
}

func assertMinimal(t *testing.T, ranges []models.ByteInterval) {
	t.Helper()
	for i := 1; i < len(ranges); i++ {
		assert.Greater(t, ranges[i].From, ranges[i-1].To+1, "ranges %v and %v overlap or touch", ranges[i-1], ranges[i])
	}
}

func TestBuffer_Init(t *testing.T) {
	b := New()

	require.NoError(t, b.Init(seg(1), 100, 2*time.Second))
	assert.True(t, b.Has(seg(1)))
	assert.Equal(t, int64(100), b.Size(seg(1)))

	err := b.Init(seg(1), 100, 2*time.Second)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)

	assert.ErrorIs(t, b.Init(seg(2), 0, time.Second), ErrInvalidSize)
}

func TestBuffer_AddData_Errors(t *testing.T) {
	b := New()

	assert.ErrorIs(t, b.AddData(seg(1), 0, 9, fill(0, 9), false), ErrNotInitialized)

	require.NoError(t, b.Init(seg(1), 30, time.Second))
	assert.ErrorIs(t, b.AddData(seg(1), 20, 30, fill(20, 30), false), ErrOutOfRange)
	assert.ErrorIs(t, b.AddData(seg(1), 0, 9, fill(0, 5), false), ErrOutOfRange)

	require.NoError(t, b.AddData(seg(1), 0, 9, fill(0, 9), false))
	assert.ErrorIs(t, b.AddData(seg(1), 5, 14, fill(5, 14), false), ErrOverlap)
	assert.NoError(t, b.AddData(seg(1), 5, 14, fill(5, 14), true))
	assert.Equal(t, []models.ByteInterval{{From: 0, To: 14}}, b.Intervals(seg(1)))
}

func TestBuffer_MergeScenario(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(seg(1), 30, 3*time.Second))

	require.NoError(t, b.AddData(seg(1), 0, 9, fill(0, 9), false))
	require.NoError(t, b.AddData(seg(1), 20, 29, fill(20, 29), false))
	assert.Equal(t, []models.ByteInterval{{From: 0, To: 9}, {From: 20, To: 29}}, b.Intervals(seg(1)))

	require.NoError(t, b.AddData(seg(1), 10, 19, fill(10, 19), false))
	assert.Equal(t, []models.ByteInterval{{From: 0, To: 29}}, b.Intervals(seg(1)))

	avail := b.ContiguousAvailability(models.NewPosition(seg(1), 5), []models.SegmentID{seg(1)})
	assert.Equal(t, int64(25), avail.Bytes)
	assert.Equal(t, 2500*time.Millisecond, avail.Duration)
}

func TestBuffer_MergeIdempotence(t *testing.T) {
	ranges := []models.ByteInterval{
		{From: 0, To: 4},
		{From: 5, To: 9},
		{From: 12, To: 15},
		{From: 20, To: 29},
		{From: 16, To: 19},
		{From: 40, To: 49},
	}

	var reference []models.ByteInterval
	for pass := range 50 {
		order := rand.Perm(len(ranges))
		b := New()
		require.NoError(t, b.Init(seg(1), 64, time.Second))
		for _, i := range order {
			r := ranges[i]
			require.NoError(t, b.AddData(seg(1), r.From, r.To, fill(r.From, r.To), false))
			assertMinimal(t, b.Intervals(seg(1)))
		}
		got := b.Intervals(seg(1))
		if pass == 0 {
			reference = got
			continue
		}
		assert.Equal(t, reference, got, "order %v", order)
	}
	assert.Equal(t, []models.ByteInterval{{From: 0, To: 9}, {From: 12, To: 29}, {From: 40, To: 49}}, reference)
}

func TestBuffer_MergePairs(t *testing.T) {
	tests := []struct {
		name   string
		r1, r2 models.ByteInterval
		want   []models.ByteInterval
	}{
		{"disjoint", models.ByteInterval{From: 0, To: 3}, models.ByteInterval{From: 10, To: 12}, []models.ByteInterval{{From: 0, To: 3}, {From: 10, To: 12}}},
		{"adjacent", models.ByteInterval{From: 0, To: 3}, models.ByteInterval{From: 4, To: 12}, []models.ByteInterval{{From: 0, To: 12}}},
		{"single bytes", models.ByteInterval{From: 7, To: 7}, models.ByteInterval{From: 8, To: 8}, []models.ByteInterval{{From: 7, To: 8}}},
		{"gap of one", models.ByteInterval{From: 0, To: 3}, models.ByteInterval{From: 5, To: 6}, []models.ByteInterval{{From: 0, To: 3}, {From: 5, To: 6}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, order := range [][2]models.ByteInterval{{tt.r1, tt.r2}, {tt.r2, tt.r1}} {
				b := New()
				require.NoError(t, b.Init(seg(1), 16, time.Second))
				for _, r := range order {
					require.NoError(t, b.AddData(seg(1), r.From, r.To, fill(r.From, r.To), false))
				}
				assert.Equal(t, tt.want, b.Intervals(seg(1)))
			}
		})
	}
}

func TestBuffer_OverwriteSpanningSeveralRanges(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(seg(1), 100, time.Second))
	for _, r := range []models.ByteInterval{{From: 0, To: 4}, {From: 10, To: 14}, {From: 20, To: 24}, {From: 31, To: 40}} {
		require.NoError(t, b.AddData(seg(1), r.From, r.To, fill(r.From, r.To), false))
	}

	require.NoError(t, b.AddData(seg(1), 3, 30, fill(3, 30), true))
	assert.Equal(t, []models.ByteInterval{{From: 0, To: 40}}, b.Intervals(seg(1)))
}

func TestBuffer_ContiguousAcrossSegments(t *testing.T) {
	b := New()
	sequence := []models.SegmentID{seg(0), seg(1), seg(2), seg(3)}

	require.NoError(t, b.Init(seg(0), 10, 0))
	require.NoError(t, b.Init(seg(1), 100, 2*time.Second))
	require.NoError(t, b.Init(seg(2), 100, 2*time.Second))

	require.NoError(t, b.AddData(seg(0), 0, 9, fill(0, 9), false))
	require.NoError(t, b.AddData(seg(1), 0, 99, fill(0, 99), false))
	require.NoError(t, b.AddData(seg(2), 0, 49, fill(0, 49), false))

	avail := b.ContiguousAvailability(models.InvalidPosition, sequence)
	assert.Equal(t, int64(160), avail.Bytes)
	assert.Equal(t, 3*time.Second, avail.Duration)

	// A gap at the start of a segment stops the walk.
	b2 := New()
	require.NoError(t, b2.Init(seg(1), 10, time.Second))
	require.NoError(t, b2.Init(seg(2), 10, time.Second))
	require.NoError(t, b2.AddData(seg(1), 0, 9, fill(0, 9), false))
	require.NoError(t, b2.AddData(seg(2), 1, 9, fill(1, 9), false))
	avail = b2.ContiguousAvailability(models.NewPosition(seg(1), 0), []models.SegmentID{seg(1), seg(2)})
	assert.Equal(t, int64(10), avail.Bytes)

	// Nothing at the position means nothing available.
	avail = b2.ContiguousAvailability(models.NewPosition(seg(2), 0), []models.SegmentID{seg(1), seg(2)})
	assert.Zero(t, avail.Bytes)
}

func TestBuffer_ContiguityMonotonicity(t *testing.T) {
	sequence := []models.SegmentID{seg(1), seg(2), seg(3)}
	pos := models.NewPosition(seg(1), 3)

	for trial := range 20 {
		b := New()
		for _, id := range sequence {
			require.NoError(t, b.Init(id, 40, 4*time.Second))
		}

		type piece struct {
			id       models.SegmentID
			from, to int64
		}
		var pieces []piece
		for _, id := range sequence {
			for from := int64(0); from < 40; from += 8 {
				pieces = append(pieces, piece{id, from, from + 7})
			}
		}
		rnd := rand.New(rand.NewPCG(uint64(trial), 7))
		rnd.Shuffle(len(pieces), func(i, j int) { pieces[i], pieces[j] = pieces[j], pieces[i] })

		var last models.Availability
		for _, p := range pieces {
			require.NoError(t, b.AddData(p.id, p.from, p.to, fill(p.from, p.to), false))
			avail := b.ContiguousAvailability(pos, sequence)
			assert.GreaterOrEqual(t, avail.Bytes, last.Bytes)
			assert.GreaterOrEqual(t, avail.Duration, last.Duration)
			last = avail
		}
		assert.Equal(t, int64(3*40-3), last.Bytes)
	}
}

func TestBuffer_DataAvailable(t *testing.T) {
	b := New()
	assert.False(t, b.DataAvailable(models.InvalidPosition))
	assert.False(t, b.DataAvailable(models.NewPosition(seg(1), 0)))

	require.NoError(t, b.Init(seg(1), 20, time.Second))
	require.NoError(t, b.AddData(seg(1), 5, 9, fill(5, 9), false))

	assert.False(t, b.DataAvailable(models.NewPosition(seg(1), 4)))
	assert.True(t, b.DataAvailable(models.NewPosition(seg(1), 5)))
	assert.True(t, b.DataAvailable(models.NewPosition(seg(1), 9)))
	assert.False(t, b.DataAvailable(models.NewPosition(seg(1), 10)))
}

func TestBuffer_Read(t *testing.T) {
	b := New()
	sequence := []models.SegmentID{seg(1), seg(2)}
	require.NoError(t, b.Init(seg(1), 10, time.Second))
	require.NoError(t, b.Init(seg(2), 10, time.Second))
	require.NoError(t, b.AddData(seg(1), 0, 9, fill(0, 9), false))
	require.NoError(t, b.AddData(seg(2), 0, 4, fill(0, 4), false))

	res, err := b.Read(models.NewPosition(seg(1), 0), 4, sequence)
	require.NoError(t, err)
	assert.Equal(t, fill(0, 3), res.Data)
	assert.Equal(t, models.NewPosition(seg(1), 4), res.Position)
	assert.Equal(t, 400*time.Millisecond, res.Duration)
	assert.False(t, res.SegmentDone)

	// Reads stop at the segment boundary and hand over to the next segment.
	res, err = b.Read(res.Position, 100, sequence)
	require.NoError(t, err)
	assert.Len(t, res.Data, 6)
	assert.True(t, res.SegmentDone)
	assert.Equal(t, models.NewPosition(seg(2), 0), res.Position)

	res, err = b.Read(res.Position, 100, sequence)
	require.NoError(t, err)
	assert.Equal(t, fill(0, 4), res.Data)
	assert.Equal(t, models.NewPosition(seg(2), 5), res.Position)

	_, err = b.Read(res.Position, 100, sequence)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestBuffer_ReadEndOfLastKnownSegment(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(seg(1), 4, time.Second))
	require.NoError(t, b.AddData(seg(1), 0, 3, fill(0, 3), false))

	res, err := b.Read(models.NewPosition(seg(1), 0), 10, []models.SegmentID{seg(1)})
	require.NoError(t, err)
	assert.True(t, res.SegmentDone)
	assert.Equal(t, models.NewPosition(seg(1), 4), res.Position, "position parks at the end until a successor is scheduled")

	next := b.Normalize(res.Position, []models.SegmentID{seg(1), seg(2)})
	assert.Equal(t, models.NewPosition(seg(2), 0), next)
}

func TestBuffer_InitSegmentHasNoDuration(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(seg(0), 10, 5*time.Second))
	require.NoError(t, b.AddData(seg(0), 0, 9, fill(0, 9), false))

	avail := b.ContiguousAvailability(models.NewPosition(seg(0), 0), []models.SegmentID{seg(0)})
	assert.Equal(t, int64(10), avail.Bytes)
	assert.Zero(t, avail.Duration)
}

func TestBuffer_Remove(t *testing.T) {
	b := New()
	require.NoError(t, b.Init(seg(1), 10, time.Second))
	assert.Equal(t, 1, b.Len())

	b.Remove(seg(1))
	assert.False(t, b.Has(seg(1)))
	assert.Zero(t, b.Len())
	assert.NoError(t, b.Init(seg(1), 10, time.Second))
}
