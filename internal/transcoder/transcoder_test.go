package transcoder

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgressBlocks(t *testing.T) {
	input := strings.Join([]string{
		"frame=12",
		"fps=24.50",
		"out_time_us=500000",
		"out_time=00:00:00.500000",
		"speed=1.2x",
		"progress=continue",
		"frame=48",
		"fps=25.00",
		"out_time=00:00:02.000000",
		"speed=N/A",
		"progress=end",
	}, "\n")

	var got []Progress
	require.NoError(t, ParseProgress(strings.NewReader(input), func(p Progress) {
		got = append(got, p)
	}))

	require.Len(t, got, 2)
	assert.Equal(t, 12, got[0].Frame)
	assert.InDelta(t, 24.5, got[0].FPS, 1e-9)
	assert.Equal(t, 500*time.Millisecond, got[0].OutTime)
	assert.InDelta(t, 1.2, got[0].Speed, 1e-9)
	assert.False(t, got[0].Done)

	assert.Equal(t, 48, got[1].Frame)
	assert.Equal(t, 2*time.Second, got[1].OutTime)
	assert.Zero(t, got[1].Speed)
	assert.True(t, got[1].Done)
}

func TestParseTimestamp(t *testing.T) {
	d, err := ParseTimestamp("01:02:03.250000")
	require.NoError(t, err)
	assert.Equal(t, time.Hour+2*time.Minute+3250*time.Millisecond, d)

	_, err = ParseTimestamp("12.5")
	assert.Error(t, err)
}

func TestStreamDeliversUpdatesThenExitError(t *testing.T) {
	s := NewStream(4)
	s.Publish(Progress{Frame: 1})
	s.Publish(Progress{Frame: 2})
	exit := errors.New("exit status 1")
	s.Close(exit)
	// publishing after close is ignored
	s.Publish(Progress{Frame: 3})
	s.Close(nil)

	var frames []int
	err := s.Drain(func(p Progress) { frames = append(frames, p.Frame) })
	assert.Equal(t, []int{1, 2}, frames)
	assert.Equal(t, exit, err)
}

func TestStreamDropsWhenFull(t *testing.T) {
	s := NewStream(1)
	s.Publish(Progress{Frame: 1})
	s.Publish(Progress{Frame: 2})
	s.Close(nil)

	var frames []int
	require.NoError(t, s.Drain(func(p Progress) { frames = append(frames, p.Frame) }))
	assert.Equal(t, []int{1}, frames)
}

func TestTailBufferKeepsLastBytes(t *testing.T) {
	b := newTailBuffer(8)
	_, _ = b.Write([]byte("0123456789"))
	_, _ = b.Write([]byte("ab"))
	assert.Equal(t, "456789ab", b.String())
}

func TestKillWithoutProcessIsNoop(t *testing.T) {
	f := NewFFmpeg(Config{}, zerolog.Nop())
	assert.NoError(t, f.Kill())
}

func TestParseRate(t *testing.T) {
	for in, want := range map[string]float64{"25": 25, "30/1": 30, "30000/1001": 29.97002997002997, "24000/1001": 23.976023976023978} {
		got, err := ParseRate(in)
		require.NoError(t, err, in)
		assert.InDelta(t, want, got, 1e-9, in)
	}
	for _, in := range []string{"", "0/0", "30/0", "abc", "-25"} {
		_, err := ParseRate(in)
		assert.Error(t, err, in)
	}
}
