package enginepool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/rules"
)

func TestClampSkill(t *testing.T) {
	cases := map[int]int{-5: 1, 0: 1, 1: 1, 10: 10, 20: 20, 25: 20}
	for in, want := range cases {
		require.Equalf(t, want, clampSkill(in), "clampSkill(%d)", in)
	}
}

func TestSelectBinaryHonoursOverride(t *testing.T) {
	got, err := SelectBinary("/custom/path/stockfish")
	require.NoError(t, err)
	require.Equal(t, "/custom/path/stockfish", got)
}

// TestAcquireReleaseRoundTrip exercises the pool against a real engine
// binary when one is available on the host; it is skipped otherwise since
// this package cannot assume a Stockfish-compatible binary is installed.
func TestAcquireReleaseRoundTrip(t *testing.T) {
	path, err := SelectBinary("")
	if err != nil {
		t.Skip("no UCI engine binary available on this host")
	}

	pool := New(path, 2, logging.New("test"))
	defer pool.Close()

	handle, err := pool.Acquire(5)
	require.NoError(t, err)

	pos := rules.NewPosition()
	move, err := pool.Play(handle, pos, 200*time.Millisecond)
	require.NoError(t, err)
	require.NotEmpty(t, move)

	pool.Release(handle)
}
