package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hezhaoyun/ichess-server/internal/config"
	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/player"
	"github.com/hezhaoyun/ichess-server/internal/store"
)

type recordingTransport struct {
	mu   sync.Mutex
	text []string
}

func (r *recordingTransport) SendText(sids []string, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text = append(r.text, text)
}

func (r *recordingTransport) SendEvent(sids []string, event string, payload any) {}

func newTestDispatcher() (*Dispatcher, *recordingTransport) {
	tr := &recordingTransport{}
	players := player.New(store.NewMemoryRepository(), logging.New("test"))
	d := New(config.Default(), logging.New("test"), tr, players, nil)
	return d, tr
}

func TestOnConnectSendsWelcome(t *testing.T) {
	d, tr := newTestDispatcher()
	d.OnConnect("sid-1")

	require.True(t, d.IsOnline("sid-1"), "expected sid-1 to be online after connect")
	assert.Len(t, tr.text, 1)
}

func TestOnMatchEnqueuesWaitingEntry(t *testing.T) {
	d, _ := newTestDispatcher()
	d.OnConnect("sid-1")
	d.OnJoin("sid-1", "pid-1", "Alice")
	d.OnMatch("sid-1", 0)

	entries := d.WaitingSnapshot()
	require.Len(t, entries, 1)
	assert.Equal(t, "sid-1", entries[0].SID)
}

func TestOnDisconnectRemovesWaitingEntry(t *testing.T) {
	d, _ := newTestDispatcher()
	d.OnConnect("sid-1")
	d.OnJoin("sid-1", "pid-1", "Alice")
	d.OnMatch("sid-1", 0)
	d.OnDisconnect("sid-1")

	assert.Empty(t, d.WaitingSnapshot())
	assert.False(t, d.IsOnline("sid-1"), "expected sid-1 to be offline after disconnect")
}

func TestCreateGameTracksActiveGame(t *testing.T) {
	d, _ := newTestDispatcher()
	d.OnConnect("a")
	d.OnConnect("b")

	d.Do(func() {
		d.CreateGame([2]string{"a", "b"}, config.TimeControl{TotalSeconds: 300, IncrementSeconds: 2}, "")
	})

	games := d.ActiveGames()
	require.Len(t, games, 1)
	assert.True(t, games[0].Contains("a"))
	assert.True(t, games[0].Contains("b"))
}

func TestOnResignRoutesToLiveGame(t *testing.T) {
	d, _ := newTestDispatcher()
	d.OnConnect("a")
	d.OnConnect("b")

	d.Do(func() {
		d.CreateGame([2]string{"a", "b"}, config.TimeControl{TotalSeconds: 300, IncrementSeconds: 2}, "")
	})

	games := d.ActiveGames()
	require.Len(t, games, 1)

	d.OnResign("a")

	assert.True(t, games[0].Terminated(), "expected resignation to terminate the game")
	assert.Empty(t, d.ActiveGames(), "expected the terminated game to leave the active set")
}

func TestIsOnlineAlwaysTrueForBotSessions(t *testing.T) {
	d, _ := newTestDispatcher()
	assert.True(t, d.IsOnline("bot_123"), "expected a bot session id to always read as online")
}

func TestSnapshotReportsOccupancy(t *testing.T) {
	d, _ := newTestDispatcher()
	d.OnConnect("a")
	d.OnConnect("b")
	d.OnJoin("a", "pid-a", "Alice")
	d.OnMatch("a", 0)

	d.Do(func() {
		d.CreateGame([2]string{"a", "b"}, config.TimeControl{TotalSeconds: 300, IncrementSeconds: 2}, "")
	})

	stats := d.Snapshot()
	assert.Equal(t, 2, stats.Online)
	assert.Equal(t, 1, stats.ActiveGames)
}
