package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-chat/internal/models"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type sent struct {
	channel models.ChannelID
	evt     models.OutboundEvent
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sent
}

func (b *fakeBroadcaster) Broadcast(channel models.ChannelID, evt models.OutboundEvent) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, sent{channel: channel, evt: evt})
	return 1
}

func (b *fakeBroadcaster) statuses() []models.StatusPayload {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []models.StatusPayload
	for _, s := range b.sent {
		if p, ok := s.evt.Data.(models.StatusPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

type fakeLister struct {
	convs map[int64][]int64
	err   error
}

func (l fakeLister) ListConversationIDs(_ context.Context, userID int64) ([]int64, error) {
	return l.convs[userID], l.err
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTracker(b Broadcaster, l ConversationLister) (*Tracker, *clock) {
	c := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(b, l, nil, Config{Timeout: time.Minute, SweepInterval: time.Second}, testLogger())
	tr.now = c.Now
	return tr, c
}

func TestConnectedBroadcastsToConversations(t *testing.T) {
	b := &fakeBroadcaster{}
	tr, _ := newTestTracker(b, fakeLister{convs: map[int64][]int64{5: {42, 43}}})
	ctx := context.Background()

	tr.Connected(ctx, 5)

	require.Len(t, b.sent, 2)
	assert.Equal(t, models.ConversationChannel(42), b.sent[0].channel)
	assert.Equal(t, models.ConversationChannel(43), b.sent[1].channel)
	assert.Equal(t, models.EventStatus, b.sent[0].evt.Event)
	assert.Equal(t, models.StatusOnline, tr.Status(ctx, 5).Status)
	assert.Equal(t, 1, tr.OnlineCount())
}

func TestLastTabClosingMarksOffline(t *testing.T) {
	b := &fakeBroadcaster{}
	tr, _ := newTestTracker(b, fakeLister{convs: map[int64][]int64{5: {42}}})
	ctx := context.Background()

	tr.Connected(ctx, 5)
	tr.Connected(ctx, 5)
	tr.Disconnected(ctx, 5)
	assert.Equal(t, models.StatusOnline, tr.Status(ctx, 5).Status)

	tr.Disconnected(ctx, 5)
	assert.Equal(t, models.StatusOffline, tr.Status(ctx, 5).Status)
	assert.Equal(t, 0, tr.OnlineCount())

	statuses := b.statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, models.StatusOnline, statuses[0].Status)
	assert.Equal(t, models.StatusOffline, statuses[1].Status)

	// extra disconnects are ignored
	tr.Disconnected(ctx, 5)
	assert.Len(t, b.statuses(), 2)
}

func TestHeartbeatIsSilent(t *testing.T) {
	b := &fakeBroadcaster{}
	tr, c := newTestTracker(b, fakeLister{convs: map[int64][]int64{5: {42}}})
	ctx := context.Background()

	tr.Connected(ctx, 5)
	c.Advance(10 * time.Second)
	tr.Heartbeat(ctx, 5)

	assert.Len(t, b.statuses(), 1)
	assert.Equal(t, c.Now(), tr.Status(ctx, 5).LastActive)
}

func TestSweepMarksSilentUsersOffline(t *testing.T) {
	b := &fakeBroadcaster{}
	tr, c := newTestTracker(b, fakeLister{convs: map[int64][]int64{5: {42}, 6: {42}}})
	ctx := context.Background()

	tr.Connected(ctx, 5)
	tr.Connected(ctx, 6)
	c.Advance(45 * time.Second)
	tr.Heartbeat(ctx, 6)
	c.Advance(30 * time.Second)

	swept := tr.Sweep(ctx)
	assert.Equal(t, []int64{5}, swept)
	assert.Equal(t, models.StatusOffline, tr.Status(ctx, 5).Status)
	assert.Equal(t, models.StatusOnline, tr.Status(ctx, 6).Status)

	// a second sweep does not repeat the offline broadcast
	assert.Empty(t, tr.Sweep(ctx))

	// the user comes back with a heartbeat
	tr.Heartbeat(ctx, 5)
	assert.Equal(t, models.StatusOnline, tr.Status(ctx, 5).Status)
	statuses := b.statuses()
	assert.Equal(t, models.StatusOnline, statuses[len(statuses)-1].Status)
}

func TestMarkOfflineWithOpenConnections(t *testing.T) {
	b := &fakeBroadcaster{}
	tr, _ := newTestTracker(b, fakeLister{convs: map[int64][]int64{5: {42}}})
	ctx := context.Background()

	tr.Connected(ctx, 5)
	tr.MarkOffline(ctx, 5)
	assert.Equal(t, models.StatusOffline, tr.Status(ctx, 5).Status)

	// closing the socket afterwards does not announce offline twice
	tr.Disconnected(ctx, 5)
	assert.Len(t, b.statuses(), 2)
}

func TestListerFailureIsDropped(t *testing.T) {
	b := &fakeBroadcaster{}
	tr, _ := newTestTracker(b, fakeLister{err: errors.New("db down")})
	ctx := context.Background()

	tr.Connected(ctx, 5)
	assert.Empty(t, b.sent)
	assert.Equal(t, models.StatusOnline, tr.Status(ctx, 5).Status)
}

func TestUnknownUserIsOffline(t *testing.T) {
	tr, _ := newTestTracker(nil, nil)
	p := tr.Status(context.Background(), 404)
	assert.Equal(t, models.StatusOffline, p.Status)
	assert.Equal(t, int64(404), p.UserID)
}

func TestRunStopsOnCancel(t *testing.T) {
	tr, _ := newTestTracker(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestDisconnectKeepsLastSeen(t *testing.T) {
	b := &fakeBroadcaster{}
	tr, c := newTestTracker(b, fakeLister{convs: map[int64][]int64{5: {42}}})
	ctx := context.Background()

	tr.Connected(ctx, 5)
	c.Advance(3 * time.Minute)
	tr.Disconnected(ctx, 5)
	seen := c.Now()
	c.Advance(time.Hour)

	p := tr.Status(ctx, 5)
	assert.Equal(t, models.StatusOffline, p.Status)
	assert.False(t, p.LastActive.IsZero())
	assert.Equal(t, seen, p.LastActive)

	statuses := b.statuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, seen.UnixMilli(), statuses[1].LastActive.UnixMilli())

	// reconnecting announces online again
	tr.Connected(ctx, 5)
	assert.Equal(t, models.StatusOnline, tr.Status(ctx, 5).Status)
	assert.Len(t, b.statuses(), 3)
}

func TestSweepForgetsLongOfflineUsers(t *testing.T) {
	tr, c := newTestTracker(nil, nil)
	ctx := context.Background()

	tr.Connected(ctx, 5)
	tr.Disconnected(ctx, 5)
	c.Advance(DefaultRetention - time.Minute)
	tr.Sweep(ctx)
	assert.False(t, tr.Status(ctx, 5).LastActive.IsZero())

	c.Advance(2 * time.Minute)
	tr.Sweep(ctx)
	assert.True(t, tr.Status(ctx, 5).LastActive.IsZero())
}

type fakeMirror struct {
	mu      sync.Mutex
	records map[int64]models.Presence
}

func (m *fakeMirror) Set(_ context.Context, p models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[p.UserID] = p
	return nil
}

func (m *fakeMirror) Get(_ context.Context, userID int64) (models.Presence, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[userID]
	return p, ok, nil
}

func TestStatusPrefersNewerMirrorRecord(t *testing.T) {
	mirror := &fakeMirror{records: map[int64]models.Presence{}}
	tr, c := newTestTracker(nil, nil)
	tr.mirror = mirror
	ctx := context.Background()

	tr.Connected(ctx, 5)
	tr.Disconnected(ctx, 5)
	assert.Equal(t, models.StatusOffline, tr.Status(ctx, 5).Status)

	// the user is online on another instance
	c.Advance(time.Minute)
	require.NoError(t, mirror.Set(ctx, models.Presence{UserID: 5, Status: models.StatusOnline, LastActive: c.Now()}))
	assert.Equal(t, models.StatusOnline, tr.Status(ctx, 5).Status)
}
