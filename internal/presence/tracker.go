package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"marketplace-chat/internal/models"
	"marketplace-chat/internal/observability"
)

const (
	DefaultTimeout       = 60 * time.Second
	DefaultSweepInterval = 15 * time.Second
	DefaultRetention     = 24 * time.Hour
)

// Broadcaster fans a status event out to a channel.
type Broadcaster interface {
	Broadcast(channel models.ChannelID, evt models.OutboundEvent) int
}

// ConversationLister finds the conversations a user's status is shown in.
type ConversationLister interface {
	ListConversationIDs(ctx context.Context, userID int64) ([]int64, error)
}

// Mirror shares presence records between instances.
type Mirror interface {
	Set(ctx context.Context, p models.Presence) error
	Get(ctx context.Context, userID int64) (models.Presence, bool, error)
}

type Config struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	// Retention is how long an offline user's last-seen time is kept.
	Retention time.Duration
}

type record struct {
	conns      int
	status     models.PresenceStatus
	lastActive time.Time
}

// Tracker keeps advisory online/offline state per user. It never gates
// access; a stale record only affects what other users see.
type Tracker struct {
	mu      sync.Mutex
	records map[int64]*record

	// serialises state changes with their broadcasts so observers see them in order
	emitMu sync.Mutex

	broadcaster Broadcaster
	lister      ConversationLister
	mirror      Mirror
	logger      zerolog.Logger
	cfg         Config
	now         func() time.Time
}

// NewTracker builds a tracker. mirror may be nil.
func NewTracker(broadcaster Broadcaster, lister ConversationLister, mirror Mirror, cfg Config, logger zerolog.Logger) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	return &Tracker{
		records:     make(map[int64]*record),
		broadcaster: broadcaster,
		lister:      lister,
		mirror:      mirror,
		logger:      logger.With().Str("component", "presence").Logger(),
		cfg:         cfg,
		now:         time.Now,
	}
}

// Connected counts a new authenticated connection for the user. The first
// one marks the user online.
func (t *Tracker) Connected(ctx context.Context, userID int64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	rec := t.recordLocked(userID)
	rec.conns++
	rec.lastActive = t.now()
	changed := rec.status != models.StatusOnline
	rec.status = models.StatusOnline
	snapshot := t.snapshotLocked(userID, rec)
	online := t.onlineCountLocked()
	t.mu.Unlock()

	observability.SetPresenceOnline(online)
	if changed {
		t.publish(ctx, snapshot)
	}
}

// Disconnected releases one connection. When the last one goes the user is
// marked offline and the time is kept as last seen.
func (t *Tracker) Disconnected(ctx context.Context, userID int64) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	rec, ok := t.records[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	if rec.conns == 0 {
		t.mu.Unlock()
		return
	}
	rec.conns--
	if rec.conns > 0 {
		t.mu.Unlock()
		return
	}
	changed := rec.status != models.StatusOffline
	rec.status = models.StatusOffline
	rec.lastActive = t.now()
	snapshot := t.snapshotLocked(userID, rec)
	online := t.onlineCountLocked()
	t.mu.Unlock()

	observability.SetPresenceOnline(online)
	if changed {
		t.publish(ctx, snapshot)
	}
}

// MarkOnline sets the user online and announces it.
func (t *Tracker) MarkOnline(ctx context.Context, userID int64) {
	t.set(ctx, userID, models.StatusOnline)
}

// MarkOffline sets the user offline and announces it, whether or not
// connections remain open.
func (t *Tracker) MarkOffline(ctx context.Context, userID int64) {
	t.set(ctx, userID, models.StatusOffline)
}

func (t *Tracker) set(ctx context.Context, userID int64, status models.PresenceStatus) {
	t.emitMu.Lock()
	defer t.emitMu.Unlock()

	t.mu.Lock()
	rec := t.recordLocked(userID)
	rec.status = status
	if status == models.StatusOnline {
		rec.lastActive = t.now()
	}
	snapshot := t.snapshotLocked(userID, rec)
	online := t.onlineCountLocked()
	t.mu.Unlock()

	observability.SetPresenceOnline(online)
	t.publish(ctx, snapshot)
}

// Heartbeat refreshes the user's last activity. It is silent unless the
// sweep had already marked the user offline.
func (t *Tracker) Heartbeat(ctx context.Context, userID int64) {
	t.mu.Lock()
	rec := t.recordLocked(userID)
	rec.lastActive = t.now()
	revived := rec.status != models.StatusOnline
	t.mu.Unlock()

	if revived {
		t.MarkOnline(ctx, userID)
		return
	}
	if t.mirror != nil {
		t.mirrorSet(ctx, t.Status(ctx, userID))
	}
}

// Sweep marks users offline whose last activity is older than the timeout
// and returns their ids. Offline users without connections are forgotten
// once their last activity is older than the retention.
func (t *Tracker) Sweep(ctx context.Context) []int64 {
	now := t.now()
	cutoff := now.Add(-t.cfg.Timeout)
	horizon := now.Add(-t.cfg.Retention)

	t.mu.Lock()
	var stale []int64
	for userID, rec := range t.records {
		switch {
		case rec.status == models.StatusOnline && rec.lastActive.Before(cutoff):
			stale = append(stale, userID)
		case rec.status == models.StatusOffline && rec.conns == 0 && rec.lastActive.Before(horizon):
			delete(t.records, userID)
		}
	}
	t.mu.Unlock()

	var swept []int64
	for _, userID := range stale {
		t.emitMu.Lock()
		t.mu.Lock()
		rec, ok := t.records[userID]
		// re-check; a heartbeat may have landed in between
		if !ok || rec.status != models.StatusOnline || !rec.lastActive.Before(cutoff) {
			t.mu.Unlock()
			t.emitMu.Unlock()
			continue
		}
		rec.status = models.StatusOffline
		snapshot := t.snapshotLocked(userID, rec)
		online := t.onlineCountLocked()
		t.mu.Unlock()

		observability.SetPresenceOnline(online)
		t.publish(ctx, snapshot)
		t.emitMu.Unlock()
		swept = append(swept, userID)
	}
	if len(swept) > 0 {
		t.logger.Debug().Int("count", len(swept)).Msg("presence sweep marked users offline")
	}
	return swept
}

// Run sweeps on an interval until ctx is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Status returns the user's presence. A local online record wins; otherwise
// the mirror's record is used when it is newer than what this instance saw.
func (t *Tracker) Status(ctx context.Context, userID int64) models.Presence {
	p := models.Presence{UserID: userID, Status: models.StatusOffline}
	t.mu.Lock()
	if rec, ok := t.records[userID]; ok {
		p = t.snapshotLocked(userID, rec)
	}
	t.mu.Unlock()
	if p.Status == models.StatusOnline || t.mirror == nil {
		return p
	}

	remote, found, err := t.mirror.Get(ctx, userID)
	if err != nil {
		t.logger.Warn().Err(err).Int64("user_id", userID).Msg("presence mirror lookup failed")
		return p
	}
	if found && (remote.Status == models.StatusOnline || remote.LastActive.After(p.LastActive)) {
		return remote
	}
	return p
}

// OnlineCount returns how many users this instance has online.
func (t *Tracker) OnlineCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.onlineCountLocked()
}

func (t *Tracker) recordLocked(userID int64) *record {
	rec, ok := t.records[userID]
	if !ok {
		rec = &record{status: models.StatusOffline}
		t.records[userID] = rec
	}
	return rec
}

func (t *Tracker) snapshotLocked(userID int64, rec *record) models.Presence {
	return models.Presence{UserID: userID, Status: rec.status, LastActive: rec.lastActive}
}

func (t *Tracker) onlineCountLocked() int {
	n := 0
	for _, rec := range t.records {
		if rec.status == models.StatusOnline {
			n++
		}
	}
	return n
}

func (t *Tracker) publish(ctx context.Context, p models.Presence) {
	t.mirrorSet(ctx, p)

	if t.broadcaster == nil || t.lister == nil {
		return
	}
	convIDs, err := t.lister.ListConversationIDs(ctx, p.UserID)
	if err != nil {
		t.logger.Warn().Err(err).Int64("user_id", p.UserID).Msg("presence broadcast skipped")
		return
	}
	evt := models.StatusEvent(p)
	for _, id := range convIDs {
		t.broadcaster.Broadcast(models.ConversationChannel(id), evt)
	}
}

func (t *Tracker) mirrorSet(ctx context.Context, p models.Presence) {
	if t.mirror == nil {
		return
	}
	if err := t.mirror.Set(ctx, p); err != nil {
		t.logger.Warn().Err(err).Int64("user_id", p.UserID).Msg("presence mirror write failed")
	}
}
