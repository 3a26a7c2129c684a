// Package onlinestats tracks how many clients hold an event stream open,
// with today's and all-time peaks persisted across restarts.
package onlinestats

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sleepy-project/sleepy/internal/plugin"
	"github.com/sleepy-project/sleepy/internal/storage"
)

// HeaderOnline carries the current count on every response.
const HeaderOnline = "X-Sleepy-Online"

const dayLayout = "2006-01-02"

// Stats is a point-in-time view of the counters.
type Stats struct {
	Current     int    `json:"current"`
	PeakToday   int    `json:"peak_today"`
	PeakAllTime int    `json:"peak_all_time"`
	Today       string `json:"today"`
}

// Tracker observes online-count changes and keeps the peaks.
type Tracker struct {
	mu    sync.Mutex
	stats Stats

	store  *storage.Store
	now    func() time.Time
	logger *zap.Logger
}

// New creates a tracker. now may be nil.
func New(store *storage.Store, now func() time.Time, logger *zap.Logger) *Tracker {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{store: store, now: now, logger: logger.Named("onlinestats")}
}

// Info implements plugin.Plugin.
func (t *Tracker) Info() plugin.Info {
	return plugin.Info{
		Name:        "online_count",
		Version:     "1.0.0",
		Description: "Event stream online count with daily and all-time peaks",
	}
}

// Load restores persisted peaks. A stored day other than today resets the
// daily peak to the current count.
func (t *Tracker) Load(ctx context.Context) error {
	st, err := t.store.GetOnlineStats(ctx)
	if err != nil {
		return err
	}

	t.mu.Lock()
	today := t.now().Format(dayLayout)
	t.stats.PeakAllTime = st.PeakAllTime
	t.stats.Today = today
	if st.CurrentDay == today {
		t.stats.PeakToday = st.PeakToday
	} else {
		t.stats.PeakToday = t.stats.Current
	}
	snapshot := t.stats
	t.mu.Unlock()

	return t.save(ctx, snapshot)
}

// Observe records a new online count. It is registered as a hub observer.
func (t *Tracker) Observe(online int) {
	if online < 0 {
		online = 0
	}

	t.mu.Lock()
	before := t.stats
	today := t.now().Format(dayLayout)
	if t.stats.Today != today {
		t.stats.Today = today
		t.stats.PeakToday = t.stats.Current
	}
	t.stats.Current = online
	if online > t.stats.PeakToday {
		t.stats.PeakToday = online
	}
	if online > t.stats.PeakAllTime {
		t.stats.PeakAllTime = online
	}
	after := t.stats
	t.mu.Unlock()

	t.logger.Debug("online count changed", zap.Int("online", online))
	if after.PeakToday != before.PeakToday || after.PeakAllTime != before.PeakAllTime || after.Today != before.Today {
		if err := t.save(context.Background(), after); err != nil {
			t.logger.Warn("cannot persist online stats", zap.Error(err))
		}
	}
}

func (t *Tracker) save(ctx context.Context, st Stats) error {
	return t.store.SaveOnlineStats(ctx, &storage.OnlineStats{
		CurrentDay:  st.Today,
		PeakToday:   st.PeakToday,
		PeakAllTime: st.PeakAllTime,
	})
}

// Stats returns the current counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// RegisterRoutes implements plugin.RouteRegistrar.
func (t *Tracker) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/online", t.handleOnline).Methods(http.MethodGet)
}

// ModifyResponse implements plugin.ResponseModifier.
func (t *Tracker) ModifyResponse(_ *http.Request, h http.Header, _ int) {
	h.Set(HeaderOnline, strconv.Itoa(t.Stats().Current))
}

func (t *Tracker) handleOnline(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(t.Stats())
}
