package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// OnlineStats is the persisted event-stream connection peak record.
type OnlineStats struct {
	CurrentDay  string // YYYY-MM-DD the PeakToday value belongs to
	PeakToday   int
	PeakAllTime int
}

// GetOnlineStats returns the stored peaks, or a zero record if none exist.
func (q *Queries) GetOnlineStats(ctx context.Context) (*OnlineStats, error) {
	var st OnlineStats
	err := q.queryRow(ctx,
		"SELECT current_day, peak_today, peak_all_time FROM online_stats WHERE id = 0",
	).Scan(&st.CurrentDay, &st.PeakToday, &st.PeakAllTime)
	if errors.Is(err, sql.ErrNoRows) {
		return &OnlineStats{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get online stats: %w", err)
	}
	return &st, nil
}

// SaveOnlineStats upserts the peak record.
func (q *Queries) SaveOnlineStats(ctx context.Context, st *OnlineStats) error {
	if st == nil {
		return errors.New("online stats cannot be nil")
	}

	_, err := q.exec(ctx, `
		INSERT INTO online_stats (id, current_day, peak_today, peak_all_time)
		VALUES (0, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			current_day = excluded.current_day,
			peak_today = excluded.peak_today,
			peak_all_time = excluded.peak_all_time
	`, st.CurrentDay, st.PeakToday, st.PeakAllTime)
	if err != nil {
		return fmt.Errorf("save online stats: %w", err)
	}
	return nil
}
