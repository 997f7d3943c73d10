// Package dashboard implements DashboardManager: the read-side
// aggregation over RunsRepo/JobsRepo that powers a user's stats view
// (spec.md §4.8), grounded on the database query-then-shape
// idiom in database/backends (no ORM, hand-built aggregation queries).
package dashboard

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cronicorn/scheduler/internal/repo"
)

// Trend describes a success-rate movement against the prior window.
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

const trendDeadband = 0.02 // ±2% per spec.md §4.8

// Bucket is one zero-filled point in a time series.
type Bucket struct {
	Label   string
	Success int
	Failure int
}

// EndpointSeries is one endpoint's zero-filled series across the window.
type EndpointSeries struct {
	EndpointID   string
	EndpointName string
	Buckets      []Bucket
}

// Stats is DashboardManager's full output for one user/window.
type Stats struct {
	JobCount         int
	EndpointCounts   repo.EndpointCounts
	Success24h       int
	Failure24h       int
	SuccessRateTrend Trend
	Overall          []Bucket
	PerEndpoint      []EndpointSeries
}

// Manager computes Stats from a RunsRepo/JobsRepo pair.
type Manager struct {
	jobs repo.JobsRepo
	runs repo.RunsRepo
	topK int
}

// New builds a Manager. topK bounds per-endpoint series to the busiest
// endpoints in the window (default 20, per spec.md §4.8).
func New(jobs repo.JobsRepo, runs repo.RunsRepo, topK int) *Manager {
	if topK <= 0 {
		topK = 20
	}
	return &Manager{jobs: jobs, runs: runs, topK: topK}
}

// granularityFor implements spec.md §4.8's bucketing rule: span <= 1 day
// uses hourly buckets; 1 < span <= 14 days uses hourly buckets sampled
// every 6th hour; span > 14 days uses daily buckets.
func granularityFor(start, end time.Time) (repo.Granularity, time.Duration) {
	span := end.Sub(start)
	switch {
	case span <= 24*time.Hour:
		return repo.GranularityHour, time.Hour
	case span <= 14*24*time.Hour:
		return repo.GranularityHour, 6 * time.Hour
	default:
		return repo.GranularityDay, 24 * time.Hour
	}
}

func bucketLabel(t time.Time, step time.Duration) string {
	if step < 24*time.Hour {
		return t.UTC().Format("2006-01-02 15:00:00")
	}
	return t.UTC().Format("2006-01-02")
}

// bucketStart floors t to the start-aligned window of width step that
// contains it. The repo's granularity and a bucket's step can differ (the
// 1-14 day window queries hourly rows but buckets every 6th hour, per
// spec.md §4.8), so a point doesn't always land exactly on a step boundary;
// flooring it into its enclosing window lets every contributing row
// aggregate into the right bucket instead of only the ones that do.
func bucketStart(t, start time.Time, step time.Duration) time.Time {
	offset := t.Sub(start)
	if offset < 0 {
		return start
	}
	return start.Add((offset / step) * step)
}

// zeroFillBuckets walks [start, end) in step increments, producing one
// Bucket per tick seeded from the sparse points the repo returned.
func zeroFillBuckets(start, end time.Time, step time.Duration, points map[string][2]int) []Bucket {
	var out []Bucket
	for t := start; t.Before(end); t = t.Add(step) {
		label := bucketLabel(t, step)
		p := points[label]
		out = append(out, Bucket{Label: label, Success: p[0], Failure: p[1]})
	}
	return out
}

// GetStats produces the full dashboard payload for userID over [start, end).
func (m *Manager) GetStats(ctx context.Context, userID string, start, end time.Time) (Stats, error) {
	jobsList, err := m.jobs.ListJobs(ctx, userID)
	if err != nil {
		return Stats{}, fmt.Errorf("list jobs for dashboard: %w", err)
	}

	counts, err := m.jobs.GetEndpointCounts(ctx, userID, end)
	if err != nil {
		return Stats{}, fmt.Errorf("get endpoint counts for dashboard: %w", err)
	}

	since24h := end.Add(-24 * time.Hour)
	last24h, err := m.runs.GetFilteredMetrics(ctx, repo.RunFilter{UserID: userID, Since: &since24h, Until: &end})
	if err != nil {
		return Stats{}, fmt.Errorf("get 24h metrics: %w", err)
	}

	trend, err := m.computeTrend(ctx, userID, start, end)
	if err != nil {
		return Stats{}, fmt.Errorf("compute success-rate trend: %w", err)
	}

	granularity, step := granularityFor(start, end)
	overall, err := m.overallSeries(ctx, userID, start, end, granularity, step)
	if err != nil {
		return Stats{}, err
	}

	perEndpoint, err := m.perEndpointSeries(ctx, userID, start, end, granularity, step)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		JobCount:         len(jobsList),
		EndpointCounts:   counts,
		Success24h:       last24h.SuccessCount,
		Failure24h:       last24h.FailureCount,
		SuccessRateTrend: trend,
		Overall:          overall,
		PerEndpoint:      perEndpoint,
	}, nil
}

func (m *Manager) overallSeries(ctx context.Context, userID string, start, end time.Time, granularity repo.Granularity, step time.Duration) ([]Bucket, error) {
	points, err := m.runs.GetRunTimeSeries(ctx, repo.RunFilter{UserID: userID, Since: &start, Until: &end}, granularity)
	if err != nil {
		return nil, fmt.Errorf("get overall time series: %w", err)
	}
	byLabel := map[string][2]int{}
	for _, p := range points {
		label := bucketLabel(bucketStart(p.Date, start, step), step)
		cur := byLabel[label]
		byLabel[label] = [2]int{cur[0] + p.Success, cur[1] + p.Failure}
	}
	return zeroFillBuckets(start, end, step, byLabel), nil
}

func (m *Manager) perEndpointSeries(ctx context.Context, userID string, start, end time.Time, granularity repo.Granularity, step time.Duration) ([]EndpointSeries, error) {
	points, err := m.runs.GetEndpointTimeSeries(ctx, repo.RunFilter{UserID: userID, Since: &start, Until: &end}, granularity)
	if err != nil {
		return nil, fmt.Errorf("get endpoint time series: %w", err)
	}

	totals := map[string]int{}
	names := map[string]string{}
	byEndpointLabel := map[string]map[string][2]int{}
	for _, p := range points {
		totals[p.EndpointID] += p.Success + p.Failure
		names[p.EndpointID] = p.EndpointName
		if byEndpointLabel[p.EndpointID] == nil {
			byEndpointLabel[p.EndpointID] = map[string][2]int{}
		}
		label := bucketLabel(bucketStart(p.Date, start, step), step)
		cur := byEndpointLabel[p.EndpointID][label]
		byEndpointLabel[p.EndpointID][label] = [2]int{cur[0] + p.Success, cur[1] + p.Failure}
	}

	ids := make([]string, 0, len(totals))
	for id := range totals {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if totals[ids[i]] != totals[ids[j]] {
			return totals[ids[i]] > totals[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) > m.topK {
		ids = ids[:m.topK]
	}

	out := make([]EndpointSeries, 0, len(ids))
	for _, id := range ids {
		out = append(out, EndpointSeries{
			EndpointID:   id,
			EndpointName: names[id],
			Buckets:      zeroFillBuckets(start, end, step, byEndpointLabel[id]),
		})
	}
	return out, nil
}

// computeTrend compares the window's success rate against the prior
// equal-length window, applying spec.md §4.8's ±2% deadband.
func (m *Manager) computeTrend(ctx context.Context, userID string, start, end time.Time) (Trend, error) {
	span := end.Sub(start)
	priorStart := start.Add(-span)

	current, err := m.runs.GetFilteredMetrics(ctx, repo.RunFilter{UserID: userID, Since: &start, Until: &end})
	if err != nil {
		return "", fmt.Errorf("get current window metrics: %w", err)
	}
	prior, err := m.runs.GetFilteredMetrics(ctx, repo.RunFilter{UserID: userID, Since: &priorStart, Until: &start})
	if err != nil {
		return "", fmt.Errorf("get prior window metrics: %w", err)
	}

	currentRate, ok1 := successRate(current.SuccessCount, current.FailureCount)
	priorRate, ok2 := successRate(prior.SuccessCount, prior.FailureCount)
	if !ok1 || !ok2 {
		return TrendStable, nil
	}

	delta := currentRate - priorRate
	switch {
	case delta > trendDeadband:
		return TrendUp, nil
	case delta < -trendDeadband:
		return TrendDown, nil
	default:
		return TrendStable, nil
	}
}

func successRate(success, failure int) (float64, bool) {
	total := success + failure
	if total == 0 {
		return 0, false
	}
	return float64(success) / float64(total), true
}
