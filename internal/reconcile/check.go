package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.uber.org/zap"

	"qbank/internal/metrics"
)

// Consistency describes how the two tables relate right now.
type Consistency struct {
	Questions int `json:"questions"`
	StatsRows int `json:"stats_rows"`
	// Linked is the number of questions with at least one statistics row.
	Linked int `json:"linked"`
	// Orphaned counts distinct missing question ids referenced by stats.
	Orphaned int `json:"orphaned"`
	// Missing counts questions without statistics.
	Missing int `json:"missing"`
	// Unlinked counts stats rows with no question id.
	Unlinked    int     `json:"unlinked"`
	ContentRows int     `json:"content_rows"`
	Quality     Quality `json:"quality"`
}

// Consistent reports whether every reconcile operation would be a no-op.
// Content rows that are permanently skipped keep this false.
func (c Consistency) Consistent() bool {
	return c.Orphaned == 0 && c.Missing == 0 && c.Unlinked == 0 && c.ContentRows == 0
}

// Quality summarizes question content.
type Quality struct {
	WithOptions     int            `json:"with_options"`
	WithExplanation int            `json:"with_explanation"`
	WithYear        int            `json:"with_year"`
	ByCategory      map[string]int `json:"by_category"`
	ByYear          map[string]int `json:"by_year"`
}

// Check reads both tables and reports without changing anything.
func (r *Reconciler) Check(ctx context.Context) (Consistency, error) {
	start := time.Now()
	c, err := r.check(ctx)
	metrics.RecordStep("check", err, time.Since(start))
	if err != nil {
		return c, fmt.Errorf("reconcile check: %w", err)
	}
	r.log.Info("consistency",
		zap.Int("questions", c.Questions),
		zap.Int("stats_rows", c.StatsRows),
		zap.Int("linked", c.Linked),
		zap.Int("orphaned", c.Orphaned),
		zap.Int("missing", c.Missing),
		zap.Int("unlinked", c.Unlinked),
		zap.Int("content_rows", c.ContentRows),
		zap.Bool("consistent", c.Consistent()),
	)
	return c, nil
}

func (r *Reconciler) check(ctx context.Context) (Consistency, error) {
	var c Consistency
	qids, sids, err := r.idSets(ctx)
	if err != nil {
		return c, err
	}
	if c.StatsRows, err = r.st.StatsCount(ctx); err != nil {
		return c, err
	}
	if c.Unlinked, err = r.st.UnlinkedStatsCount(ctx); err != nil {
		return c, err
	}
	content, err := r.st.StatsWithContent(ctx)
	if err != nil {
		return c, err
	}
	profiles, err := r.st.QuestionProfiles(ctx)
	if err != nil {
		return c, err
	}

	c.Questions = len(qids)
	c.Orphaned = len(difference(sids, qids))
	c.Missing = len(difference(qids, sids))
	c.Linked = len(qids) - c.Missing
	c.ContentRows = len(content)

	c.Quality = Quality{ByCategory: map[string]int{}, ByYear: map[string]int{}}
	for _, p := range profiles {
		if p.OptionCount > 0 {
			c.Quality.WithOptions++
		}
		if p.HasExplanation {
			c.Quality.WithExplanation++
		}
		if p.ExamYear != nil {
			c.Quality.WithYear++
			c.Quality.ByYear[strconv.Itoa(*p.ExamYear)]++
		}
		c.Quality.ByCategory[p.Category]++
	}
	return c, nil
}

// TopCategories returns category names by descending count, ties by name.
func (q Quality) TopCategories(n int) []string {
	names := make([]string, 0, len(q.ByCategory))
	for k := range q.ByCategory {
		names = append(names, k)
	}
	sort.Slice(names, func(i, j int) bool {
		if q.ByCategory[names[i]] != q.ByCategory[names[j]] {
			return q.ByCategory[names[i]] > q.ByCategory[names[j]]
		}
		return names[i] < names[j]
	})
	if n > 0 && len(names) > n {
		names = names[:n]
	}
	return names
}
