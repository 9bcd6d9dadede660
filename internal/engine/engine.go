package engine

import (
	"sort"

	"homesense/internal/model"
	"homesense/internal/normalize"
)

// BuildHourlyView returns one bucket per 24h slice of the window, oldest
// first. A slice's flag for hour h is set once any motion event in that slice
// happened during UTC hour h; later non-motion events never clear it.
func BuildHourlyView(events []model.CanonicalEvent, w Window) []model.DayBucket {
	buckets := make([]model.DayBucket, w.Days)
	for i := range buckets {
		start, _ := w.Slice(i)
		buckets[i].Date = dateOf(start)
	}
	for _, ev := range events {
		if !normalize.MotionDetected(ev) {
			continue
		}
		idx := w.SliceIndex(ev.OccurredAt)
		if idx < 0 {
			continue
		}
		buckets[idx].MotionData[ev.OccurredAt.UTC().Hour()] = true
	}
	return buckets
}

// BuildInsights summarizes motion events in the window. An empty window
// yields every hour as a peak and "N/A" extrema days.
func BuildInsights(events []model.CanonicalEvent, w Window) model.InsightsReport {
	var hourly [24]int
	report := model.InsightsReport{DailyMotionCounts: map[string]int{}}
	for _, ev := range events {
		if !normalize.MotionDetected(ev) || !w.Contains(ev.OccurredAt) {
			continue
		}
		report.TotalMotionDetections++
		report.DailyMotionCounts[dateOf(ev.OccurredAt)]++
		hourly[ev.OccurredAt.UTC().Hour()]++
	}
	report.PeakHours = peakHours(hourly)
	report.DayWithHighestMotion, report.DayWithLowestMotion = extremaDays(report.DailyMotionCounts)
	return report
}

// BuildDailyTotals counts motion events per UTC date in ascending order.
// Dates without a motion event are left out.
func BuildDailyTotals(events []model.CanonicalEvent, w Window) []model.DailyTotal {
	counts := map[string]int{}
	for _, ev := range events {
		if !normalize.MotionDetected(ev) || !w.Contains(ev.OccurredAt) {
			continue
		}
		counts[dateOf(ev.OccurredAt)]++
	}
	dates := sortedDates(counts)
	out := make([]model.DailyTotal, 0, len(dates))
	for _, d := range dates {
		out = append(out, model.DailyTotal{Date: d, TotalMotions: counts[d]})
	}
	return out
}

func peakHours(hourly [24]int) []int {
	top := 0
	for _, c := range hourly {
		if c > top {
			top = c
		}
	}
	out := make([]int, 0, 24)
	for h, c := range hourly {
		if c == top {
			out = append(out, h)
		}
	}
	return out
}

// extremaDays scans dates in ascending order with strict comparisons, so the
// earliest date wins a tie.
func extremaDays(counts map[string]int) (model.DayCount, model.DayCount) {
	dates := sortedDates(counts)
	if len(dates) == 0 {
		none := model.DayCount{Date: model.NoDay}
		return none, none
	}
	best := model.DayCount{Date: dates[0], Count: counts[dates[0]]}
	worst := best
	for _, d := range dates[1:] {
		c := counts[d]
		if c > best.Count {
			best = model.DayCount{Date: d, Count: c}
		}
		if c < worst.Count {
			worst = model.DayCount{Date: d, Count: c}
		}
	}
	return best, worst
}

func sortedDates(counts map[string]int) []string {
	dates := make([]string, 0, len(counts))
	for d := range counts {
		dates = append(dates, d)
	}
	sort.Strings(dates)
	return dates
}
