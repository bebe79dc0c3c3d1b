package app

import (
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/impact_correlator/internal/config"
	"github.com/relabs-tech/impact_correlator/internal/correlate"
	"github.com/relabs-tech/impact_correlator/internal/store"
	"github.com/relabs-tech/impact_correlator/internal/timing"
)

// RunReport re-runs the correlator over stored shots and impacts from the
// given window and prints a per-quality summary.
func RunReport(cfg *config.Config, from, to time.Time) error {
	st, err := store.Open(cfg.StorePath, cfg.StoreQueueSize)
	if err != nil {
		return err
	}
	defer st.Close()

	shots, err := st.ListShots(from, to)
	if err != nil {
		return err
	}
	impacts, err := st.ListImpacts(from, to)
	if err != nil {
		return err
	}
	log.Printf("report: %d shots, %d impacts between %s and %s",
		len(shots), len(impacts), from.Format(time.RFC3339), to.Format(time.RFC3339))

	cal := timing.NewCalibrator()
	if err := cal.Load(cfg.TimingStatePath); err != nil && err != timing.ErrNoState {
		return err
	}
	window := cal.Window()

	buckets := correlate.Buckets{
		Excellent: time.Duration(cfg.QualityExcellentMillis) * time.Millisecond,
		Good:      time.Duration(cfg.QualityGoodMillis) * time.Millisecond,
		Fair:      time.Duration(cfg.QualityFairMillis) * time.Millisecond,
	}

	results := correlate.Correlate(shots, impacts, window, buckets)

	counts := make(map[correlate.Quality]int)
	var delaySum float64
	var matched int
	for _, r := range results {
		counts[r.Quality]++
		if r.Shot != nil && r.Impact != nil {
			delaySum += r.DelaySeconds
			matched++
		}
	}

	fmt.Printf("correlation window: [%s, %s]\n", window.MinDelay, window.MaxDelay)
	for _, q := range []correlate.Quality{
		correlate.QualityExcellent, correlate.QualityGood, correlate.QualityFair,
		correlate.QualityPoor, correlate.QualityNone, correlate.QualityOrphaned,
	} {
		fmt.Printf("  %-10s %4d\n", q, counts[q])
	}
	if matched > 0 {
		fmt.Printf("matched %d of %d shots, mean delay %.0fms\n",
			matched, len(shots), delaySum/float64(matched)*1000)
	}

	stored, err := st.QualityCounts()
	if err != nil {
		return err
	}
	if len(stored) > 0 {
		fmt.Println("stored correlation rows:")
		for q, n := range stored {
			fmt.Printf("  %-10s %4d\n", q, n)
		}
	}
	return nil
}
