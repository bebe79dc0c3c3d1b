package correlate_test

import (
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/relabs-tech/impact_correlator/internal/correlate"
	"github.com/relabs-tech/impact_correlator/internal/detect"
	"github.com/relabs-tech/impact_correlator/internal/timer"
)

var base = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func shotAt(num int, offset time.Duration) timer.Event {
	return timer.Event{
		Kind:       timer.KindShot,
		DeviceID:   "amg-commander",
		Timestamp:  base.Add(offset),
		ShotNumber: num,
	}
}

func impactAt(offset time.Duration) detect.ImpactEvent {
	return detect.ImpactEvent{
		SensorID:      "bt50-1",
		OnsetTime:     base.Add(offset),
		PeakTime:      base.Add(offset + 20*time.Millisecond),
		PeakMagnitude: 400,
	}
}

func TestBuckets_Grade(t *testing.T) {
	convey.Convey("Given the default quality buckets", t, func() {
		b := correlate.DefaultBuckets()

		convey.Convey("Then the bucket boundaries are inclusive", func() {
			convey.So(b.Grade(200*time.Millisecond), convey.ShouldEqual, correlate.QualityExcellent)
			convey.So(b.Grade(201*time.Millisecond), convey.ShouldEqual, correlate.QualityGood)
			convey.So(b.Grade(500*time.Millisecond), convey.ShouldEqual, correlate.QualityGood)
			convey.So(b.Grade(501*time.Millisecond), convey.ShouldEqual, correlate.QualityFair)
			convey.So(b.Grade(time.Second), convey.ShouldEqual, correlate.QualityFair)
			convey.So(b.Grade(1001*time.Millisecond), convey.ShouldEqual, correlate.QualityPoor)
		})

		convey.Convey("And grading uses the absolute delay", func() {
			convey.So(b.Grade(-150*time.Millisecond), convey.ShouldEqual, correlate.QualityExcellent)
		})
	})
}

func TestCorrelate_WindowBoundaries(t *testing.T) {
	convey.Convey("Given a single shot and the default window", t, func() {
		shots := []timer.Event{shotAt(1, 0)}
		window := correlate.DefaultWindow()
		buckets := correlate.DefaultBuckets()

		convey.Convey("When the impact lands just inside the far edge", func() {
			out := correlate.Correlate(shots, []detect.ImpactEvent{impactAt(2999 * time.Millisecond)}, window, buckets)
			convey.So(out, convey.ShouldHaveLength, 1)
			convey.So(out[0].Impact, convey.ShouldNotBeNil)
			convey.So(out[0].Quality, convey.ShouldEqual, correlate.QualityPoor)
		})

		convey.Convey("When the impact lands just outside the far edge", func() {
			out := correlate.Correlate(shots, []detect.ImpactEvent{impactAt(3001 * time.Millisecond)}, window, buckets)
			convey.So(out, convey.ShouldHaveLength, 2)
			convey.So(out[0].Quality, convey.ShouldEqual, correlate.QualityNone)
			convey.So(out[1].Quality, convey.ShouldEqual, correlate.QualityOrphaned)
		})

		convey.Convey("When the impact precedes the shot within clock-skew tolerance", func() {
			out := correlate.Correlate(shots, []detect.ImpactEvent{impactAt(-400 * time.Millisecond)}, window, buckets)
			convey.So(out, convey.ShouldHaveLength, 1)
			convey.So(out[0].Impact, convey.ShouldNotBeNil)
			convey.So(out[0].DelaySeconds, convey.ShouldAlmostEqual, -0.4, 1e-9)
		})

		convey.Convey("When the impact precedes the shot beyond tolerance", func() {
			out := correlate.Correlate(shots, []detect.ImpactEvent{impactAt(-600 * time.Millisecond)}, window, buckets)
			convey.So(out, convey.ShouldHaveLength, 2)
			convey.So(out[0].Quality, convey.ShouldEqual, correlate.QualityNone)
			convey.So(out[1].Quality, convey.ShouldEqual, correlate.QualityOrphaned)
		})
	})
}

func TestCorrelate_Session(t *testing.T) {
	convey.Convey("Given a string of three shots and two impacts", t, func() {
		shots := []timer.Event{
			shotAt(1, 1*time.Second),
			shotAt(2, 3*time.Second),
			shotAt(3, 5*time.Second),
		}
		impacts := []detect.ImpactEvent{
			impactAt(1520 * time.Millisecond),
			impactAt(3050 * time.Millisecond),
		}
		window := correlate.DefaultWindow()
		buckets := correlate.DefaultBuckets()

		out := correlate.Correlate(shots, impacts, window, buckets)

		convey.Convey("Then each shot appears once, graded by its delay", func() {
			convey.So(out, convey.ShouldHaveLength, 3)

			convey.So(out[0].Shot.ShotNumber, convey.ShouldEqual, 1)
			convey.So(out[0].DelaySeconds, convey.ShouldAlmostEqual, 0.52, 1e-9)
			convey.So(out[0].Quality, convey.ShouldEqual, correlate.QualityFair)

			convey.So(out[1].Shot.ShotNumber, convey.ShouldEqual, 2)
			convey.So(out[1].DelaySeconds, convey.ShouldAlmostEqual, 0.05, 1e-9)
			convey.So(out[1].Quality, convey.ShouldEqual, correlate.QualityExcellent)

			convey.So(out[2].Shot.ShotNumber, convey.ShouldEqual, 3)
			convey.So(out[2].Impact, convey.ShouldBeNil)
			convey.So(out[2].Quality, convey.ShouldEqual, correlate.QualityNone)
		})

		convey.Convey("And running the same inputs again yields the same result", func() {
			again := correlate.Correlate(shots, impacts, window, buckets)
			convey.So(again, convey.ShouldHaveLength, len(out))
			for i := range out {
				convey.So(again[i].Quality, convey.ShouldEqual, out[i].Quality)
				convey.So(again[i].DelaySeconds, convey.ShouldAlmostEqual, out[i].DelaySeconds, 1e-12)
			}
		})
	})
}

func TestCorrelate_ImpactConsumedOnce(t *testing.T) {
	convey.Convey("Given two shots fighting over one impact", t, func() {
		shots := []timer.Event{
			shotAt(1, 0),
			shotAt(2, 300*time.Millisecond),
		}
		impacts := []detect.ImpactEvent{impactAt(250 * time.Millisecond)}

		out := correlate.Correlate(shots, impacts, correlate.DefaultWindow(), correlate.DefaultBuckets())

		convey.Convey("Then the earlier shot takes it and the other goes unmatched", func() {
			convey.So(out, convey.ShouldHaveLength, 2)
			convey.So(out[0].Shot.ShotNumber, convey.ShouldEqual, 1)
			convey.So(out[0].Impact, convey.ShouldNotBeNil)
			convey.So(out[1].Shot.ShotNumber, convey.ShouldEqual, 2)
			convey.So(out[1].Quality, convey.ShouldEqual, correlate.QualityNone)
		})
	})
}

func TestCorrelate_TieBreak(t *testing.T) {
	convey.Convey("Given two impacts equidistant from one shot", t, func() {
		shots := []timer.Event{shotAt(1, time.Second)}
		impacts := []detect.ImpactEvent{
			impactAt(900 * time.Millisecond),  // 100 ms early
			impactAt(1100 * time.Millisecond), // 100 ms late
		}

		out := correlate.Correlate(shots, impacts, correlate.DefaultWindow(), correlate.DefaultBuckets())

		convey.Convey("Then the earlier impact wins", func() {
			convey.So(out[0].Impact, convey.ShouldNotBeNil)
			convey.So(out[0].DelaySeconds, convey.ShouldAlmostEqual, -0.1, 1e-9)
			convey.So(out[1].Quality, convey.ShouldEqual, correlate.QualityOrphaned)
		})
	})
}

func TestCorrelate_UnsortedInput(t *testing.T) {
	convey.Convey("Given shots and impacts in arrival order, not time order", t, func() {
		shots := []timer.Event{shotAt(2, 3*time.Second), shotAt(1, 1*time.Second)}
		impacts := []detect.ImpactEvent{
			impactAt(3050 * time.Millisecond),
			impactAt(1520 * time.Millisecond),
		}

		out := correlate.Correlate(shots, impacts, correlate.DefaultWindow(), correlate.DefaultBuckets())

		convey.Convey("Then matching still runs chronologically", func() {
			convey.So(out, convey.ShouldHaveLength, 2)
			convey.So(out[0].Shot.ShotNumber, convey.ShouldEqual, 1)
			convey.So(out[0].DelaySeconds, convey.ShouldAlmostEqual, 0.52, 1e-9)
			convey.So(out[1].Shot.ShotNumber, convey.ShouldEqual, 2)
			convey.So(out[1].DelaySeconds, convey.ShouldAlmostEqual, 0.05, 1e-9)
		})
	})
}

func TestCorrelate_Empty(t *testing.T) {
	convey.Convey("Given no shots and no impacts", t, func() {
		out := correlate.Correlate(nil, nil, correlate.DefaultWindow(), correlate.DefaultBuckets())
		convey.So(out, convey.ShouldBeEmpty)
	})

	convey.Convey("Given only impacts", t, func() {
		out := correlate.Correlate(nil, []detect.ImpactEvent{impactAt(0)}, correlate.DefaultWindow(), correlate.DefaultBuckets())
		convey.So(out, convey.ShouldHaveLength, 1)
		convey.So(out[0].Quality, convey.ShouldEqual, correlate.QualityOrphaned)
	})
}
