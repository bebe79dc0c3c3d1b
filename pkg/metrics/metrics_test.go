package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smartystreets/goconvey/convey"
)

func TestDroppedSampleCounting(t *testing.T) {
	convey.Convey("Given a sensor losing samples in bursts", t, func() {
		const sensor = "drop-counting-sensor"

		RecordDroppedSample(sensor)
		RecordDroppedSamples(sensor, 3)

		convey.Convey("Then the counter advances by the full batch size", func() {
			n := testutil.ToFloat64(samplesDropped.WithLabelValues(sensor))
			convey.So(n, convey.ShouldEqual, 4)
		})
	})
}

func TestImpactRecording(t *testing.T) {
	convey.Convey("Given a detected impact", t, func() {
		const sensor = "impact-recording-sensor"

		RecordImpact(sensor, 412.0)

		convey.Convey("Then the per-sensor counter reflects it", func() {
			n := testutil.ToFloat64(impactsDetected.WithLabelValues(sensor))
			convey.So(n, convey.ShouldEqual, 1)
		})
	})
}
