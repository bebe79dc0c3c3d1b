package timer_test

import (
	"testing"
	"time"

	"github.com/smartystreets/goconvey/convey"

	"github.com/relabs-tech/impact_correlator/internal/timer"
)

// amgFrame builds an 8-byte AMG Commander frame.
func amgFrame(subtype, shot, str byte, elapsedCS, splitCS uint16) []byte {
	return []byte{
		0x01, subtype, shot, str,
		byte(elapsedCS >> 8), byte(elapsedCS),
		byte(splitCS >> 8), byte(splitCS),
	}
}

func TestAMGDecoder(t *testing.T) {
	convey.Convey("Given the AMG decoder", t, func() {
		reg := timer.NewRegistry()
		dec, err := reg.Decoder("amg")
		convey.So(err, convey.ShouldBeNil)
		convey.So(dec.FrameLen(), convey.ShouldEqual, 8)

		convey.Convey("When decoding a shot frame", func() {
			f, err := dec.Decode(amgFrame(0x03, 2, 1, 452, 127))
			convey.So(err, convey.ShouldBeNil)

			convey.Convey("Then the times convert from centiseconds", func() {
				convey.So(f.Kind, convey.ShouldEqual, timer.KindShot)
				convey.So(f.ShotNumber, convey.ShouldEqual, 2)
				convey.So(f.StringNumber, convey.ShouldEqual, 1)
				convey.So(f.ElapsedSeconds, convey.ShouldAlmostEqual, 4.52, 1e-9)
				convey.So(f.SplitSeconds, convey.ShouldAlmostEqual, 1.27, 1e-9)
			})
		})

		convey.Convey("When decoding start and stop frames", func() {
			start, err := dec.Decode(amgFrame(0x05, 0, 1, 0, 0))
			convey.So(err, convey.ShouldBeNil)
			convey.So(start.Kind, convey.ShouldEqual, timer.KindStart)

			stop, err := dec.Decode(amgFrame(0x08, 5, 1, 1250, 0))
			convey.So(err, convey.ShouldBeNil)
			convey.So(stop.Kind, convey.ShouldEqual, timer.KindStop)
			convey.So(stop.ElapsedSeconds, convey.ShouldAlmostEqual, 12.50, 1e-9)
		})

		convey.Convey("When decoding an unrecognized subtype", func() {
			f, err := dec.Decode([]byte{0x01, 0x7F, 0xAA, 0xBB})

			convey.Convey("Then it passes through as unknown with the raw bytes kept", func() {
				convey.So(err, convey.ShouldBeNil)
				convey.So(f.Kind, convey.ShouldEqual, timer.KindUnknown)
				convey.So(f.Raw, convey.ShouldResemble, []byte{0x01, 0x7F, 0xAA, 0xBB})
			})
		})

		convey.Convey("When decoding a frame with the wrong signature", func() {
			f, err := dec.Decode([]byte{0x55, 0x03, 0x01, 0x01, 0, 0, 0, 0})
			convey.So(err, convey.ShouldBeNil)
			convey.So(f.Kind, convey.ShouldEqual, timer.KindUnknown)
		})

		convey.Convey("When the frame is too short to classify", func() {
			_, err := dec.Decode([]byte{0x01})
			convey.So(err, convey.ShouldNotBeNil)

			_, err = dec.Decode(amgFrame(0x03, 1, 1, 0, 0)[:5])
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestRegistry_UnknownVendor(t *testing.T) {
	convey.Convey("Given a registry without the requested vendor", t, func() {
		_, err := timer.NewRegistry().Decoder("witmotion")
		convey.So(err, convey.ShouldNotBeNil)
	})
}

func TestNormalizer_StringLifecycle(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	convey.Convey("Given a normalizer running one full string", t, func() {
		n := timer.NewNormalizer("amg-commander")

		start, ok := n.Feed(timer.Frame{Kind: timer.KindStart, StringNumber: 1}, base)
		convey.So(ok, convey.ShouldBeTrue)
		convey.So(start.Kind, convey.ShouldEqual, timer.KindStart)
		convey.So(n.Active(), convey.ShouldBeTrue)

		shot1, _ := n.Feed(timer.Frame{
			Kind: timer.KindShot, ShotNumber: 1, StringNumber: 1,
			ElapsedSeconds: 1.20, SplitSeconds: 1.20,
		}, base.Add(1200*time.Millisecond))

		shot2, _ := n.Feed(timer.Frame{
			Kind: timer.KindShot, ShotNumber: 2, StringNumber: 1,
			ElapsedSeconds: 2.05, SplitSeconds: 0.85,
		}, base.Add(2100*time.Millisecond))

		convey.Convey("Then shots are numbered and stamped in arrival order", func() {
			convey.So(shot1.ShotNumber, convey.ShouldEqual, 1)
			convey.So(shot1.SplitSeconds, convey.ShouldEqual, 0) // first shot has no split
			convey.So(shot2.ShotNumber, convey.ShouldEqual, 2)
		})

		convey.Convey("And the wall-clock split is kept alongside the device split", func() {
			convey.So(shot2.SplitSeconds, convey.ShouldAlmostEqual, 0.9, 1e-9)
			convey.So(shot2.DeviceSplitSeconds, convey.ShouldAlmostEqual, 0.85, 1e-9)
		})

		convey.Convey("When the string stops", func() {
			stop, _ := n.Feed(timer.Frame{Kind: timer.KindStop, StringNumber: 1}, base.Add(3*time.Second))
			convey.So(stop.Kind, convey.ShouldEqual, timer.KindStop)
			convey.So(stop.ShotNumber, convey.ShouldEqual, 2)
			convey.So(n.Active(), convey.ShouldBeFalse)

			convey.Convey("Then the next string restarts numbering at 1", func() {
				n.Feed(timer.Frame{Kind: timer.KindStart, StringNumber: 2}, base.Add(10*time.Second))
				shot, _ := n.Feed(timer.Frame{Kind: timer.KindShot, ShotNumber: 1, StringNumber: 2},
					base.Add(11*time.Second))
				convey.So(shot.ShotNumber, convey.ShouldEqual, 1)
				convey.So(shot.SplitSeconds, convey.ShouldEqual, 0)
				convey.So(shot.StringNumber, convey.ShouldEqual, 2)
			})
		})
	})
}

func TestNormalizer_ImplicitStart(t *testing.T) {
	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

	convey.Convey("Given a shot frame arriving while idle", t, func() {
		n := timer.NewNormalizer("amg-commander")
		shot, ok := n.Feed(timer.Frame{Kind: timer.KindShot, ShotNumber: 1}, base)

		convey.Convey("Then the string opens implicitly", func() {
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(shot.ShotNumber, convey.ShouldEqual, 1)
			convey.So(n.Active(), convey.ShouldBeTrue)
		})
	})
}

func TestNormalizer_UnknownPassThrough(t *testing.T) {
	convey.Convey("Given an unknown frame", t, func() {
		n := timer.NewNormalizer("amg-commander")
		raw := []byte{0x01, 0x7F, 0x00}
		ev, ok := n.Feed(timer.Frame{Kind: timer.KindUnknown, Raw: raw}, time.Now())

		convey.Convey("Then it is emitted for offline analysis, not dropped", func() {
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(ev.Kind, convey.ShouldEqual, timer.KindUnknown)
			convey.So(ev.Raw, convey.ShouldResemble, raw)
		})
	})
}
