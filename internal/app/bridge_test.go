// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"io"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/smartystreets/goconvey/convey"

	"github.com/relabs-tech/impact_correlator/internal/config"
	"github.com/relabs-tech/impact_correlator/internal/telemetry"
	"github.com/relabs-tech/impact_correlator/internal/timer"
)

func newTestBridge() *bridge {
	return &bridge{
		cfg:       config.New(),
		pipelines: make(map[string]chan telemetry.RawSample),
		quit:      make(chan struct{}),
	}
}

// returnsWithin reports whether f returns before the deadline.
func returnsWithin(f func(), d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

type stubMessage struct {
	topic   string
	payload []byte
}

func (m *stubMessage) Duplicate() bool   { return false }
func (m *stubMessage) Qos() byte         { return 0 }
func (m *stubMessage) Retained() bool    { return false }
func (m *stubMessage) Topic() string     { return m.topic }
func (m *stubMessage) MessageID() uint16 { return 0 }
func (m *stubMessage) Payload() []byte   { return m.payload }
func (m *stubMessage) Ack()              {}

// stubToken never completes; Done stays open.
type stubToken struct {
	done chan struct{}
}

func (t *stubToken) Wait() bool                     { return false }
func (t *stubToken) WaitTimeout(time.Duration) bool { return false }
func (t *stubToken) Done() <-chan struct{}          { return t.done }
func (t *stubToken) Error() error                   { return nil }

type stubClient struct {
	publishToken mqtt.Token
}

func (c *stubClient) IsConnected() bool      { return true }
func (c *stubClient) IsConnectionOpen() bool { return true }
func (c *stubClient) Connect() mqtt.Token    { return c.publishToken }
func (c *stubClient) Disconnect(uint)        {}
func (c *stubClient) Publish(string, byte, bool, interface{}) mqtt.Token {
	return c.publishToken
}
func (c *stubClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	return c.publishToken
}
func (c *stubClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return c.publishToken
}
func (c *stubClient) Unsubscribe(...string) mqtt.Token        { return c.publishToken }
func (c *stubClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *stubClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func TestSampleRoutingAfterShutdown(t *testing.T) {
	convey.Convey("Given a bridge with one live sensor pipeline", t, func() {
		b := newTestBridge()
		msg := &stubMessage{
			topic:   b.cfg.TopicSamplePrefix + "/bt50-1",
			payload: []byte(`{"sensor_id":"bt50-1","ts_ns":1,"vx":2048,"vy":2052,"vz":1997}`),
		}

		b.handleSampleMessage(nil, msg)
		convey.So(b.pipelines, convey.ShouldHaveLength, 1)

		convey.Convey("When the pipelines are closed during shutdown", func() {
			b.closePipelines()

			convey.Convey("Then a late broker dispatch must not panic", func() {
				convey.So(func() { b.handleSampleMessage(nil, msg) }, convey.ShouldNotPanic)
				convey.So(b.pipelines, convey.ShouldHaveLength, 1)
			})

			convey.Convey("And the pipeline goroutine drains and exits", func() {
				convey.So(returnsWithin(b.wg.Wait, 2*time.Second), convey.ShouldBeTrue)
			})

			convey.Convey("And no new pipeline starts for an unseen sensor", func() {
				late := &stubMessage{
					topic:   b.cfg.TopicSamplePrefix + "/bt50-2",
					payload: []byte(`{"sensor_id":"bt50-2","ts_ns":1,"vx":0,"vy":0,"vz":0}`),
				}
				convey.So(func() { b.handleSampleMessage(nil, late) }, convey.ShouldNotPanic)
				convey.So(b.pipelines, convey.ShouldHaveLength, 1)
			})
		})
	})
}

func TestTimerReaderShutdown(t *testing.T) {
	convey.Convey("Given a frame reader blocked on a quiet port", t, func() {
		b := newTestBridge()
		pr, pw := io.Pipe()
		defer pw.Close()
		b.timerPort = pr

		decoder, err := timer.NewRegistry().Decoder("amg")
		convey.So(err, convey.ShouldBeNil)

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.readFrames(pr, decoder)
		}()

		convey.Convey("When shutdown closes the port", func() {
			close(b.quit)
			b.closeTimerPort()

			convey.Convey("Then the blocked read returns and the goroutine exits", func() {
				convey.So(returnsWithin(b.wg.Wait, 2*time.Second), convey.ShouldBeTrue)
			})

			convey.Convey("And closing again is harmless", func() {
				convey.So(b.closeTimerPort, convey.ShouldNotPanic)
			})
		})
	})
}

func TestPublishDoesNotBlock(t *testing.T) {
	convey.Convey("Given a broker connection that never acknowledges", t, func() {
		b := newTestBridge()
		b.client = &stubClient{publishToken: &stubToken{done: make(chan struct{})}}

		convey.Convey("Then publish returns without waiting on the token", func() {
			returned := returnsWithin(func() {
				b.publish(b.cfg.TopicImpacts, map[string]int{"n": 1})
			}, 2*time.Second)
			convey.So(returned, convey.ShouldBeTrue)
		})
	})
}
