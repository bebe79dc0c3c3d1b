package timer

import "time"

// Event is a normalized timer event with a wall-clock timestamp assigned at
// arrival. Immutable once emitted.
type Event struct {
	Kind      Kind      `json:"kind"`
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`

	ShotNumber   int `json:"shot_number,omitempty"`
	StringNumber int `json:"string_number,omitempty"`

	ElapsedSeconds float64 `json:"elapsed_s,omitempty"`

	// SplitSeconds is computed from the previous shot's wall-clock arrival;
	// DeviceSplitSeconds is what the timer itself reported. The two can
	// disagree under transport jitter, so both are retained.
	SplitSeconds       float64 `json:"split_s,omitempty"`
	DeviceSplitSeconds float64 `json:"device_split_s,omitempty"`

	// DeviceShotNumber is the timer's own shot counter, kept alongside the
	// normalizer's counter for downstream comparison.
	DeviceShotNumber int `json:"device_shot_number,omitempty"`

	Raw []byte `json:"raw,omitempty"` // unknown frames only
}

type normalizerState int

const (
	stateIdle normalizerState = iota
	stateActive
)

// Normalizer runs the IDLE -> ACTIVE -> IDLE string state machine over
// decoded frames. Not safe for concurrent use; one Normalizer per timer.
type Normalizer struct {
	deviceID string

	state        normalizerState
	shotCount    int
	stringCount  int
	prevShotTime time.Time
}

// NewNormalizer creates a Normalizer for one timer device.
func NewNormalizer(deviceID string) *Normalizer {
	return &Normalizer{deviceID: deviceID}
}

// Feed applies one decoded frame at wall-clock time now and returns the
// normalized event. Unknown frames pass through unchanged in kind.
func (n *Normalizer) Feed(frame Frame, now time.Time) (Event, bool) {
	ev := Event{
		Kind:      frame.Kind,
		DeviceID:  n.deviceID,
		Timestamp: now,
	}

	switch frame.Kind {
	case KindStart:
		n.beginString(frame.StringNumber)
		ev.StringNumber = n.stringCount
		return ev, true

	case KindShot:
		if n.state == stateIdle {
			// Some firmware omits the start frame; the first shot opens
			// the string implicitly.
			n.beginString(frame.StringNumber)
		}
		n.shotCount++

		var split float64
		if !n.prevShotTime.IsZero() {
			split = now.Sub(n.prevShotTime).Seconds()
		}
		n.prevShotTime = now

		ev.ShotNumber = n.shotCount
		ev.DeviceShotNumber = frame.ShotNumber
		ev.StringNumber = n.stringCount
		ev.ElapsedSeconds = frame.ElapsedSeconds
		ev.SplitSeconds = split
		ev.DeviceSplitSeconds = frame.SplitSeconds
		return ev, true

	case KindStop:
		ev.ShotNumber = n.shotCount
		ev.StringNumber = n.stringCount
		ev.ElapsedSeconds = frame.ElapsedSeconds
		n.state = stateIdle
		n.shotCount = 0
		n.prevShotTime = time.Time{}
		return ev, true

	case KindUnknown:
		ev.Raw = frame.Raw
		return ev, true
	}

	return Event{}, false
}

// beginString resets per-string state on a START (explicit or implied).
func (n *Normalizer) beginString(deviceString int) {
	n.state = stateActive
	n.shotCount = 0
	n.prevShotTime = time.Time{}
	if deviceString > 0 {
		n.stringCount = deviceString
	} else {
		n.stringCount++
	}
}

// Active reports whether a string is in progress.
func (n *Normalizer) Active() bool {
	return n.state == stateActive
}
