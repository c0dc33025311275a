// Package frame decodes the oximeter's proprietary notification frames.
//
// Every BLE notification carries one frame: a single kind tag byte followed
// by the payload. Only two frame kinds are known; anything else is dropped
// by the caller as unrecognized.
package frame

// Frame kind tags emitted by the oximeter firmware.
const (
	TagWaveform    byte = 0xF0
	TagMeasurement byte = 0xF1
)

// Sample is the decoded form of one frame. Exactly one concrete type is
// produced per recognized frame: Measurement or Waveform.
type Sample interface {
	sample()
}

// Measurement is an instantaneous vitals reading.
type Measurement struct {
	BPM  uint8
	SpO2 uint8
}

// Waveform is a run of consecutive plethysmogram amplitude points.
type Waveform struct {
	Amplitudes []byte
}

func (Measurement) sample() {}
func (Waveform) sample()    {}

// Decode parses a raw notification payload into a Sample.
//
// A nil result means the frame is unrecognized (unknown tag, empty input, or
// a measurement frame shorter than 4 bytes) and is a normal outcome, not an
// error. Trailing bytes past the known measurement fields are ignored so
// firmware revisions can extend the frame without breaking older readers.
//
// Decode never retains the input slice: notification buffers are reused by
// the BLE stack, so waveform amplitudes are copied out.
func Decode(data []byte) Sample {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case TagMeasurement:
		if len(data) < 4 {
			return nil
		}
		return Measurement{BPM: data[1], SpO2: data[2]}

	case TagWaveform:
		amplitudes := make([]byte, len(data)-1)
		copy(amplitudes, data[1:])
		return Waveform{Amplitudes: amplitudes}

	default:
		return nil
	}
}
