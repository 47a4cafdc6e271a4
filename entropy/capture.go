package entropy

import "errors"

// AudioSource stands in for a microphone thermal-noise source. No audio
// capture path is wired on server builds, so Fill refuses with
// errors.ErrUnsupported and the aggregator skips the source.
type AudioSource struct{}

func (AudioSource) Name() string { return "audio-noise" }

// EntropyEstimate claims nothing while capture is unimplemented.
func (AudioSource) EntropyEstimate() float64 { return 0.0 }

func (AudioSource) Fill(dest []byte) error {
	return errors.ErrUnsupported
}

// VideoSource stands in for a camera sensor-noise source, unwired for the
// same reason as AudioSource.
type VideoSource struct{}

func (VideoSource) Name() string { return "video-noise" }

func (VideoSource) EntropyEstimate() float64 { return 0.0 }

func (VideoSource) Fill(dest []byte) error {
	return errors.ErrUnsupported
}
