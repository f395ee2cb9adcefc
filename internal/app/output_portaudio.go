//go:build portaudio

package app

import "github.com/MrWong99/posvoice/internal/playback"

// defaultOutput plays model audio on the default speaker.
func defaultOutput() (playback.Output, func() error, error) {
	out, err := playback.NewSpeakerOutput()
	if err != nil {
		return nil, nil, err
	}
	return out, out.Close, nil
}
