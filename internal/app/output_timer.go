//go:build !portaudio

package app

import (
	"log/slog"

	"github.com/MrWong99/posvoice/internal/playback"
)

// defaultOutput paces model audio on the wall clock without a device.
func defaultOutput() (playback.Output, func() error, error) {
	slog.Info("built without portaudio; model audio is timed but not played")
	return playback.NewTimerOutput(), nil, nil
}
