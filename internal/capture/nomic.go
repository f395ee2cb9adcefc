//go:build !portaudio

package capture

import (
	"context"
	"fmt"
)

// OpenMicrophone reports [ErrNoMicrophone]: this binary was built without
// PortAudio. Rebuild with -tags portaudio or use the remote microphone.
func OpenMicrophone(context.Context) (Source, error) {
	return nil, fmt.Errorf("%w: built without portaudio support", ErrNoMicrophone)
}
