package permissions

import (
	"context"
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const (
	// DefaultMicrophoneGlob matches ALSA capture PCM nodes.
	DefaultMicrophoneGlob = "/dev/snd/pcmC*D*c"
	DefaultCameraGlob     = "/dev/video*"
)

// DeviceProvider derives permissions from device node access. Linux has no
// prompt, so a request is answered from the same check as Status.
type DeviceProvider struct {
	MicrophoneGlob string
	CameraGlob     string
}

func (p DeviceProvider) glob(k Kind) string {
	if k == Camera {
		if p.CameraGlob != "" {
			return p.CameraGlob
		}
		return DefaultCameraGlob
	}
	if p.MicrophoneGlob != "" {
		return p.MicrophoneGlob
	}
	return DefaultMicrophoneGlob
}

// Status reports Granted when at least one matching node is readable and
// writable, and Denied otherwise (including when no device exists).
func (p DeviceProvider) Status(ctx context.Context, k Kind) (Permission, error) {
	nodes, err := filepath.Glob(p.glob(k))
	if err != nil {
		return Unknown, fmt.Errorf("%s devices: %w", k, err)
	}
	for _, n := range nodes {
		if err := ctx.Err(); err != nil {
			return Unknown, err
		}
		if unix.Access(n, unix.R_OK|unix.W_OK) == nil {
			return Granted, nil
		}
	}
	return Denied, nil
}

func (p DeviceProvider) Request(ctx context.Context, k Kind) (bool, error) {
	st, err := p.Status(ctx, k)
	if err != nil {
		return false, err
	}
	return st == Granted, nil
}
