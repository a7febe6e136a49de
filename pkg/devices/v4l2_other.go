//go:build !linux

package devices

import "context"

// V4L2Backend на других платформах недоступен
type V4L2Backend struct {
	Glob string
}

func (b *V4L2Backend) Name() string { return "v4l2" }

func (b *V4L2Backend) Available() bool { return false }

func (b *V4L2Backend) List(context.Context) ([]Descriptor, error) { return nil, nil }
