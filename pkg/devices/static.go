package devices

import "context"

// StaticBackend бэкенд с фиксированным списком устройств. Используется
// для синтетических источников, которых нет в системе.
type StaticBackend struct {
	Label   string
	Devices []Descriptor
}

func (b *StaticBackend) Name() string {
	if b.Label == "" {
		return "static"
	}
	return b.Label
}

func (b *StaticBackend) Available() bool { return len(b.Devices) > 0 }

func (b *StaticBackend) List(context.Context) ([]Descriptor, error) {
	out := make([]Descriptor, len(b.Devices))
	copy(out, b.Devices)
	return out, nil
}
