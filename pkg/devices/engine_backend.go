package devices

import (
	"context"
	"fmt"
	"strings"

	"github.com/arzzra/sessionbridge/pkg/engine"
)

// EngineBackend перечисляет устройства через примитивы движка
type EngineBackend struct {
	Lister engine.DeviceLister
	// Video включает видеоустройства, Audio звуковые
	Video bool
	Audio bool
}

func (b *EngineBackend) Name() string { return "engine" }

func (b *EngineBackend) Available() bool { return b.Lister != nil && (b.Video || b.Audio) }

func (b *EngineBackend) List(ctx context.Context) ([]Descriptor, error) {
	var out []Descriptor
	if b.Video {
		vids, err := b.Lister.VideoDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("video devices: %w", err)
		}
		for _, v := range vids {
			out = append(out, fromEngineVideo(v))
		}
	}
	if b.Audio {
		auds, err := b.Lister.AudioDevices(ctx)
		if err != nil {
			return nil, fmt.Errorf("audio devices: %w", err)
		}
		for _, a := range auds {
			out = append(out, fromEngineAudio(a))
		}
	}
	return out, nil
}

func fromEngineVideo(v engine.DeviceInfo) Descriptor {
	d := Descriptor{
		ID:          fmt.Sprintf("engine:video:%d", v.ID),
		Name:        v.Name,
		NativeIndex: v.ID,
		Kind:        KindVideo,
		Direction:   engineDirection(v, DirectionSource),
		Backend:     "engine",
	}
	for _, f := range v.Formats {
		d.FrameSizes = append(d.FrameSizes, FrameSize{Width: f.Width, Height: f.Height})
		if f.FPS > 0 {
			d.FrameRates = append(d.FrameRates, FrameRateRange{Min: f.FPS, Max: f.FPS})
		}
		if f.Format != "" {
			d.PixelFormats = append(d.PixelFormats, PixelFormat(strings.ToUpper(f.Format)))
		}
	}
	return d
}

func fromEngineAudio(a engine.DeviceInfo) Descriptor {
	d := Descriptor{
		ID:          fmt.Sprintf("engine:audio:%d", a.ID),
		Name:        a.Name,
		NativeIndex: a.ID,
		Kind:        KindAudio,
		Direction:   engineDirection(a, DirectionBoth),
		Backend:     "engine",
	}
	if a.DefaultSampleRate > 0 {
		d.SampleRates = []int{a.DefaultSampleRate}
	}
	for _, c := range []int{a.InputCount, a.OutputCount} {
		if c > 0 {
			d.ChannelCounts = append(d.ChannelCounts, c)
		}
	}
	return d
}

func engineDirection(info engine.DeviceInfo, fallback Direction) Direction {
	switch {
	case info.InputCount > 0 && info.OutputCount > 0:
		return DirectionBoth
	case info.InputCount > 0:
		return DirectionSource
	case info.OutputCount > 0:
		return DirectionSink
	}
	return fallback
}
