package devices

import (
	"sort"
	"strings"
)

// Direction направление устройства
type Direction int

const (
	DirectionSource Direction = iota
	DirectionSink
	DirectionBoth
)

func (d Direction) String() string {
	switch d {
	case DirectionSink:
		return "sink"
	case DirectionBoth:
		return "both"
	}
	return "source"
}

// MarshalText для вывода в json/yaml
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Kind тип устройства
type Kind int

const (
	KindVideo Kind = iota
	KindAudio
)

func (k Kind) String() string {
	if k == KindAudio {
		return "audio"
	}
	return "video"
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// PixelFormat формат пикселей кадра
type PixelFormat string

const (
	FormatI420  PixelFormat = "I420"
	FormatNV12  PixelFormat = "NV12"
	FormatNV21  PixelFormat = "NV21"
	FormatYUY2  PixelFormat = "YUY2"
	FormatMJPEG PixelFormat = "MJPEG"
	FormatRGB24 PixelFormat = "RGB24"
)

// Planar сообщает, что формат хранится плоскостями
func (f PixelFormat) Planar() bool {
	switch f {
	case FormatI420, FormatNV12, FormatNV21:
		return true
	}
	return false
}

// FrameSize размер кадра
type FrameSize struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// FrameRateRange диапазон частоты кадров
type FrameRateRange struct {
	Min int `json:"min" yaml:"min"`
	Max int `json:"max" yaml:"max"`
}

// DefaultID идентификатор синтетического устройства по умолчанию
const DefaultID = "default"

// Descriptor неизменяемый снимок устройства на момент перечисления.
// Отсутствующие возможности представлены пустыми срезами.
type Descriptor struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
	// Index позиция в результате перечисления
	Index int `json:"index" yaml:"index"`
	// NativeIndex номер устройства в нумерации бэкенда
	NativeIndex int       `json:"native_index" yaml:"native_index"`
	Kind        Kind      `json:"kind" yaml:"kind"`
	Direction   Direction `json:"direction" yaml:"direction"`
	Backend     string    `json:"backend" yaml:"backend"`

	SampleRates   []int            `json:"sample_rates" yaml:"sample_rates"`
	ChannelCounts []int            `json:"channel_counts" yaml:"channel_counts"`
	FrameSizes    []FrameSize      `json:"frame_sizes" yaml:"frame_sizes"`
	FrameRates    []FrameRateRange `json:"frame_rates" yaml:"frame_rates"`
	PixelFormats  []PixelFormat    `json:"pixel_formats" yaml:"pixel_formats"`
}

// IsDefault сообщает, что это синтетическое устройство по умолчанию
func (d Descriptor) IsDefault() bool { return d.ID == DefaultID }

// SupportsSize проверяет размер кадра. Пустой список размеров ничего не
// ограничивает.
func (d Descriptor) SupportsSize(w, h int) bool {
	if len(d.FrameSizes) == 0 {
		return true
	}
	for _, fs := range d.FrameSizes {
		if fs.Width == w && fs.Height == h {
			return true
		}
	}
	return false
}

// SupportsFormat проверяет формат пикселей. Пустой список ничего не
// ограничивает.
func (d Descriptor) SupportsFormat(f PixelFormat) bool {
	if len(d.PixelFormats) == 0 {
		return true
	}
	for _, pf := range d.PixelFormats {
		if strings.EqualFold(string(pf), string(f)) {
			return true
		}
	}
	return false
}

// DefaultDescriptor синтетическое устройство, которое возвращается, когда
// платформа не может перечислить устройства
func DefaultDescriptor() Descriptor {
	return Descriptor{
		ID:            DefaultID,
		Name:          "Default",
		Index:         0,
		NativeIndex:   0,
		Kind:          KindVideo,
		Direction:     DirectionBoth,
		Backend:       "none",
		SampleRates:   []int{},
		ChannelCounts: []int{},
		FrameSizes:    []FrameSize{},
		FrameRates:    []FrameRateRange{},
		PixelFormats:  []PixelFormat{},
	}
}

// normalize приводит множества к отсортированному виду без повторов,
// последовательности очищает от повторов с сохранением порядка
func normalize(d Descriptor) Descriptor {
	d.SampleRates = sortedInts(d.SampleRates)
	d.ChannelCounts = sortedInts(d.ChannelCounts)

	sizes := make([]FrameSize, 0, len(d.FrameSizes))
	seenSize := make(map[FrameSize]bool, len(d.FrameSizes))
	for _, fs := range d.FrameSizes {
		if fs.Width <= 0 || fs.Height <= 0 || seenSize[fs] {
			continue
		}
		seenSize[fs] = true
		sizes = append(sizes, fs)
	}
	d.FrameSizes = sizes

	rates := make([]FrameRateRange, 0, len(d.FrameRates))
	seenRate := make(map[FrameRateRange]bool, len(d.FrameRates))
	for _, r := range d.FrameRates {
		if r.Min > r.Max {
			r.Min, r.Max = r.Max, r.Min
		}
		if r.Max <= 0 || seenRate[r] {
			continue
		}
		seenRate[r] = true
		rates = append(rates, r)
	}
	d.FrameRates = rates

	formats := make([]PixelFormat, 0, len(d.PixelFormats))
	seenFmt := make(map[PixelFormat]bool, len(d.PixelFormats))
	for _, f := range d.PixelFormats {
		if f == "" || seenFmt[f] {
			continue
		}
		seenFmt[f] = true
		formats = append(formats, f)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i] < formats[j] })
	d.PixelFormats = formats
	return d
}

func sortedInts(in []int) []int {
	out := make([]int, 0, len(in))
	seen := make(map[int]bool, len(in))
	for _, v := range in {
		if v <= 0 || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
