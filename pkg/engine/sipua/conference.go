package sipua

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/arzzra/sessionbridge/pkg/engine"
)

const (
	// frameSamples отсчетов в кадре 20 мс при 8 кГц
	frameSamples = 160
	framePeriod  = 20 * time.Millisecond
)

// soundDevicePort слот звукового устройства, всегда 0
const soundDevicePort engine.MediaPort = 0

// confPort слот конференц-моста. source отдает следующий кадр или nil,
// sink принимает смешанный кадр.
type confPort struct {
	name   string
	source func() []int16
	sink   func([]int16)
}

type confLink struct {
	src, dst engine.MediaPort
}

// conference небольшой конференц-мост: на каждом такте кадры источников
// складываются и отдаются получателям, с которыми они соединены
type conference struct {
	mu    sync.Mutex
	ports map[engine.MediaPort]*confPort
	links map[confLink]struct{}
	next  engine.MediaPort
}

func newConference(device *confPort) *conference {
	return &conference{
		ports: map[engine.MediaPort]*confPort{soundDevicePort: device},
		links: make(map[confLink]struct{}),
		next:  soundDevicePort + 1,
	}
}

func (c *conference) add(p *confPort) engine.MediaPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.next
	c.next++
	c.ports[id] = p
	return id
}

// remove убирает слот вместе со всеми его соединениями
func (c *conference) remove(id engine.MediaPort) {
	if id == soundDevicePort {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ports, id)
	for l := range c.links {
		if l.src == id || l.dst == id {
			delete(c.links, l)
		}
	}
}

func (c *conference) connect(src, dst engine.MediaPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ports[src]; !ok {
		return fmt.Errorf("%w: port %d", engine.ErrNotFound, src)
	}
	if _, ok := c.ports[dst]; !ok {
		return fmt.Errorf("%w: port %d", engine.ErrNotFound, dst)
	}
	c.links[confLink{src, dst}] = struct{}{}
	return nil
}

// disconnect отсутствующее соединение ошибкой не считается
func (c *conference) disconnect(src, dst engine.MediaPort) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.links, confLink{src, dst})
}

// Links текущие соединения, отсортированные по источнику
func (c *conference) Links() [][2]engine.MediaPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][2]engine.MediaPort, 0, len(c.links))
	for l := range c.links {
		out = append(out, [2]engine.MediaPort{l.src, l.dst})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// tick один такт смешивания. Каждый источник опрашивается не больше
// одного раза за такт.
func (c *conference) tick() {
	c.mu.Lock()
	frames := make(map[engine.MediaPort][]int16)
	mixes := make(map[engine.MediaPort][]int32)
	for l := range c.links {
		src, ok := c.ports[l.src]
		if !ok || src.source == nil {
			continue
		}
		f, pulled := frames[l.src]
		if !pulled {
			f = src.source()
			frames[l.src] = f
		}
		if f == nil {
			continue
		}
		mix := mixes[l.dst]
		if mix == nil {
			mix = make([]int32, frameSamples)
			mixes[l.dst] = mix
		}
		for i := 0; i < len(f) && i < frameSamples; i++ {
			mix[i] += int32(f[i])
		}
	}
	sinks := make(map[engine.MediaPort]func([]int16), len(mixes))
	for id := range mixes {
		if p, ok := c.ports[id]; ok && p.sink != nil {
			sinks[id] = p.sink
		}
	}
	c.mu.Unlock()

	for id, sink := range sinks {
		sink(saturate(mixes[id]))
	}
}

func saturate(mix []int32) []int16 {
	out := make([]int16, len(mix))
	for i, v := range mix {
		switch {
		case v > math.MaxInt16:
			out[i] = math.MaxInt16
		case v < math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// run тактирует мост до отмены ctx
func (c *conference) run(ctx context.Context) {
	ticker := time.NewTicker(framePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick()
		}
	}
}
