package devices

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// DefaultSysfsRoot каталог класса video4linux
const DefaultSysfsRoot = "/sys/class/video4linux"

// SysfsBackend устаревший способ перечисления: только имена устройств из
// sysfs, без возможностей
type SysfsBackend struct {
	Root string
}

func (b *SysfsBackend) root() string {
	if b.Root == "" {
		return DefaultSysfsRoot
	}
	return b.Root
}

func (b *SysfsBackend) Name() string { return "sysfs" }

func (b *SysfsBackend) Available() bool {
	st, err := os.Stat(b.root())
	return err == nil && st.IsDir()
}

func (b *SysfsBackend) List(ctx context.Context) ([]Descriptor, error) {
	entries, err := os.ReadDir(b.root())
	if err != nil {
		return nil, err
	}

	type node struct {
		n    int
		name string
	}
	var nodes []node
	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, ok := videoNodeNumber(ent.Name())
		if !ok {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(b.root(), ent.Name(), "name"))
		name := strings.TrimSpace(string(raw))
		if err != nil || name == "" {
			name = ent.Name()
		}
		nodes = append(nodes, node{n: n, name: name})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].n < nodes[j].n })

	out := make([]Descriptor, 0, len(nodes))
	for _, nd := range nodes {
		out = append(out, Descriptor{
			ID:          "/dev/video" + strconv.Itoa(nd.n),
			Name:        nd.name,
			NativeIndex: nd.n,
			Kind:        KindVideo,
			Direction:   DirectionSource,
			Backend:     b.Name(),
		})
	}
	return out, nil
}

// videoNodeNumber разбирает имя вида videoN
func videoNodeNumber(name string) (int, bool) {
	if !strings.HasPrefix(name, "video") {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "video"))
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
