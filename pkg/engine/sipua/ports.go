package sipua

import (
	"errors"
	"fmt"
	"sync"
)

var errNoPorts = errors.New("no free rtp ports")

// portPool выделяет четные RTP порты из диапазона. Нечетный порт
// следующий за выделенным остается за RTCP.
type portPool struct {
	mu        sync.Mutex
	min, max  int
	allocated map[int]bool
	next      int
}

func newPortPool(min, max int) *portPool {
	if min%2 != 0 {
		min++
	}
	return &portPool{min: min, max: max, allocated: make(map[int]bool), next: min}
}

// Allocate возвращает следующий свободный четный порт. Поиск идет по
// кругу от последнего выделенного, чтобы только что освобожденный порт
// не выдавался сразу повторно.
func (p *portPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	total := (p.max-p.min)/2 + 1
	if total <= 0 {
		return 0, errNoPorts
	}
	port := p.next
	for i := 0; i < total; i++ {
		if port > p.max {
			port = p.min
		}
		if !p.allocated[port] {
			p.allocated[port] = true
			p.next = port + 2
			return port, nil
		}
		port += 2
	}
	return 0, errNoPorts
}

// Release возвращает порт в пул. Повторное освобождение игнорируется.
func (p *portPool) Release(port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if port < p.min || port > p.max {
		return fmt.Errorf("port %d outside range [%d, %d]", port, p.min, p.max)
	}
	delete(p.allocated, port)
	return nil
}

// InUse количество выделенных портов
func (p *portPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.allocated)
}
