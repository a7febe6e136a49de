// Package presenter слой отображения: принимает тексты состояния и
// геометрию видео из управляющего потока.
package presenter

import (
	"context"
	"sync"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

// CallSummary краткое описание звонка для экрана входящего вызова
type CallSummary struct {
	CallID    engine.CallID `json:"call_id"`
	RemoteURI string        `json:"remote_uri"`
	Role      string        `json:"role"`
}

// Presenter получатель уведомлений для пользователя. Все методы
// вызываются из управляющего потока.
type Presenter interface {
	OnIncomingCallPresented(call CallSummary)
	OnCallStateText(text string)
	OnBuddyStatusText(id engine.BuddyID, text string)
	OnRegistrationStatusText(text string)
	OnVideoFrameGeometry(width, height int)
	// OnStatusText временные ошибки (устройство занято, сбой подключения)
	OnStatusText(text string)
}

// Multi рассылает уведомления нескольким получателям по порядку
type Multi []Presenter

func (m Multi) OnIncomingCallPresented(c CallSummary) {
	for _, p := range m {
		p.OnIncomingCallPresented(c)
	}
}

func (m Multi) OnCallStateText(text string) {
	for _, p := range m {
		p.OnCallStateText(text)
	}
}

func (m Multi) OnBuddyStatusText(id engine.BuddyID, text string) {
	for _, p := range m {
		p.OnBuddyStatusText(id, text)
	}
}

func (m Multi) OnRegistrationStatusText(text string) {
	for _, p := range m {
		p.OnRegistrationStatusText(text)
	}
}

func (m Multi) OnVideoFrameGeometry(w, h int) {
	for _, p := range m {
		p.OnVideoFrameGeometry(w, h)
	}
}

func (m Multi) OnStatusText(text string) {
	for _, p := range m {
		p.OnStatusText(text)
	}
}

// LogPresenter пишет уведомления в лог
type LogPresenter struct {
	log logger.StructuredLogger
}

// NewLogPresenter создает презентер поверх логгера
func NewLogPresenter(l logger.StructuredLogger) *LogPresenter {
	return &LogPresenter{log: logger.OrDefault(l).WithComponent("presenter")}
}

func (p *LogPresenter) OnIncomingCallPresented(c CallSummary) {
	p.log.Info(context.Background(), "входящий звонок",
		logger.Int("call_id", int(c.CallID)), logger.String("remote", c.RemoteURI))
}

func (p *LogPresenter) OnCallStateText(text string) {
	p.log.Info(context.Background(), text, logger.String("kind", "call_state"))
}

func (p *LogPresenter) OnBuddyStatusText(id engine.BuddyID, text string) {
	p.log.Info(context.Background(), text, logger.String("kind", "buddy"), logger.Int("buddy_id", int(id)))
}

func (p *LogPresenter) OnRegistrationStatusText(text string) {
	p.log.Info(context.Background(), text, logger.String("kind", "registration"))
}

func (p *LogPresenter) OnVideoFrameGeometry(w, h int) {
	p.log.Debug(context.Background(), "геометрия входящего видео",
		logger.Int("width", w), logger.Int("height", h))
}

func (p *LogPresenter) OnStatusText(text string) {
	p.log.Warn(context.Background(), text, logger.String("kind", "status"))
}

// Recorder запоминает все уведомления, используется в тестах и в
// команде просмотра состояния
type Recorder struct {
	mu       sync.Mutex
	Incoming []CallSummary
	Call     []string
	Buddy    map[engine.BuddyID]string
	Reg      []string
	Geometry [][2]int
	Status   []string
}

func (r *Recorder) OnIncomingCallPresented(c CallSummary) {
	r.mu.Lock()
	r.Incoming = append(r.Incoming, c)
	r.mu.Unlock()
}

func (r *Recorder) OnCallStateText(text string) {
	r.mu.Lock()
	r.Call = append(r.Call, text)
	r.mu.Unlock()
}

func (r *Recorder) OnBuddyStatusText(id engine.BuddyID, text string) {
	r.mu.Lock()
	if r.Buddy == nil {
		r.Buddy = make(map[engine.BuddyID]string)
	}
	r.Buddy[id] = text
	r.mu.Unlock()
}

func (r *Recorder) OnRegistrationStatusText(text string) {
	r.mu.Lock()
	r.Reg = append(r.Reg, text)
	r.mu.Unlock()
}

func (r *Recorder) OnVideoFrameGeometry(w, h int) {
	r.mu.Lock()
	r.Geometry = append(r.Geometry, [2]int{w, h})
	r.mu.Unlock()
}

func (r *Recorder) OnStatusText(text string) {
	r.mu.Lock()
	r.Status = append(r.Status, text)
	r.mu.Unlock()
}

// LastCallText последний текст состояния звонка
func (r *Recorder) LastCallText() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Call) == 0 {
		return ""
	}
	return r.Call[len(r.Call)-1]
}
