// Package callsession следит за единственным активным звонком.
//
// Менеджер не реализует SIP переходы: он получает снимки состояния от
// движка через мост событий и в ответ подключает или отключает аудио
// тракты, окна видео и сессию захвата. Все методы вызываются только из
// управляющего потока моста, поэтому состояние не защищено мьютексом.
package callsession

import (
	"context"
	"errors"
	"fmt"

	"github.com/arzzra/sessionbridge/pkg/bridge"
	"github.com/arzzra/sessionbridge/pkg/capture"
	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
	"github.com/arzzra/sessionbridge/pkg/metrics"
	"github.com/arzzra/sessionbridge/pkg/presenter"
)

var (
	// ErrCallInProgress уже есть активный звонок
	ErrCallInProgress = errors.New("another call is active")
	// ErrNoActiveCall нет активного звонка
	ErrNoActiveCall = errors.New("no active call")
	// ErrNoCapture менеджер создан без контроллера захвата
	ErrNoCapture = errors.New("capture controller not configured")
)

// Коды ответов, которые использует менеджер
const (
	CodeRinging = 180
	CodeOK      = 200
	CodeDecline = 603
)

// CaptureControl операции контроллера захвата, нужные менеджеру
type CaptureControl interface {
	Start(ctx context.Context, p capture.Params) error
	Stop() error
	State() capture.State
	SwitchDevice(ctx context.Context, deviceID string) error
	SetOrientation(o engine.Orientation) error
}

// audioLink подключенная аудио-линия звонка
type audioLink struct {
	call, capture, playback engine.MediaPort
}

// ActiveCall дескриптор единственного активного звонка
type ActiveCall struct {
	ID             engine.CallID
	Role           engine.Role
	RemoteURI      string
	LastKnownState engine.CallState
	// PendingDeletion звонок завершен, дескриптор освобождается на
	// следующем такте управляющего потока
	PendingDeletion bool

	AttachedVideoWindow *engine.WindowID
	AttachedPreview     *engine.VideoDeviceID

	audio map[int]audioLink
	// previewShown предпросмотр AttachedPreview выведен на поверхность
	previewShown bool
}

func (c *ActiveCall) summary() presenter.CallSummary {
	return presenter.CallSummary{CallID: c.ID, RemoteURI: c.RemoteURI, Role: c.Role.String()}
}

// Config параметры менеджера
type Config struct {
	// Account аккаунт для исходящих звонков
	Account engine.AccountID
	// VideoDevice устройство захвата по умолчанию для подсказки ориентации
	VideoDevice engine.VideoDeviceID
	// AutoCapture запускать сессию захвата при активном видео
	AutoCapture bool
	// CaptureParams параметры сессии захвата для исходящего видео
	CaptureParams capture.Params
}

// Manager менеджер звонка
type Manager struct {
	eng       engine.Engine
	capture   CaptureControl
	presenter presenter.Presenter
	cfg       Config

	active *ActiveCall
	// surface поверхность хоста для входящего видео
	surface engine.WindowHandle
	// previewSurface поверхность хоста для локального предпросмотра
	previewSurface engine.WindowHandle
	// captureOwned сессия захвата запущена менеджером для звонка
	captureOwned bool

	log     logger.StructuredLogger
	metrics *metrics.Collector
}

var (
	_ bridge.Consumer   = (*Manager)(nil)
	_ presenter.Commands = (*Manager)(nil)
)

// Option опция менеджера
type Option func(*Manager)

// WithCapture задает контроллер захвата
func WithCapture(c CaptureControl) Option {
	return func(m *Manager) { m.capture = c }
}

// WithConfig задает параметры
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

// WithLogger задает логгер
func WithLogger(l logger.StructuredLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetrics задает метрики
func WithMetrics(c *metrics.Collector) Option {
	return func(m *Manager) { m.metrics = c }
}

// New создает менеджер
func New(eng engine.Engine, p presenter.Presenter, opts ...Option) *Manager {
	m := &Manager{
		eng:       eng,
		presenter: p,
		log:       logger.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.presenter == nil {
		m.presenter = presenter.Multi(nil)
	}
	m.log = m.log.WithComponent("callsession")
	return m
}

// Active текущий дескриптор звонка или nil
func (m *Manager) Active() *ActiveCall {
	return m.active
}

// SetAccount задает аккаунт для исходящих звонков
func (m *Manager) SetAccount(id engine.AccountID) {
	m.cfg.Account = id
}

// HandleEvent разбирает событие моста
func (m *Manager) HandleEvent(ctx context.Context, ev bridge.SessionEvent) {
	switch e := ev.(type) {
	case bridge.RegistrationChanged:
		m.OnRegistrationChanged(ctx, e.State)
	case bridge.IncomingCall:
		m.OnIncomingCall(ctx, e.Call)
	case bridge.CallStateChanged:
		m.OnCallStateChanged(ctx, e.Info)
	case bridge.CallMediaStateChanged:
		m.OnCallMediaStateChanged(ctx, e.Info)
	case bridge.BuddyStateChanged:
		m.OnBuddyStateChanged(ctx, e.Buddy)
	case bridge.NetworkChanged:
		m.OnNetworkChanged(ctx)
	default:
		m.log.Warn(ctx, "неизвестное событие", logger.String("kind", string(ev.Kind())))
	}
}

// Tick отложенная очистка: освобождает завершенный звонок вне
// контекста обработчика события
func (m *Manager) Tick(ctx context.Context) {
	if m.active == nil || !m.active.PendingDeletion {
		return
	}
	id := m.active.ID
	m.active = nil
	m.metrics.CallEnded()
	if err := m.eng.ReleaseCall(ctx, id); err != nil {
		m.engineFailure(ctx, "release_call", id, err)
	}
	m.log.Debug(ctx, "дескриптор звонка освобожден", logger.Int("call_id", int(id)))
}

// engineFailure логирует ошибку движка внутри обработчика. Ошибка
// дальше не передается.
func (m *Manager) engineFailure(ctx context.Context, op string, id engine.CallID, err error) {
	m.metrics.EngineFailure(op)
	m.log.LogError(ctx, engine.CallError(op, id, err), "ошибка вызова движка")
}

// OnIncomingCall принимает входящий звонок, если линия свободна
func (m *Manager) OnIncomingCall(ctx context.Context, ic engine.IncomingCall) {
	if m.active != nil {
		m.metrics.CallRejected()
		m.log.Info(ctx, "входящий звонок отклонен: линия занята",
			logger.Int("call_id", int(ic.CallID)), logger.Int("active_id", int(m.active.ID)))
		if err := m.eng.ReleaseCall(ctx, ic.CallID); err != nil {
			m.engineFailure(ctx, "release_call", ic.CallID, err)
		}
		return
	}

	if err := m.eng.AnswerCall(ctx, ic.CallID, CodeRinging); err != nil {
		m.engineFailure(ctx, "answer", ic.CallID, err)
	}
	m.active = &ActiveCall{
		ID:             ic.CallID,
		Role:           engine.RoleUAS,
		RemoteURI:      ic.RemoteURI,
		LastKnownState: engine.CallStateIncoming,
		audio:          make(map[int]audioLink),
	}
	m.metrics.CallStarted(engine.RoleUAS.String())
	m.presenter.OnIncomingCallPresented(m.active.summary())
}

// current возвращает активный звонок, если событие относится к нему
func (m *Manager) current(ctx context.Context, id engine.CallID) *ActiveCall {
	if m.active == nil || m.active.ID != id {
		m.log.Debug(ctx, "событие для неактивного звонка пропущено", logger.Int("call_id", int(id)))
		return nil
	}
	return m.active
}

// OnCallStateChanged обновляет состояние активного звонка
func (m *Manager) OnCallStateChanged(ctx context.Context, info engine.CallInfo) {
	call := m.current(ctx, info.ID)
	if call == nil || call.PendingDeletion {
		return
	}
	call.LastKnownState = info.State
	m.presenter.OnCallStateText(CallStateText(info))

	if info.State == engine.CallStateDisconnected {
		m.detachAll(ctx, call)
		call.PendingDeletion = true
		m.log.Info(ctx, "звонок завершен",
			logger.Int("code", info.LastStatusCode), logger.String("reason", info.LastReason))
	}
}

// OnCallMediaStateChanged подключает и отключает медиа-линии звонка
func (m *Manager) OnCallMediaStateChanged(ctx context.Context, info engine.CallInfo) {
	call := m.current(ctx, info.ID)
	if call == nil || call.PendingDeletion {
		return
	}

	seenAudio := make(map[int]bool)
	videoActive := false
	for _, mi := range info.Media {
		switch mi.Type {
		case engine.MediaTypeAudio:
			seenAudio[mi.Index] = true
			if mi.Status == engine.MediaStatusActive || mi.Status == engine.MediaStatusRemoteHold {
				m.attachAudio(ctx, call, mi.Index)
			} else {
				m.detachAudio(ctx, call, mi.Index)
			}
		case engine.MediaTypeVideo:
			if mi.Status == engine.MediaStatusActive && mi.IncomingWindow != engine.InvalidID {
				videoActive = true
				m.attachVideo(ctx, call, mi)
			}
		}
	}

	// линии, которых больше нет в снимке
	for idx := range call.audio {
		if !seenAudio[idx] {
			m.detachAudio(ctx, call, idx)
		}
	}
	if !videoActive {
		m.detachVideo(ctx, call)
	}
}

func (m *Manager) attachAudio(ctx context.Context, call *ActiveCall, idx int) {
	if _, ok := call.audio[idx]; ok {
		return
	}
	port, err := m.eng.CallAudioMedia(ctx, call.ID, idx)
	if err != nil {
		m.engineFailure(ctx, "call_audio_media", call.ID, err)
		m.presenter.OnStatusText("Audio unavailable: " + err.Error())
		return
	}
	capPort, err := m.eng.CaptureDevMedia(ctx)
	if err != nil {
		m.engineFailure(ctx, "capture_dev_media", call.ID, err)
		m.presenter.OnStatusText("Audio unavailable: " + err.Error())
		return
	}
	playPort, err := m.eng.PlaybackDevMedia(ctx)
	if err != nil {
		m.engineFailure(ctx, "playback_dev_media", call.ID, err)
		m.presenter.OnStatusText("Audio unavailable: " + err.Error())
		return
	}

	link := audioLink{call: port, capture: capPort, playback: playPort}
	if err := m.eng.StartTransmit(ctx, capPort, port); err != nil {
		m.engineFailure(ctx, "start_transmit", call.ID, err)
	}
	if err := m.eng.StartTransmit(ctx, port, playPort); err != nil {
		m.engineFailure(ctx, "start_transmit", call.ID, err)
	}
	call.audio[idx] = link
	m.log.Debug(ctx, "аудио подключено", logger.Int("media", idx))
}

func (m *Manager) detachAudio(ctx context.Context, call *ActiveCall, idx int) {
	link, ok := call.audio[idx]
	if !ok {
		return
	}
	delete(call.audio, idx)
	if err := m.eng.StopTransmit(ctx, link.capture, link.call); err != nil {
		m.engineFailure(ctx, "stop_transmit", call.ID, err)
	}
	if err := m.eng.StopTransmit(ctx, link.call, link.playback); err != nil {
		m.engineFailure(ctx, "stop_transmit", call.ID, err)
	}
	m.log.Debug(ctx, "аудио отключено", logger.Int("media", idx))
}

func (m *Manager) attachVideo(ctx context.Context, call *ActiveCall, mi engine.CallMediaInfo) {
	win := mi.IncomingWindow
	changed := call.AttachedVideoWindow == nil || *call.AttachedVideoWindow != win
	call.AttachedVideoWindow = &win
	dev := mi.CaptureDevice
	if call.AttachedPreview != nil && *call.AttachedPreview != dev {
		m.hidePreview(ctx, call)
	}
	call.AttachedPreview = &dev
	m.showPreview(ctx, call)

	if changed && !m.surface.IsZero() {
		if err := m.eng.SetVideoWindow(ctx, win, m.surface); err != nil {
			m.engineFailure(ctx, "set_video_window", call.ID, err)
			m.presenter.OnStatusText("Video unavailable: " + err.Error())
		}
	}

	si, err := m.eng.StreamInfo(ctx, call.ID, mi.Index)
	if err != nil {
		m.engineFailure(ctx, "stream_info", call.ID, err)
	} else if si.DecodedWidth > 0 && si.DecodedHeight > 0 {
		m.presenter.OnVideoFrameGeometry(si.DecodedWidth, si.DecodedHeight)
	}

	m.startCapture(ctx)
}

func (m *Manager) detachVideo(ctx context.Context, call *ActiveCall) {
	if call.AttachedVideoWindow == nil {
		return
	}
	win := *call.AttachedVideoWindow
	call.AttachedVideoWindow = nil
	m.hidePreview(ctx, call)
	call.AttachedPreview = nil
	if !m.surface.IsZero() {
		if err := m.eng.SetVideoWindow(ctx, win, engine.WindowHandle{}); err != nil {
			m.engineFailure(ctx, "set_video_window", call.ID, err)
		}
	}
	m.stopCapture(ctx)
}

func (m *Manager) detachAll(ctx context.Context, call *ActiveCall) {
	for idx := range call.audio {
		m.detachAudio(ctx, call, idx)
	}
	m.detachVideo(ctx, call)
}

func (m *Manager) startCapture(ctx context.Context) {
	if !m.cfg.AutoCapture || m.capture == nil || m.capture.State() != capture.StateIdle {
		return
	}
	if err := m.capture.Start(ctx, m.cfg.CaptureParams); err != nil {
		m.log.LogError(ctx, err, "сессия захвата не запущена")
		m.presenter.OnStatusText("Camera unavailable: " + err.Error())
		return
	}
	m.captureOwned = true
}

func (m *Manager) stopCapture(ctx context.Context) {
	if !m.captureOwned || m.capture == nil {
		return
	}
	m.captureOwned = false
	if err := m.capture.Stop(); err != nil {
		m.log.LogError(ctx, err, "ошибка остановки захвата")
	}
}

// showPreview выводит предпросмотр устройства звонка, если у хоста
// есть поверхность
func (m *Manager) showPreview(ctx context.Context, call *ActiveCall) {
	if call.previewShown || call.AttachedPreview == nil || m.previewSurface.IsZero() {
		return
	}
	dev := *call.AttachedPreview
	if dev == engine.InvalidID {
		return
	}
	if err := m.eng.StartPreview(ctx, dev, m.previewSurface); err != nil {
		m.engineFailure(ctx, "start_preview", call.ID, err)
		m.presenter.OnStatusText("Preview unavailable: " + err.Error())
		return
	}
	call.previewShown = true
}

func (m *Manager) hidePreview(ctx context.Context, call *ActiveCall) {
	if !call.previewShown {
		return
	}
	call.previewShown = false
	if err := m.eng.StopPreview(ctx, *call.AttachedPreview); err != nil {
		m.engineFailure(ctx, "stop_preview", call.ID, err)
	}
}

// SetPreviewSurface задает поверхность хоста для локального предпросмотра.
// Нулевой дескриптор убирает предпросмотр.
func (m *Manager) SetPreviewSurface(ctx context.Context, h engine.WindowHandle) {
	m.previewSurface = h
	if m.active == nil || m.active.AttachedPreview == nil {
		return
	}
	m.hidePreview(ctx, m.active)
	m.showPreview(ctx, m.active)
}

// SetVideoSurface задает поверхность хоста для входящего видео.
// Нулевой дескриптор означает, что поверхность уничтожена.
func (m *Manager) SetVideoSurface(ctx context.Context, h engine.WindowHandle) {
	m.surface = h
	if m.active == nil || m.active.AttachedVideoWindow == nil {
		return
	}
	if err := m.eng.SetVideoWindow(ctx, *m.active.AttachedVideoWindow, h); err != nil {
		m.engineFailure(ctx, "set_video_window", m.active.ID, err)
	}
}

// OnRegistrationChanged показывает результат регистрации
func (m *Manager) OnRegistrationChanged(ctx context.Context, st engine.RegState) {
	text := RegistrationText(st)
	m.log.Info(ctx, text, logger.Int("account", int(st.AccountID)), logger.Int("code", st.Code))
	m.presenter.OnRegistrationStatusText(text)
}

// OnBuddyStateChanged показывает статус контакта по свежему снимку движка
func (m *Manager) OnBuddyStateChanged(ctx context.Context, b engine.BuddyInfo) {
	info, err := m.eng.BuddyInfo(ctx, b.ID)
	if err != nil {
		m.metrics.EngineFailure("buddy_info")
		m.log.LogError(ctx, err, "состояние контакта недоступно", logger.Int("buddy_id", int(b.ID)))
		m.presenter.OnBuddyStatusText(b.ID, "?")
		return
	}
	m.presenter.OnBuddyStatusText(b.ID, BuddyStatusText(info))
}

// OnNetworkChanged передает движку смену сети
func (m *Manager) OnNetworkChanged(ctx context.Context) {
	if err := m.eng.HandleIPChange(ctx); err != nil {
		m.metrics.EngineFailure("handle_ip_change")
		m.log.LogError(ctx, err, "движок не обработал смену сети")
	}
}

// MakeCall начинает исходящий звонок
func (m *Manager) MakeCall(ctx context.Context, uri string) error {
	if m.active != nil {
		return ErrCallInProgress
	}
	id, err := m.eng.MakeCall(ctx, m.cfg.Account, uri)
	if err != nil {
		m.metrics.EngineFailure("make_call")
		err = engine.CallError("make_call", engine.InvalidID, err)
		m.log.LogError(ctx, err, "исходящий звонок не создан", logger.String("uri", uri))
		m.presenter.OnStatusText("Call failed: " + err.Error())
		return err
	}
	m.active = &ActiveCall{
		ID:             id,
		Role:           engine.RoleUAC,
		RemoteURI:      uri,
		LastKnownState: engine.CallStateCalling,
		audio:          make(map[int]audioLink),
	}
	m.metrics.CallStarted(engine.RoleUAC.String())
	m.log.Info(logger.WithCallID(ctx, int(id)), "исходящий звонок", logger.String("uri", uri))
	return nil
}

// Answer отвечает на активный звонок кодом code
func (m *Manager) Answer(ctx context.Context, code int) error {
	if m.active == nil || m.active.PendingDeletion {
		return ErrNoActiveCall
	}
	if err := m.eng.AnswerCall(ctx, m.active.ID, code); err != nil {
		m.engineFailure(ctx, "answer", m.active.ID, err)
		return engine.CallError("answer", m.active.ID, err)
	}
	return nil
}

// Hangup завершает активный звонок. Без звонка ничего не делает.
func (m *Manager) Hangup(ctx context.Context) error {
	if m.active == nil || m.active.PendingDeletion {
		return nil
	}
	if err := m.eng.HangupCall(ctx, m.active.ID, CodeDecline); err != nil {
		m.engineFailure(ctx, "hangup", m.active.ID, err)
		return engine.CallError("hangup", m.active.ID, err)
	}
	return nil
}

// SwitchDevice переключает камеру сессии захвата. Без работающей сессии
// только запоминает устройство для следующего запуска.
func (m *Manager) SwitchDevice(ctx context.Context, deviceID string) error {
	if m.capture == nil {
		return ErrNoCapture
	}
	if m.capture.State() != capture.StateRunning {
		m.cfg.CaptureParams.DeviceID = deviceID
		m.log.Debug(ctx, "камера выбрана для следующей сессии", logger.String("device", deviceID))
		return nil
	}
	if err := m.capture.SwitchDevice(ctx, deviceID); err != nil {
		m.log.LogError(ctx, err, "камера не переключена", logger.String("device", deviceID))
		m.presenter.OnStatusText(fmt.Sprintf("Switch camera failed: %v", err))
		return err
	}
	m.cfg.CaptureParams.DeviceID = deviceID
	return nil
}

// OnDisplayRotation пересчитывает ориентацию исходящего видео после
// поворота экрана и передает ее устройству без перезапуска сессии
func (m *Manager) OnDisplayRotation(ctx context.Context, degrees int) engine.Orientation {
	orient := RotationOrientation(degrees)

	dev := m.cfg.VideoDevice
	if m.active != nil && m.active.AttachedPreview != nil {
		dev = *m.active.AttachedPreview
	}
	if err := m.eng.SetCaptureOrient(ctx, dev, orient); err != nil {
		m.metrics.EngineFailure("set_capture_orient")
		m.log.LogError(ctx, err, "ориентация не передана движку")
	}
	if m.capture != nil {
		if err := m.capture.SetOrientation(orient); err != nil {
			m.log.LogError(ctx, err, "ориентация не передана камере")
		}
	}
	m.log.Debug(ctx, "поворот экрана", logger.Int("degrees", degrees), logger.String("orientation", orient.String()))
	return orient
}
