// Package enginetest содержит управляемый из тестов движок в памяти.
package enginetest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/arzzra/sessionbridge/pkg/engine"
)

// Порты звукового устройства в конференц-мосте
const (
	CapturePort  engine.MediaPort = 0
	PlaybackPort engine.MediaPort = 0
)

// CallAudioPort слот конференц-моста аудио-линии звонка
func CallAudioPort(id engine.CallID, mediaIndex int) engine.MediaPort {
	return engine.MediaPort(100 + int(id)*10 + mediaIndex)
}

// Link направленное соединение портов
type Link struct {
	Src, Dst engine.MediaPort
}

// Engine движок в памяти. Все операции записываются в Ops, ошибки
// задаются через Fail.
type Engine struct {
	mu sync.Mutex

	listener engine.Listener
	inited   bool
	started  bool

	nextCall    engine.CallID
	nextAccount engine.AccountID
	nextBuddy   engine.BuddyID

	calls    map[engine.CallID]*engine.CallInfo
	released map[engine.CallID]bool
	streams  map[engine.CallID]engine.StreamInfo
	accounts map[engine.AccountID]engine.AccountConfig
	buddies  map[engine.BuddyID]engine.BuddyInfo
	links    map[Link]bool
	windows  map[engine.WindowID]engine.WindowHandle
	previews map[engine.VideoDeviceID]engine.WindowHandle
	orients  map[engine.VideoDeviceID]engine.Orientation
	fails    map[string]error

	AudioDevs []engine.DeviceInfo
	VideoDevs []engine.DeviceInfo

	ops []string
}

var _ engine.Engine = (*Engine)(nil)

// New создает движок
func New() *Engine {
	return &Engine{
		calls:    make(map[engine.CallID]*engine.CallInfo),
		released: make(map[engine.CallID]bool),
		streams:  make(map[engine.CallID]engine.StreamInfo),
		accounts: make(map[engine.AccountID]engine.AccountConfig),
		buddies:  make(map[engine.BuddyID]engine.BuddyInfo),
		links:    make(map[Link]bool),
		windows:  make(map[engine.WindowID]engine.WindowHandle),
		previews: make(map[engine.VideoDeviceID]engine.WindowHandle),
		orients:  make(map[engine.VideoDeviceID]engine.Orientation),
		fails:    make(map[string]error),
	}
}

// Fail заставляет операцию op возвращать err. nil снимает ошибку.
func (e *Engine) Fail(op string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.fails, op)
		return
	}
	e.fails[op] = err
}

func (e *Engine) record(op string, args ...interface{}) error {
	s := op
	for _, a := range args {
		s += fmt.Sprintf(" %v", a)
	}
	e.ops = append(e.ops, s)
	return e.fails[op]
}

// Ops возвращает записанные операции
func (e *Engine) Ops() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.ops...)
}

// ResetOps очищает журнал операций
func (e *Engine) ResetOps() {
	e.mu.Lock()
	e.ops = nil
	e.mu.Unlock()
}

// Links возвращает активные соединения портов
func (e *Engine) Links() []Link {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Link, 0, len(e.links))
	for l := range e.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Src != out[j].Src {
			return out[i].Src < out[j].Src
		}
		return out[i].Dst < out[j].Dst
	})
	return out
}

// Window возвращает дескриптор, привязанный к окну
func (e *Engine) Window(id engine.WindowID) (engine.WindowHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.windows[id]
	return h, ok
}

// Preview возвращает поверхность предпросмотра устройства
func (e *Engine) Preview(dev engine.VideoDeviceID) (engine.WindowHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.previews[dev]
	return h, ok
}

// Orientation возвращает последнюю ориентацию устройства
func (e *Engine) Orientation(dev engine.VideoDeviceID) engine.Orientation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orients[dev]
}

// Released сообщает, что дескриптор звонка освобожден
func (e *Engine) Released(id engine.CallID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released[id]
}

// SetStreamInfo задает StreamInfo звонка
func (e *Engine) SetStreamInfo(id engine.CallID, si engine.StreamInfo) {
	e.mu.Lock()
	e.streams[id] = si
	e.mu.Unlock()
}

// SetBuddyInfo задает состояние контакта
func (e *Engine) SetBuddyInfo(info engine.BuddyInfo) {
	e.mu.Lock()
	e.buddies[info.ID] = info
	e.mu.Unlock()
}

func (e *Engine) currentListener() engine.Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener
}

// RaiseIncomingCall создает входящий звонок и уведомляет слушателя
func (e *Engine) RaiseIncomingCall(remote string) engine.CallID {
	e.mu.Lock()
	id := e.nextCall
	e.nextCall++
	e.calls[id] = &engine.CallInfo{
		ID: id, Role: engine.RoleUAS, State: engine.CallStateIncoming,
		StateText: "INCOMING", RemoteURI: remote,
	}
	l := e.listener
	e.mu.Unlock()

	if l != nil {
		l.OnIncomingCall(engine.IncomingCall{CallID: id, RemoteURI: remote})
	}
	return id
}

// RaiseCallState меняет состояние звонка и уведомляет слушателя
func (e *Engine) RaiseCallState(id engine.CallID, st engine.CallState, code int, reason string) engine.CallInfo {
	e.mu.Lock()
	ci, ok := e.calls[id]
	if !ok {
		ci = &engine.CallInfo{ID: id}
		e.calls[id] = ci
	}
	ci.State = st
	ci.StateText = st.String()
	ci.LastStatusCode = code
	ci.LastReason = reason
	snap := cloneInfo(ci)
	l := e.listener
	e.mu.Unlock()

	if l != nil {
		l.OnCallState(snap)
	}
	return snap
}

// RaiseMediaState задает медиа-линии звонка и уведомляет слушателя
func (e *Engine) RaiseMediaState(id engine.CallID, media ...engine.CallMediaInfo) engine.CallInfo {
	e.mu.Lock()
	ci, ok := e.calls[id]
	if !ok {
		ci = &engine.CallInfo{ID: id}
		e.calls[id] = ci
	}
	ci.Media = append([]engine.CallMediaInfo(nil), media...)
	snap := cloneInfo(ci)
	l := e.listener
	e.mu.Unlock()

	if l != nil {
		l.OnCallMediaState(snap)
	}
	return snap
}

// RaiseRegState уведомляет о регистрации
func (e *Engine) RaiseRegState(st engine.RegState) {
	if l := e.currentListener(); l != nil {
		l.OnRegState(st)
	}
}

// RaiseBuddyState уведомляет о контакте
func (e *Engine) RaiseBuddyState(info engine.BuddyInfo) {
	e.SetBuddyInfo(info)
	if l := e.currentListener(); l != nil {
		l.OnBuddyState(info)
	}
}

func cloneInfo(ci *engine.CallInfo) engine.CallInfo {
	out := *ci
	out.Media = append([]engine.CallMediaInfo(nil), ci.Media...)
	return out
}

func (e *Engine) SetListener(l engine.Listener) {
	e.mu.Lock()
	e.listener = l
	e.mu.Unlock()
}

func (e *Engine) Init(_ context.Context, cfg engine.EndpointConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("init", cfg.UserAgent); err != nil {
		return err
	}
	e.inited = true
	return nil
}

func (e *Engine) TransportCreate(_ context.Context, cfg engine.TransportConfig) (engine.TransportID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("transport_create", cfg.Type, cfg.Port); err != nil {
		return engine.InvalidID, err
	}
	return engine.TransportID(len(e.ops)), nil
}

func (e *Engine) Start(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("start"); err != nil {
		return err
	}
	e.started = true
	return nil
}

func (e *Engine) Destroy(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.started = false
	e.inited = false
	return e.record("destroy")
}

func (e *Engine) HandleIPChange(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record("handle_ip_change")
}

func (e *Engine) CreateAccount(_ context.Context, cfg engine.AccountConfig) (engine.AccountID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("create_account", cfg.IDURI); err != nil {
		return engine.InvalidID, err
	}
	id := e.nextAccount
	e.nextAccount++
	e.accounts[id] = cfg
	return id, nil
}

func (e *Engine) ModifyAccount(_ context.Context, id engine.AccountID, cfg engine.AccountConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("modify_account", id, cfg.IDURI); err != nil {
		return err
	}
	if _, ok := e.accounts[id]; !ok {
		return engine.ErrNotFound
	}
	e.accounts[id] = cfg
	return nil
}

func (e *Engine) RemoveAccount(_ context.Context, id engine.AccountID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("remove_account", id); err != nil {
		return err
	}
	delete(e.accounts, id)
	return nil
}

// Account возвращает конфигурацию аккаунта
func (e *Engine) Account(id engine.AccountID) (engine.AccountConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg, ok := e.accounts[id]
	return cfg, ok
}

func (e *Engine) AddBuddy(_ context.Context, acc engine.AccountID, cfg engine.BuddyConfig) (engine.BuddyID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("add_buddy", acc, cfg.URI); err != nil {
		return engine.InvalidID, err
	}
	id := e.nextBuddy
	e.nextBuddy++
	e.buddies[id] = engine.BuddyInfo{ID: id, URI: cfg.URI, Subscription: engine.SubscriptionNull}
	return id, nil
}

func (e *Engine) RemoveBuddy(_ context.Context, id engine.BuddyID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("remove_buddy", id); err != nil {
		return err
	}
	delete(e.buddies, id)
	return nil
}

func (e *Engine) BuddyInfo(_ context.Context, id engine.BuddyID) (engine.BuddyInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fails["buddy_info"]; err != nil {
		return engine.BuddyInfo{}, err
	}
	info, ok := e.buddies[id]
	if !ok {
		return engine.BuddyInfo{}, engine.ErrNotFound
	}
	return info, nil
}

func (e *Engine) MakeCall(_ context.Context, acc engine.AccountID, uri string) (engine.CallID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("make_call", acc, uri); err != nil {
		return engine.InvalidID, err
	}
	id := e.nextCall
	e.nextCall++
	e.calls[id] = &engine.CallInfo{
		ID: id, AccountID: acc, Role: engine.RoleUAC,
		State: engine.CallStateCalling, StateText: "CALLING", RemoteURI: uri,
	}
	return id, nil
}

func (e *Engine) AnswerCall(_ context.Context, id engine.CallID, code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record("answer", id, code)
}

func (e *Engine) HangupCall(_ context.Context, id engine.CallID, code int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.record("hangup", id, code)
}

func (e *Engine) ReleaseCall(_ context.Context, id engine.CallID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("release", id); err != nil {
		return err
	}
	e.released[id] = true
	delete(e.calls, id)
	return nil
}

func (e *Engine) CallInfo(_ context.Context, id engine.CallID) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ci, ok := e.calls[id]
	if !ok {
		return engine.CallInfo{}, engine.ErrNotFound
	}
	return cloneInfo(ci), nil
}

func (e *Engine) StreamInfo(_ context.Context, id engine.CallID, mediaIndex int) (engine.StreamInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fails["stream_info"]; err != nil {
		return engine.StreamInfo{}, err
	}
	si, ok := e.streams[id]
	if !ok {
		return engine.StreamInfo{}, engine.ErrNotFound
	}
	return si, nil
}

func (e *Engine) CaptureDevMedia(context.Context) (engine.MediaPort, error) {
	return CapturePort, nil
}

func (e *Engine) PlaybackDevMedia(context.Context) (engine.MediaPort, error) {
	return PlaybackPort, nil
}

func (e *Engine) CallAudioMedia(_ context.Context, id engine.CallID, mediaIndex int) (engine.MediaPort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.calls[id]; !ok {
		return engine.InvalidID, engine.ErrNotFound
	}
	return CallAudioPort(id, mediaIndex), nil
}

func (e *Engine) StartTransmit(_ context.Context, src, dst engine.MediaPort) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("start_transmit", src, dst); err != nil {
		return err
	}
	e.links[Link{src, dst}] = true
	return nil
}

func (e *Engine) StopTransmit(_ context.Context, src, dst engine.MediaPort) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("stop_transmit", src, dst); err != nil {
		return err
	}
	delete(e.links, Link{src, dst})
	return nil
}

func (e *Engine) SetVideoWindow(_ context.Context, win engine.WindowID, h engine.WindowHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("set_video_window", win, h.Surface); err != nil {
		return err
	}
	if h.IsZero() {
		delete(e.windows, win)
	} else {
		e.windows[win] = h
	}
	return nil
}

func (e *Engine) StartPreview(_ context.Context, dev engine.VideoDeviceID, h engine.WindowHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("start_preview", dev, h.Surface); err != nil {
		return err
	}
	e.previews[dev] = h
	return nil
}

func (e *Engine) StopPreview(_ context.Context, dev engine.VideoDeviceID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("stop_preview", dev); err != nil {
		return err
	}
	delete(e.previews, dev)
	return nil
}

func (e *Engine) SetCaptureOrient(_ context.Context, dev engine.VideoDeviceID, o engine.Orientation) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.record("set_capture_orient", dev, o); err != nil {
		return err
	}
	e.orients[dev] = o
	return nil
}

func (e *Engine) AudioDevices(context.Context) ([]engine.DeviceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fails["audio_devices"]; err != nil {
		return nil, err
	}
	return append([]engine.DeviceInfo(nil), e.AudioDevs...), nil
}

func (e *Engine) VideoDevices(context.Context) ([]engine.DeviceInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.fails["video_devices"]; err != nil {
		return nil, err
	}
	return append([]engine.DeviceInfo(nil), e.VideoDevs...), nil
}
