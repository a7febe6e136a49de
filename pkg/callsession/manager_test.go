package callsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/sessionbridge/pkg/bridge"
	"github.com/arzzra/sessionbridge/pkg/capture"
	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/engine/enginetest"
	"github.com/arzzra/sessionbridge/pkg/logger"
	"github.com/arzzra/sessionbridge/pkg/presenter"
)

// fakeCapture контроллер захвата, записывающий вызовы
type fakeCapture struct {
	state     capture.State
	started   []capture.Params
	stops     int
	switchErr error
	switched  []string
	orient    engine.Orientation
}

func (f *fakeCapture) Start(_ context.Context, p capture.Params) error {
	f.started = append(f.started, p)
	f.state = capture.StateRunning
	return nil
}

func (f *fakeCapture) Stop() error {
	f.stops++
	f.state = capture.StateIdle
	return nil
}

func (f *fakeCapture) State() capture.State {
	if f.state == "" {
		return capture.StateIdle
	}
	return f.state
}

func (f *fakeCapture) SwitchDevice(_ context.Context, id string) error {
	f.switched = append(f.switched, id)
	return f.switchErr
}

func (f *fakeCapture) SetOrientation(o engine.Orientation) error {
	f.orient = o
	return nil
}

type ManagerSuite struct {
	suite.Suite

	ctx  context.Context
	eng  *enginetest.Engine
	rec  *presenter.Recorder
	capt *fakeCapture
	m    *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.eng = enginetest.New()
	s.rec = &presenter.Recorder{}
	s.capt = &fakeCapture{}
	s.m = New(s.eng, s.rec,
		WithLogger(logger.NoOpLogger{}),
		WithCapture(s.capt),
		WithConfig(Config{
			Account:       0,
			VideoDevice:   2,
			AutoCapture:   true,
			CaptureParams: capture.Params{DeviceID: "front", Width: 640, Height: 480, TargetFPS: 15},
		}))
}

// incoming создает входящий звонок и передает его менеджеру
func (s *ManagerSuite) incoming(remote string) engine.CallID {
	id := s.eng.RaiseIncomingCall(remote)
	s.m.OnIncomingCall(s.ctx, engine.IncomingCall{CallID: id, RemoteURI: remote})
	return id
}

func (s *ManagerSuite) state(id engine.CallID, st engine.CallState, reason string) {
	s.m.OnCallStateChanged(s.ctx, s.eng.RaiseCallState(id, st, 0, reason))
}

func (s *ManagerSuite) media(id engine.CallID, media ...engine.CallMediaInfo) {
	s.m.OnCallMediaStateChanged(s.ctx, s.eng.RaiseMediaState(id, media...))
}

func audio(status engine.MediaStatus) engine.CallMediaInfo {
	return engine.CallMediaInfo{Index: 0, Type: engine.MediaTypeAudio, Status: status, IncomingWindow: engine.InvalidID}
}

func video(status engine.MediaStatus, win engine.WindowID) engine.CallMediaInfo {
	return engine.CallMediaInfo{Index: 1, Type: engine.MediaTypeVideo, Status: status, IncomingWindow: win, CaptureDevice: 3}
}

func (s *ManagerSuite) TestIncomingCallAnsweredWithRinging() {
	id := s.incoming("sip:alice@example.com")

	s.Contains(s.eng.Ops(), "answer 0 180")
	active := s.m.Active()
	s.Require().NotNil(active)
	s.Equal(id, active.ID)
	s.Equal(engine.RoleUAS, active.Role)
	s.Equal(engine.CallStateIncoming, active.LastKnownState)
	s.Require().Len(s.rec.Incoming, 1)
	s.Equal("sip:alice@example.com", s.rec.Incoming[0].RemoteURI)
}

func (s *ManagerSuite) TestSecondIncomingReleased() {
	first := s.incoming("sip:alice@example.com")
	s.state(first, engine.CallStateConfirmed, "")
	s.eng.ResetOps()

	second := s.incoming("sip:bob@example.com")

	s.Equal([]string{"release 1"}, s.eng.Ops(), "новый звонок освобожден без ответа")
	s.True(s.eng.Released(second))
	s.False(s.eng.Released(first))
	s.Equal(first, s.m.Active().ID)
	s.Equal(engine.CallStateConfirmed, s.m.Active().LastKnownState)
	s.Len(s.rec.Incoming, 1)
}

func (s *ManagerSuite) TestStaleEventsIgnored() {
	first := s.incoming("sip:alice@example.com")
	other := engine.CallID(42)

	s.m.OnCallStateChanged(s.ctx, engine.CallInfo{ID: other, State: engine.CallStateDisconnected, LastReason: "Busy"})
	s.m.OnCallMediaStateChanged(s.ctx, engine.CallInfo{ID: other, Media: []engine.CallMediaInfo{audio(engine.MediaStatusActive)}})

	s.Equal(first, s.m.Active().ID)
	s.False(s.m.Active().PendingDeletion)
	s.Equal(engine.CallStateIncoming, s.m.Active().LastKnownState)
	s.Empty(s.rec.Call)
	s.Empty(s.eng.Links())
}

func (s *ManagerSuite) TestDisconnectDefersRelease() {
	id := s.incoming("sip:alice@example.com")
	s.state(id, engine.CallStateConfirmed, "")

	s.state(id, engine.CallStateDisconnected, "Normal call clearing")

	active := s.m.Active()
	s.Require().NotNil(active, "дескриптор доступен до такта")
	s.True(active.PendingDeletion)
	s.False(s.eng.Released(id))
	s.Equal("Call disconnected: Normal call clearing", s.rec.LastCallText())

	s.m.Tick(s.ctx)
	s.Nil(s.m.Active())
	s.True(s.eng.Released(id))

	// Второй такт ничего не делает
	s.eng.ResetOps()
	s.m.Tick(s.ctx)
	s.Empty(s.eng.Ops())
}

func (s *ManagerSuite) TestCallStateTexts() {
	id := s.incoming("sip:alice@example.com")
	s.state(id, engine.CallStateEarly, "")
	s.Equal("Incoming call..", s.rec.LastCallText())
	s.state(id, engine.CallStateConfirmed, "")
	s.Equal("CONFIRMED", s.rec.LastCallText())
}

func (s *ManagerSuite) TestAudioAttachDetach() {
	id := s.incoming("sip:alice@example.com")
	port := enginetest.CallAudioPort(id, 0)
	both := []enginetest.Link{
		{Src: enginetest.CapturePort, Dst: port},
		{Src: port, Dst: enginetest.PlaybackPort},
	}

	s.media(id, audio(engine.MediaStatusActive))
	s.Equal(both, s.eng.Links())

	// Повторный снимок не подключает второй раз
	s.eng.ResetOps()
	s.media(id, audio(engine.MediaStatusActive))
	s.Empty(s.eng.Ops())

	s.media(id, audio(engine.MediaStatusLocalHold))
	s.Empty(s.eng.Links())

	s.media(id, audio(engine.MediaStatusRemoteHold))
	s.Equal(both, s.eng.Links())

	// Линия пропала из снимка
	s.media(id)
	s.Empty(s.eng.Links())
}

func (s *ManagerSuite) TestVideoAttachWithSurface() {
	surface := engine.WindowHandle{Surface: 0xbeef}
	s.m.SetVideoSurface(s.ctx, surface)
	id := s.incoming("sip:alice@example.com")
	s.eng.SetStreamInfo(id, engine.StreamInfo{Type: engine.MediaTypeVideo, DecodedWidth: 352, DecodedHeight: 288})

	s.media(id, audio(engine.MediaStatusActive), video(engine.MediaStatusActive, 5))

	h, ok := s.eng.Window(5)
	s.True(ok)
	s.Equal(surface, h)
	s.Equal([][2]int{{352, 288}}, s.rec.Geometry)
	s.Require().NotNil(s.m.Active().AttachedVideoWindow)
	s.Equal(engine.WindowID(5), *s.m.Active().AttachedVideoWindow)
	s.Require().NotNil(s.m.Active().AttachedPreview)
	s.Equal(engine.VideoDeviceID(3), *s.m.Active().AttachedPreview)
	s.Require().Len(s.capt.started, 1)
	s.Equal("front", s.capt.started[0].DeviceID)

	// Видео на удержании: окно отвязано, захват остановлен
	s.media(id, audio(engine.MediaStatusActive), video(engine.MediaStatusLocalHold, 5))
	_, ok = s.eng.Window(5)
	s.False(ok)
	s.Nil(s.m.Active().AttachedVideoWindow)
	s.Equal(1, s.capt.stops)
	s.Len(s.eng.Links(), 2, "аудио не тронуто")
}

func (s *ManagerSuite) TestVideoWithoutWindowIgnored() {
	id := s.incoming("sip:alice@example.com")
	s.media(id, video(engine.MediaStatusActive, engine.InvalidID))
	s.Nil(s.m.Active().AttachedVideoWindow)
	s.Empty(s.capt.started)
}

func (s *ManagerSuite) TestSurfaceArrivesAfterVideo() {
	id := s.incoming("sip:alice@example.com")
	s.media(id, video(engine.MediaStatusActive, 7))
	_, ok := s.eng.Window(7)
	s.False(ok, "без поверхности окно не привязывается")

	s.m.SetVideoSurface(s.ctx, engine.WindowHandle{Surface: 1})
	_, ok = s.eng.Window(7)
	s.True(ok)

	// Поверхность уничтожена хостом
	s.m.SetVideoSurface(s.ctx, engine.WindowHandle{})
	_, ok = s.eng.Window(7)
	s.False(ok)
}

func (s *ManagerSuite) TestDisconnectDetachesMedia() {
	s.m.SetVideoSurface(s.ctx, engine.WindowHandle{Surface: 1})
	id := s.incoming("sip:alice@example.com")
	s.media(id, audio(engine.MediaStatusActive), video(engine.MediaStatusActive, 5))
	s.Require().NotEmpty(s.eng.Links())

	s.state(id, engine.CallStateDisconnected, "Bye")
	s.Empty(s.eng.Links())
	_, ok := s.eng.Window(5)
	s.False(ok)
	s.Equal(1, s.capt.stops)

	// События после завершения не применяются
	s.media(id, audio(engine.MediaStatusActive))
	s.Empty(s.eng.Links())
}

func (s *ManagerSuite) TestMakeCall() {
	s.Require().NoError(s.m.MakeCall(s.ctx, "sip:bob@example.com"))
	active := s.m.Active()
	s.Require().NotNil(active)
	s.Equal(engine.RoleUAC, active.Role)
	s.Contains(s.eng.Ops(), "make_call 0 sip:bob@example.com")

	s.ErrorIs(s.m.MakeCall(s.ctx, "sip:carol@example.com"), ErrCallInProgress)

	s.state(active.ID, engine.CallStateCalling, "")
	s.Equal("CALLING", s.rec.LastCallText())
}

func (s *ManagerSuite) TestMakeCallEngineFailure() {
	s.eng.Fail("make_call", errors.New("no route"))

	err := s.m.MakeCall(s.ctx, "sip:bob@example.com")
	var ce *engine.EngineCallError
	s.Require().ErrorAs(err, &ce)
	s.Equal("make_call", ce.Op)
	s.Nil(s.m.Active())
	s.NotEmpty(s.rec.Status)
}

func (s *ManagerSuite) TestAnswerAndHangup() {
	s.ErrorIs(s.m.Answer(s.ctx, CodeOK), ErrNoActiveCall)
	s.NoError(s.m.Hangup(s.ctx), "без звонка ничего не делает")

	id := s.incoming("sip:alice@example.com")
	s.Require().NoError(s.m.Answer(s.ctx, CodeOK))
	s.Require().NoError(s.m.Hangup(s.ctx))
	s.Contains(s.eng.Ops(), "answer 0 200")
	s.Contains(s.eng.Ops(), "hangup 0 603")

	s.eng.Fail("hangup", errors.New("tx terminated"))
	err := s.m.Hangup(s.ctx)
	var ce *engine.EngineCallError
	s.Require().ErrorAs(err, &ce)
	s.Equal(id, ce.CallID)
}

func (s *ManagerSuite) TestEngineFailuresInHandlersAreSwallowed() {
	s.eng.Fail("answer", errors.New("tx gone"))
	s.eng.Fail("start_transmit", errors.New("bridge full"))

	id := s.incoming("sip:alice@example.com")
	s.Require().NotNil(s.m.Active(), "звонок записан несмотря на ошибку ответа")

	s.media(id, audio(engine.MediaStatusActive))
	s.Equal(id, s.m.Active().ID)

	s.eng.Fail("release", errors.New("already gone"))
	s.state(id, engine.CallStateDisconnected, "")
	s.m.Tick(s.ctx)
	s.Nil(s.m.Active(), "слот освобождается даже при ошибке движка")
}

func (s *ManagerSuite) TestDisplayRotation() {
	tests := []struct {
		degrees int
		want    engine.Orientation
	}{
		{0, engine.OrientRotate270},
		{90, engine.OrientNatural},
		{180, engine.OrientRotate90},
		{270, engine.OrientRotate180},
		{45, engine.OrientUnknown},
	}
	for _, tt := range tests {
		got := s.m.OnDisplayRotation(s.ctx, tt.degrees)
		s.Equal(tt.want, got)
		s.Equal(tt.want, s.eng.Orientation(2), "устройство по умолчанию")
		s.Equal(tt.want, s.capt.orient)
	}
	s.Empty(s.capt.started, "сессия не перезапускается")

	// Во время видео используется устройство звонка
	s.m.SetVideoSurface(s.ctx, engine.WindowHandle{Surface: 1})
	id := s.incoming("sip:alice@example.com")
	s.media(id, video(engine.MediaStatusActive, 5))
	s.m.OnDisplayRotation(s.ctx, 180)
	s.Equal(engine.OrientRotate90, s.eng.Orientation(3))
}

func (s *ManagerSuite) TestSwitchDevice() {
	s.capt.state = capture.StateRunning
	s.Require().NoError(s.m.SwitchDevice(s.ctx, "back"))
	s.Equal([]string{"back"}, s.capt.switched)

	s.capt.switchErr = &capture.SwitchError{From: "back", To: "usb", Err: capture.ErrUnknownDevice}
	err := s.m.SwitchDevice(s.ctx, "usb")
	var swe *capture.SwitchError
	s.Require().ErrorAs(err, &swe)
	s.Require().Len(s.rec.Status, 1)
	s.Contains(s.rec.Status[0], "Switch camera failed")

	noCapture := New(s.eng, s.rec, WithLogger(logger.NoOpLogger{}))
	s.ErrorIs(noCapture.SwitchDevice(s.ctx, "back"), ErrNoCapture)
}

func (s *ManagerSuite) TestRegistrationAndBuddyTexts() {
	s.m.OnRegistrationChanged(s.ctx, engine.RegState{Code: 200, Expiration: 300})
	s.m.OnRegistrationChanged(s.ctx, engine.RegState{Code: 403, Reason: "Forbidden", Expiration: 300})
	s.m.OnRegistrationChanged(s.ctx, engine.RegState{Code: 200, Expiration: 0})
	s.Equal([]string{
		"Registration successful",
		"Registration failed: Forbidden",
		"Unregistration successful",
	}, s.rec.Reg)

	s.eng.SetBuddyInfo(engine.BuddyInfo{ID: 1, Subscription: engine.SubscriptionActive, Status: engine.PresenceOnline, StatusText: "Busy"})
	s.m.OnBuddyStateChanged(s.ctx, engine.BuddyInfo{ID: 1})
	s.Equal("Busy", s.rec.Buddy[1])

	s.eng.Fail("buddy_info", errors.New("gone"))
	s.m.OnBuddyStateChanged(s.ctx, engine.BuddyInfo{ID: 1})
	s.Equal("?", s.rec.Buddy[1])
}

func (s *ManagerSuite) TestNetworkChanged() {
	s.m.OnNetworkChanged(s.ctx)
	s.Contains(s.eng.Ops(), "handle_ip_change")

	s.eng.Fail("handle_ip_change", errors.New("no interfaces"))
	s.NotPanics(func() { s.m.OnNetworkChanged(s.ctx) })
}

func TestBuddyStatusText(t *testing.T) {
	tests := []struct {
		name string
		info engine.BuddyInfo
		want string
	}{
		{"онлайн без текста", engine.BuddyInfo{Subscription: engine.SubscriptionActive, Status: engine.PresenceOnline}, "Online"},
		{"онлайн с текстом", engine.BuddyInfo{Subscription: engine.SubscriptionActive, Status: engine.PresenceOnline, StatusText: "On the phone"}, "On the phone"},
		{"оффлайн", engine.BuddyInfo{Subscription: engine.SubscriptionActive, Status: engine.PresenceOffline}, "Offline"},
		{"неизвестно", engine.BuddyInfo{Subscription: engine.SubscriptionActive}, "Unknown"},
		{"нет подписки", engine.BuddyInfo{Subscription: engine.SubscriptionPending, Status: engine.PresenceOnline}, "?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuddyStatusText(tt.info))
		})
	}
}

// Полный путь: движок -> мост -> менеджер в управляющем потоке
func TestManagerThroughBridge(t *testing.T) {
	eng := enginetest.New()
	rec := &presenter.Recorder{}
	m := New(eng, rec, WithLogger(logger.NoOpLogger{}))
	b := bridge.New(bridge.WithLogger(logger.NoOpLogger{}))
	b.Bind(context.Background(), m)
	eng.SetListener(b)

	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()

	first := eng.RaiseIncomingCall("sip:alice@example.com")
	second := eng.RaiseIncomingCall("sip:bob@example.com")
	eng.RaiseCallState(first, engine.CallStateConfirmed, 200, "OK")
	eng.RaiseCallState(second, engine.CallStateDisconnected, 486, "Busy Here")
	eng.RaiseCallState(first, engine.CallStateDisconnected, 200, "Normal call clearing")

	var afterTick *ActiveCall
	require.NoError(t, b.Call(context.Background(), func(context.Context) error {
		afterTick = m.Active()
		return nil
	}))
	assert.Nil(t, afterTick, "звонок освобожден на такте после события")
	assert.True(t, eng.Released(first))
	assert.True(t, eng.Released(second))

	b.Quit()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("управляющий цикл не завершился")
	}
	assert.Equal(t, []string{"CONFIRMED", "Call disconnected: Normal call clearing"}, rec.Call)
}

func (s *ManagerSuite) TestSwitchDeviceWithoutSessionOnlySelects() {
	s.Require().NoError(s.m.SwitchDevice(s.ctx, "back"))
	s.Empty(s.capt.switched, "сессия не запускается")
	s.Empty(s.capt.started)

	// Следующий звонок с видео запускает захват на выбранной камере
	s.m.SetVideoSurface(s.ctx, engine.WindowHandle{Surface: 1})
	id := s.incoming("sip:alice@example.com")
	s.media(id, video(engine.MediaStatusActive, 5))
	s.Require().Len(s.capt.started, 1)
	s.Equal("back", s.capt.started[0].DeviceID)

	s.state(id, engine.CallStateDisconnected, "Bye")
	s.Equal(1, s.capt.stops)
}

func (s *ManagerSuite) TestPreviewAttachDetach() {
	preview := engine.WindowHandle{Surface: 0xcafe}
	s.m.SetPreviewSurface(s.ctx, preview)
	id := s.incoming("sip:alice@example.com")

	s.media(id, video(engine.MediaStatusActive, 5))
	h, ok := s.eng.Preview(3)
	s.Require().True(ok)
	s.Equal(preview, h)
	s.Contains(s.eng.Ops(), "start_preview 3 51966")

	// Повторный снимок не выводит предпросмотр второй раз
	s.eng.ResetOps()
	s.media(id, video(engine.MediaStatusActive, 5))
	s.NotContains(s.eng.Ops(), "start_preview 3 51966")

	s.media(id, video(engine.MediaStatusLocalHold, 5))
	_, ok = s.eng.Preview(3)
	s.False(ok)
	s.Contains(s.eng.Ops(), "stop_preview 3")
	s.Nil(s.m.Active().AttachedPreview)
}

func (s *ManagerSuite) TestPreviewSurfaceArrivesAfterVideo() {
	id := s.incoming("sip:alice@example.com")
	s.media(id, video(engine.MediaStatusActive, 5))
	_, ok := s.eng.Preview(3)
	s.False(ok, "без поверхности предпросмотр не выводится")

	s.m.SetPreviewSurface(s.ctx, engine.WindowHandle{Surface: 2})
	h, ok := s.eng.Preview(3)
	s.Require().True(ok)
	s.Equal(uintptr(2), h.Surface)

	// Поверхность уничтожена хостом
	s.m.SetPreviewSurface(s.ctx, engine.WindowHandle{})
	_, ok = s.eng.Preview(3)
	s.False(ok)

	s.m.SetPreviewSurface(s.ctx, engine.WindowHandle{Surface: 4})
	s.state(id, engine.CallStateDisconnected, "Bye")
	_, ok = s.eng.Preview(3)
	s.False(ok, "предпросмотр снят при завершении звонка")
}
