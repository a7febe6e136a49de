package pjsua

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

// fakeCLI отвечает заранее заданным текстом и запоминает команды
type fakeCLI struct {
	mu      sync.Mutex
	replies map[string]string
	cmds    []string
	closed  bool
}

func newFakeCLI() *fakeCLI {
	return &fakeCLI{replies: make(map[string]string)}
}

func (f *fakeCLI) Command(_ context.Context, cmd string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return "", errCLIClosed
	}
	f.cmds = append(f.cmds, cmd)
	return f.replies[cmd], nil
}

func (f *fakeCLI) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeCLI) reply(cmd, out string) {
	f.mu.Lock()
	f.replies[cmd] = out
	f.mu.Unlock()
}

func (f *fakeCLI) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cmds...)
}

type events struct {
	mu       sync.Mutex
	regs     []engine.RegState
	incoming []engine.IncomingCall
	states   []engine.CallInfo
	media    []engine.CallInfo
	buddies  []engine.BuddyInfo
}

func (l *events) OnRegState(s engine.RegState) {
	l.mu.Lock()
	l.regs = append(l.regs, s)
	l.mu.Unlock()
}

func (l *events) OnIncomingCall(c engine.IncomingCall) {
	l.mu.Lock()
	l.incoming = append(l.incoming, c)
	l.mu.Unlock()
}

func (l *events) OnCallState(ci engine.CallInfo) {
	l.mu.Lock()
	l.states = append(l.states, ci)
	l.mu.Unlock()
}

func (l *events) OnCallMediaState(ci engine.CallInfo) {
	l.mu.Lock()
	l.media = append(l.media, ci)
	l.mu.Unlock()
}

func (l *events) OnBuddyState(b engine.BuddyInfo) {
	l.mu.Lock()
	l.buddies = append(l.buddies, b)
	l.mu.Unlock()
}

func (l *events) statesOf(id engine.CallID) []engine.CallState {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []engine.CallState
	for _, ci := range l.states {
		if ci.ID == id {
			out = append(out, ci.State)
		}
	}
	return out
}

type EngineSuite struct {
	suite.Suite
	ctx context.Context
	cli *fakeCLI
	ev  *events
	e   *Engine
	acc engine.AccountID
}

func (s *EngineSuite) SetupTest() {
	s.ctx = context.Background()
	s.cli = newFakeCLI()
	s.ev = &events{}
	s.e = New(Options{PollInterval: time.Hour},
		withDialer(func(context.Context) (commander, error) { return s.cli, nil }),
		WithLogger(logger.NoOpLogger{}))
	s.e.SetListener(s.ev)

	s.Require().NoError(s.e.Init(s.ctx, engine.EndpointConfig{MaxCalls: 4}))
	_, err := s.e.TransportCreate(s.ctx, engine.TransportConfig{Type: engine.TransportUDP, Port: 5060})
	s.Require().NoError(err)
	s.Require().NoError(s.e.Start(s.ctx))

	s.cli.reply("acc add sip:alice@example.com sip:example.com", "Account 1 added")
	s.acc, err = s.e.CreateAccount(s.ctx, engine.AccountConfig{
		IDURI:        "sip:alice@example.com",
		RegistrarURI: "sip:example.com",
	})
	s.Require().NoError(err)
}

func (s *EngineSuite) TearDownTest() {
	s.Require().NoError(s.e.Destroy(s.ctx))
}

func (s *EngineSuite) TestMakeCallSelectsAccount() {
	s.cli.reply("call new sip:bob@example.com", "Making call\nCall 0 state changed to CALLING")

	id, err := s.e.MakeCall(s.ctx, s.acc, "sip:bob@example.com")
	s.Require().NoError(err)
	s.Equal(engine.CallID(0), id)
	s.Subset(s.cli.sent(), []string{"acc default 1", "call new sip:bob@example.com"})
	s.Equal([]engine.CallState{engine.CallStateCalling}, s.ev.statesOf(id))

	info, err := s.e.CallInfo(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(engine.RoleUAC, info.Role)
	s.Equal("sip:alice@example.com", info.LocalURI)
}

func (s *EngineSuite) TestPollTracksCallLifecycle() {
	s.cli.reply("call new sip:bob@example.com", "Call 0 state changed to CALLING")
	id, err := s.e.MakeCall(s.ctx, s.acc, "sip:bob@example.com")
	s.Require().NoError(err)

	s.cli.reply("call list", "[0] CONFIRMED to sip:bob@example.com [ACTIVE]")
	s.e.poll(s.ctx)

	info, err := s.e.CallInfo(s.ctx, id)
	s.Require().NoError(err)
	s.Equal(engine.CallStateConfirmed, info.State)
	s.Require().Len(info.Media, 1)
	s.Equal(engine.MediaStatusActive, info.Media[0].Status)
	s.Len(s.ev.media, 1)

	// звонок пропал из списка
	s.cli.reply("call list", "")
	s.e.poll(s.ctx)
	s.e.poll(s.ctx)
	s.Equal([]engine.CallState{
		engine.CallStateCalling,
		engine.CallStateConfirmed,
		engine.CallStateDisconnected,
	}, s.ev.statesOf(id))

	s.Require().NoError(s.e.ReleaseCall(s.ctx, id))
	_, err = s.e.CallInfo(s.ctx, id)
	s.ErrorIs(err, engine.ErrNotFound)
}

func (s *EngineSuite) TestPollReportsIncomingCall() {
	s.cli.reply("call list", "[3] INCOMING from sip:carol@example.com")
	s.e.poll(s.ctx)

	s.Require().Len(s.ev.incoming, 1)
	s.Equal(engine.IncomingCall{AccountID: s.acc, CallID: 3, RemoteURI: "sip:carol@example.com"}, s.ev.incoming[0])
	s.Equal([]engine.CallState{engine.CallStateIncoming}, s.ev.statesOf(3))

	s.Require().NoError(s.e.AnswerCall(s.ctx, 3, 200))
	s.Contains(s.cli.sent(), "call answer 200 3")
}

func (s *EngineSuite) TestPollReportsRegistrationOnce() {
	s.cli.reply("acc show", " *[ 1] sip:alice@example.com: 200/OK (expires=300)")
	s.e.poll(s.ctx)
	s.e.poll(s.ctx)

	s.Require().Len(s.ev.regs, 1)
	s.Equal(engine.RegState{AccountID: s.acc, Code: 200, Reason: "OK", Expiration: 300}, s.ev.regs[0])
}

func (s *EngineSuite) TestBuddySubscription() {
	s.cli.reply("im buddy add sip:bob@example.com", "Buddy 2 added")
	bid, err := s.e.AddBuddy(s.ctx, s.acc, engine.BuddyConfig{URI: "sip:bob@example.com", Subscribe: true})
	s.Require().NoError(err)
	s.Contains(s.cli.sent(), "im sub 2")

	bi, err := s.e.BuddyInfo(s.ctx, bid)
	s.Require().NoError(err)
	s.Equal(engine.SubscriptionSent, bi.Subscription)

	s.cli.reply("im buddy list", `[2] sip:bob@example.com [Online] "Idle"`)
	s.e.poll(s.ctx)
	s.Require().Len(s.ev.buddies, 1)
	s.Equal(engine.PresenceOnline, s.ev.buddies[0].Status)
	s.Equal("Idle", s.ev.buddies[0].StatusText)
	s.Equal(engine.SubscriptionActive, s.ev.buddies[0].Subscription)

	s.Require().NoError(s.e.RemoveBuddy(s.ctx, bid))
	_, err = s.e.BuddyInfo(s.ctx, bid)
	s.ErrorIs(err, engine.ErrNotFound)
}

func (s *EngineSuite) TestCLIErrorBecomesError() {
	s.cli.reply("call new sip:broken", "Error: invalid URI")
	_, err := s.e.MakeCall(s.ctx, s.acc, "sip:broken")
	s.Require().Error(err)
	s.Contains(err.Error(), "invalid URI")
}

func (s *EngineSuite) TestMediaQueries() {
	s.cli.reply("call new sip:bob@example.com", "Call 0 state changed to CALLING")
	id, err := s.e.MakeCall(s.ctx, s.acc, "sip:bob@example.com")
	s.Require().NoError(err)

	s.cli.reply("call info 0", "Call 0 info:\n  #0 audio PCMU @8kHz, sendrecv")
	si, err := s.e.StreamInfo(s.ctx, id, 0)
	s.Require().NoError(err)
	s.Equal(engine.StreamInfo{Type: engine.MediaTypeAudio, CodecName: "PCMU", ClockRate: 8000}, si)

	s.cli.reply("audio conf list", "Port #00[Master/sound]\nPort #02[sip:bob@example.com]")
	port, err := s.e.CallAudioMedia(s.ctx, id, 0)
	s.Require().NoError(err)
	s.Equal(engine.MediaPort(2), port)

	s.Require().NoError(s.e.StartTransmit(s.ctx, port, 0))
	s.Contains(s.cli.sent(), "audio conf connect 2 0")

	s.Require().NoError(s.e.StartPreview(s.ctx, 1, engine.WindowHandle{Surface: 7}))
	s.Require().NoError(s.e.StopPreview(s.ctx, 1))
	s.Contains(s.cli.sent(), "video device prev on 1")
	s.Contains(s.cli.sent(), "video device prev off 1")

	s.ErrorIs(s.e.SetCaptureOrient(s.ctx, 0, engine.OrientNatural), engine.ErrUnsupported)
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(EngineSuite))
}

func TestEngine_Lifecycle(t *testing.T) {
	ctx := context.Background()
	cli := newFakeCLI()
	e := New(Options{PollInterval: time.Hour},
		withDialer(func(context.Context) (commander, error) { return cli, nil }),
		WithLogger(logger.NoOpLogger{}))

	_, err := e.CreateAccount(ctx, engine.AccountConfig{IDURI: "sip:a@b"})
	assert.ErrorIs(t, err, engine.ErrNotInitialized)

	require.NoError(t, e.Init(ctx, engine.EndpointConfig{}))
	assert.ErrorIs(t, e.Init(ctx, engine.EndpointConfig{}), engine.ErrAlreadyInitialized)

	_, err = e.TransportCreate(ctx, engine.TransportConfig{Type: engine.TransportTLS, Port: 5061})
	assert.ErrorIs(t, err, engine.ErrUnsupported)

	require.NoError(t, e.Start(ctx))
	_, err = e.TransportCreate(ctx, engine.TransportConfig{Type: engine.TransportUDP})
	assert.ErrorIs(t, err, engine.ErrUnsupported)

	require.NoError(t, e.Destroy(ctx))
	assert.True(t, cli.closed)
	// без собственного процесса pjsua не останавливается
	assert.NotContains(t, cli.sent(), "shutdown")
}

func TestEngine_StartupAccountIsLookedUp(t *testing.T) {
	ctx := context.Background()
	cli := newFakeCLI()
	cli.reply("acc show", "  [ 0] <sip:10.0.0.1:5060>: does not register\n *[ 1] sip:alice@example.com: 200/OK (expires=60)")
	acc := &engine.AccountConfig{IDURI: "sip:alice@example.com"}
	e := New(Options{PollInterval: time.Hour, Account: acc},
		withDialer(func(context.Context) (commander, error) { return cli, nil }),
		WithLogger(logger.NoOpLogger{}))
	require.NoError(t, e.Init(ctx, engine.EndpointConfig{}))
	require.NoError(t, e.Start(ctx))
	defer e.Destroy(ctx)

	_, err := e.CreateAccount(ctx, *acc)
	require.NoError(t, err)
	assert.Equal(t, []string{"acc show"}, cli.sent())
	assert.Equal(t, 1, e.accounts[0].pjID)
}
