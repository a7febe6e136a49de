// Package pjsua реализует engine.Engine поверх внешнего процесса pjsua,
// управляемого через telnet CLI.
//
// Уведомлений CLI не присылает, поэтому состояние звонков, аккаунтов и
// контактов периодически опрашивается командами "call list", "acc show"
// и "im buddy list", а разница между снимками превращается в вызовы
// engine.Listener.
package pjsua

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

// Options параметры процесса pjsua
type Options struct {
	// Binary путь к pjsua. Пустое значение означает подключение к уже
	// запущенному процессу.
	Binary         string
	TelnetHost     string
	TelnetPort     int
	Args           []string
	PollInterval   time.Duration
	StartTimeout   time.Duration
	CommandTimeout time.Duration
	// Account аккаунт, передаваемый в командной строке вместе с паролем
	Account *engine.AccountConfig
}

func (o *Options) setDefaults() {
	if o.TelnetHost == "" {
		o.TelnetHost = "127.0.0.1"
	}
	if o.TelnetPort == 0 {
		o.TelnetPort = 2323
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 10 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Second
	}
}

type account struct {
	cfg      engine.AccountConfig
	pjID     int
	lastCode int
}

type buddy struct {
	acc  engine.AccountID
	cfg  engine.BuddyConfig
	pjID int
	last buddyLine
	seen bool
}

type callRecord struct {
	info engine.CallInfo
	// media последнее известное состояние аудио линии
	media engine.MediaStatus
}

// Engine движок поверх pjsua CLI
type Engine struct {
	opts Options
	log  logger.StructuredLogger
	dial func(context.Context) (commander, error)

	mu            sync.Mutex
	listener      engine.Listener
	cfg           engine.EndpointConfig
	initialized   bool
	started       bool
	transports    map[engine.TransportID]engine.TransportConfig
	nextTransport engine.TransportID
	cli           commander
	proc          *exec.Cmd

	accounts map[engine.AccountID]*account
	nextAcc  engine.AccountID
	buddies  map[engine.BuddyID]*buddy
	nextBud  engine.BuddyID
	calls    map[engine.CallID]*callRecord

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option опция движка
type Option func(*Engine)

func WithLogger(l logger.StructuredLogger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// withDialer подменяет подключение к CLI
func withDialer(dial func(context.Context) (commander, error)) Option {
	return func(e *Engine) { e.dial = dial }
}

func New(opts Options, options ...Option) *Engine {
	opts.setDefaults()
	e := &Engine{
		opts: opts,
		log:  logger.GetDefaultLogger(),
	}
	for _, o := range options {
		o(e)
	}
	if e.dial == nil {
		e.dial = telnetDialer(opts.TelnetHost, opts.TelnetPort, opts.CommandTimeout)
	}
	e.log = e.log.WithComponent("pjsua")
	return e
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) SetListener(l engine.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

func (e *Engine) listenerLocked() engine.Listener {
	if e.listener == nil {
		return nopListener{}
	}
	return e.listener
}

type nopListener struct{}

func (nopListener) OnRegState(engine.RegState)         {}
func (nopListener) OnIncomingCall(engine.IncomingCall) {}
func (nopListener) OnCallState(engine.CallInfo)        {}
func (nopListener) OnCallMediaState(engine.CallInfo)   {}
func (nopListener) OnBuddyState(engine.BuddyInfo)      {}

// Init только запоминает конфигурацию: процесс запускается в Start,
// когда известны все транспорты
func (e *Engine) Init(_ context.Context, cfg engine.EndpointConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.initialized {
		return engine.ErrAlreadyInitialized
	}
	e.cfg = cfg
	e.transports = make(map[engine.TransportID]engine.TransportConfig)
	e.accounts = make(map[engine.AccountID]*account)
	e.buddies = make(map[engine.BuddyID]*buddy)
	e.calls = make(map[engine.CallID]*callRecord)
	e.initialized = true
	return nil
}

// TransportCreate транспорты pjsua задаются аргументами процесса
func (e *Engine) TransportCreate(_ context.Context, cfg engine.TransportConfig) (engine.TransportID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.InvalidID, engine.ErrNotInitialized
	}
	if e.started {
		return engine.InvalidID, fmt.Errorf("%w: transport after start", engine.ErrUnsupported)
	}
	if cfg.Type == engine.TransportTLS {
		return engine.InvalidID, fmt.Errorf("%w: tls transport", engine.ErrUnsupported)
	}
	id := e.nextTransport
	e.nextTransport++
	e.transports[id] = cfg
	return id, nil
}

// Start запускает pjsua, подключается к CLI и начинает опрос
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return engine.ErrNotInitialized
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	transports := make([]engine.TransportConfig, 0, len(e.transports))
	for i := engine.TransportID(0); i < e.nextTransport; i++ {
		if t, ok := e.transports[i]; ok {
			transports = append(transports, t)
		}
	}
	args := buildArgs(e.opts, e.cfg, transports)
	e.mu.Unlock()

	var proc *exec.Cmd
	if e.opts.Binary != "" {
		var err error
		if proc, err = launch(e.opts.Binary, args, e.log); err != nil {
			return err
		}
		e.log.Info(ctx, "pjsua запущен",
			logger.String("binary", e.opts.Binary),
			logger.Int("pid", proc.Process.Pid))
	}

	sctx, cancel := context.WithTimeout(ctx, e.opts.StartTimeout)
	cli, err := connectWithRetry(sctx, e.dial)
	cancel()
	if err != nil {
		stopProcess(proc)
		return err
	}

	pctx, pcancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cli, e.proc, e.cancel = cli, proc, pcancel
	e.started = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pollLoop(pctx)
	}()
	return nil
}

func stopProcess(proc *exec.Cmd) {
	if proc == nil || proc.Process == nil {
		return
	}
	_ = proc.Process.Kill()
	_ = proc.Wait()
}

// Destroy останавливает опрос, закрывает CLI и завершает процесс
func (e *Engine) Destroy(ctx context.Context) error {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return nil
	}
	cli, proc, cancel := e.cli, e.proc, e.cancel
	e.initialized, e.started = false, false
	e.cli, e.proc, e.cancel = nil, nil, nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	if cli != nil {
		if e.opts.Binary != "" {
			_, _ = cli.Command(ctx, "shutdown")
		}
		_ = cli.Close()
	}
	if proc != nil {
		done := make(chan struct{})
		go func() {
			_ = proc.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(e.opts.CommandTimeout):
			_ = proc.Process.Kill()
			<-done
		}
	}
	return nil
}

// HandleIPChange перерегистрирует все аккаунты
func (e *Engine) HandleIPChange(ctx context.Context) error {
	e.mu.Lock()
	ids := make([]int, 0, len(e.accounts))
	for _, a := range e.accounts {
		if a.cfg.RegistrarURI != "" {
			ids = append(ids, a.pjID)
		}
	}
	e.mu.Unlock()
	for _, id := range ids {
		if _, err := e.run(ctx, "acc reg %d", id); err != nil {
			return err
		}
	}
	return nil
}

var cliErrorRe = regexp.MustCompile(`(?i)(^|\n)\s*(error|invalid|unknown command|failed)`)

// run выполняет команду CLI. Ответ с сообщением об ошибке превращается
// в error.
func (e *Engine) run(ctx context.Context, format string, args ...any) (string, error) {
	e.mu.Lock()
	cli := e.cli
	e.mu.Unlock()
	if cli == nil {
		return "", engine.ErrNotInitialized
	}
	cmd := fmt.Sprintf(format, args...)
	cctx, cancel := context.WithTimeout(ctx, e.opts.CommandTimeout)
	defer cancel()
	out, err := cli.Command(cctx, cmd)
	if err != nil {
		return out, err
	}
	if cliErrorRe.MatchString(out) {
		return out, fmt.Errorf("pjsua %q: %s", cmd, firstLine(out))
	}
	e.log.Trace(ctx, "pjsua команда", logger.String("cmd", cmd))
	return out, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}

// CreateAccount добавляет аккаунт командой "acc add". Аккаунт из
// командной строки процесса только находится в списке.
func (e *Engine) CreateAccount(ctx context.Context, cfg engine.AccountConfig) (engine.AccountID, error) {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return engine.InvalidID, engine.ErrNotInitialized
	}

	pjID, err := e.addAccount(ctx, cfg)
	if err != nil {
		return engine.InvalidID, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextAcc
	e.nextAcc++
	e.accounts[id] = &account{cfg: cfg, pjID: pjID}
	return id, nil
}

func (e *Engine) addAccount(ctx context.Context, cfg engine.AccountConfig) (int, error) {
	if e.opts.Account == nil || e.opts.Account.IDURI != cfg.IDURI {
		cmd := "acc add " + cfg.IDURI
		if cfg.RegistrarURI != "" {
			cmd += " " + cfg.RegistrarURI
		}
		out, err := e.run(ctx, "%s", cmd)
		if err != nil {
			return 0, err
		}
		if id, ok := parseAddedID(accAddedRe, out); ok {
			return id, nil
		}
	}
	out, err := e.run(ctx, "acc show")
	if err != nil {
		return 0, err
	}
	for _, a := range parseAccounts(out) {
		if sameURI(a.URI, cfg.IDURI) {
			return a.ID, nil
		}
	}
	return 0, fmt.Errorf("%w: account %s not listed by pjsua", engine.ErrNotFound, cfg.IDURI)
}

func sameURI(a, b string) bool {
	norm := func(s string) string {
		return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(s), "<"), ">")
	}
	return strings.EqualFold(norm(a), norm(b))
}

// ModifyAccount pjsua не меняет аккаунт на месте: старый удаляется,
// новый добавляется под тем же идентификатором фасада
func (e *Engine) ModifyAccount(ctx context.Context, id engine.AccountID, cfg engine.AccountConfig) error {
	e.mu.Lock()
	a, ok := e.accounts[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: account %d", engine.ErrNotFound, id)
	}
	if _, err := e.run(ctx, "acc del %d", a.pjID); err != nil {
		return err
	}
	pjID, err := e.addAccount(ctx, cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.accounts[id] = &account{cfg: cfg, pjID: pjID}
	e.mu.Unlock()
	return nil
}

func (e *Engine) RemoveAccount(ctx context.Context, id engine.AccountID) error {
	e.mu.Lock()
	a, ok := e.accounts[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: account %d", engine.ErrNotFound, id)
	}
	if _, err := e.run(ctx, "acc del %d", a.pjID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.accounts, id)
	for bid, b := range e.buddies {
		if b.acc == id {
			delete(e.buddies, bid)
		}
	}
	e.mu.Unlock()
	return nil
}

func (e *Engine) AddBuddy(ctx context.Context, acc engine.AccountID, cfg engine.BuddyConfig) (engine.BuddyID, error) {
	e.mu.Lock()
	_, ok := e.accounts[acc]
	e.mu.Unlock()
	if !ok {
		return engine.InvalidID, fmt.Errorf("%w: account %d", engine.ErrNotFound, acc)
	}
	out, err := e.run(ctx, "im buddy add %s", cfg.URI)
	if err != nil {
		return engine.InvalidID, err
	}
	pjID, ok := parseAddedID(buddyAddedRe, out)
	if !ok {
		return engine.InvalidID, fmt.Errorf("pjsua did not report buddy id: %s", firstLine(out))
	}
	if cfg.Subscribe {
		if _, err := e.run(ctx, "im sub %d", pjID); err != nil {
			e.log.LogError(ctx, err, "подписка на присутствие", logger.String("uri", cfg.URI))
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextBud
	e.nextBud++
	e.buddies[id] = &buddy{acc: acc, cfg: cfg, pjID: pjID}
	return id, nil
}

func (e *Engine) RemoveBuddy(ctx context.Context, id engine.BuddyID) error {
	e.mu.Lock()
	b, ok := e.buddies[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: buddy %d", engine.ErrNotFound, id)
	}
	if _, err := e.run(ctx, "im buddy del %d", b.pjID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.buddies, id)
	e.mu.Unlock()
	return nil
}

func (e *Engine) BuddyInfo(_ context.Context, id engine.BuddyID) (engine.BuddyInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buddies[id]
	if !ok {
		return engine.BuddyInfo{}, fmt.Errorf("%w: buddy %d", engine.ErrNotFound, id)
	}
	return buddyInfo(id, b), nil
}

func buddyInfo(id engine.BuddyID, b *buddy) engine.BuddyInfo {
	bi := engine.BuddyInfo{ID: id, URI: b.cfg.URI, Subscription: engine.SubscriptionNull}
	if b.cfg.Subscribe {
		bi.Subscription = engine.SubscriptionSent
		if b.seen {
			bi.Subscription = engine.SubscriptionActive
		}
	}
	bi.Status = b.last.Status
	bi.StatusText = b.last.StatusText
	return bi
}

// MakeCall "call new" звонит с текущего аккаунта pjsua, поэтому сначала
// выбирается аккаунт
func (e *Engine) MakeCall(ctx context.Context, acc engine.AccountID, uri string) (engine.CallID, error) {
	e.mu.Lock()
	a, ok := e.accounts[acc]
	e.mu.Unlock()
	if !ok {
		return engine.InvalidID, fmt.Errorf("%w: account %d", engine.ErrNotFound, acc)
	}
	if _, err := e.run(ctx, "acc default %d", a.pjID); err != nil {
		return engine.InvalidID, err
	}
	out, err := e.run(ctx, "call new %s", uri)
	if err != nil {
		return engine.InvalidID, err
	}
	id, ok := parseNewCallID(out)
	if !ok {
		return engine.InvalidID, fmt.Errorf("pjsua did not report call id: %s", firstLine(out))
	}

	e.mu.Lock()
	rec := &callRecord{info: engine.CallInfo{
		ID:        id,
		AccountID: acc,
		Role:      engine.RoleUAC,
		State:     engine.CallStateCalling,
		StateText: engine.CallStateCalling.String(),
		LocalURI:  a.cfg.IDURI,
		RemoteURI: uri,
	}}
	e.calls[id] = rec
	info := rec.snapshot()
	l := e.listenerLocked()
	e.mu.Unlock()

	l.OnCallState(info)
	return id, nil
}

func (r *callRecord) snapshot() engine.CallInfo {
	info := r.info
	if r.info.State != engine.CallStateDisconnected &&
		(r.media != engine.MediaStatusNone || r.info.State == engine.CallStateConfirmed) {
		info.Media = []engine.CallMediaInfo{{
			Index:          0,
			Type:           engine.MediaTypeAudio,
			Status:         r.media,
			IncomingWindow: engine.InvalidID,
			CaptureDevice:  engine.InvalidID,
		}}
	}
	return info
}

func (e *Engine) callRecord(id engine.CallID) (*callRecord, error) {
	rec, ok := e.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: call %d", engine.ErrNotFound, id)
	}
	return rec, nil
}

func (e *Engine) AnswerCall(ctx context.Context, id engine.CallID, code int) error {
	e.mu.Lock()
	_, err := e.callRecord(id)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = e.run(ctx, "call answer %d %d", code, id)
	return err
}

func (e *Engine) HangupCall(ctx context.Context, id engine.CallID, _ int) error {
	e.mu.Lock()
	rec, err := e.callRecord(id)
	disconnected := err == nil && rec.info.State == engine.CallStateDisconnected
	e.mu.Unlock()
	if err != nil || disconnected {
		return err
	}
	_, err = e.run(ctx, "call hangup %d", id)
	return err
}

// ReleaseCall сбрасывает звонок и забывает его. Идентификатор pjsua
// после этого может быть выдан новому звонку.
func (e *Engine) ReleaseCall(ctx context.Context, id engine.CallID) error {
	if err := e.HangupCall(ctx, id, 0); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.calls, id)
	e.mu.Unlock()
	return nil
}

func (e *Engine) CallInfo(_ context.Context, id engine.CallID) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, err := e.callRecord(id)
	if err != nil {
		return engine.CallInfo{}, err
	}
	return rec.snapshot(), nil
}

// #0 audio PCMU @8kHz, sendrecv
var streamLineRe = regexp.MustCompile(`#(\d+)\s+(audio|video)\s+([A-Za-z0-9\-_/]+)\s*@(\d+)(k?)Hz`)

func (e *Engine) StreamInfo(ctx context.Context, id engine.CallID, idx int) (engine.StreamInfo, error) {
	out, err := e.run(ctx, "call info %d", id)
	if err != nil {
		return engine.StreamInfo{}, err
	}
	for _, m := range streamLineRe.FindAllStringSubmatch(out, -1) {
		if n, _ := strconv.Atoi(m[1]); n != idx {
			continue
		}
		si := engine.StreamInfo{Type: engine.MediaTypeAudio, CodecName: m[3]}
		if m[2] == "video" {
			si.Type = engine.MediaTypeVideo
		}
		si.ClockRate, _ = strconv.Atoi(m[4])
		if m[5] == "k" {
			si.ClockRate *= 1000
		}
		return si, nil
	}
	return engine.StreamInfo{}, fmt.Errorf("%w: media %d of call %d", engine.ErrNotFound, idx, id)
}

// CaptureDevMedia звуковое устройство в мосту pjsua всегда слот 0
func (e *Engine) CaptureDevMedia(context.Context) (engine.MediaPort, error) { return 0, nil }

func (e *Engine) PlaybackDevMedia(context.Context) (engine.MediaPort, error) { return 0, nil }

// CallAudioMedia ищет слот моста, названный адресом удаленной стороны
func (e *Engine) CallAudioMedia(ctx context.Context, id engine.CallID, idx int) (engine.MediaPort, error) {
	e.mu.Lock()
	rec, err := e.callRecord(id)
	var remote string
	if err == nil {
		remote = strings.Trim(rec.info.RemoteURI, "<>")
	}
	e.mu.Unlock()
	if err != nil {
		return engine.InvalidID, err
	}
	if idx != 0 {
		return engine.InvalidID, fmt.Errorf("%w: audio media %d of call %d", engine.ErrNotFound, idx, id)
	}

	out, err := e.run(ctx, "audio conf list")
	if err != nil {
		return engine.InvalidID, err
	}
	for port, name := range parseConfPorts(out) {
		if port != 0 && strings.Contains(name, remote) {
			return port, nil
		}
	}
	return engine.InvalidID, fmt.Errorf("%w: conference port of call %d", engine.ErrNotFound, id)
}

func (e *Engine) StartTransmit(ctx context.Context, src, dst engine.MediaPort) error {
	_, err := e.run(ctx, "audio conf connect %d %d", src, dst)
	return err
}

func (e *Engine) StopTransmit(ctx context.Context, src, dst engine.MediaPort) error {
	_, err := e.run(ctx, "audio conf disconnect %d %d", src, dst)
	return err
}

// SetVideoWindow pjsua рисует окна сам, поверхность хоста ему не
// передается: окно только показывается или скрывается
func (e *Engine) SetVideoWindow(ctx context.Context, win engine.WindowID, h engine.WindowHandle) error {
	if h.IsZero() {
		_, err := e.run(ctx, "video win hide %d", win)
		return err
	}
	_, err := e.run(ctx, "video win show %d", win)
	return err
}

// StartPreview включает окно предпросмотра pjsua для устройства.
// Как и для окон звонка, поверхность хоста не передается.
func (e *Engine) StartPreview(ctx context.Context, dev engine.VideoDeviceID, _ engine.WindowHandle) error {
	_, err := e.run(ctx, "video device prev on %d", dev)
	return err
}

func (e *Engine) StopPreview(ctx context.Context, dev engine.VideoDeviceID) error {
	_, err := e.run(ctx, "video device prev off %d", dev)
	return err
}

func (e *Engine) SetCaptureOrient(context.Context, engine.VideoDeviceID, engine.Orientation) error {
	return fmt.Errorf("%w: capture orientation over pjsua cli", engine.ErrUnsupported)
}

func (e *Engine) AudioDevices(ctx context.Context) ([]engine.DeviceInfo, error) {
	out, err := e.run(ctx, "audio dev list")
	if err != nil {
		return nil, err
	}
	return parseAudioDevices(out), nil
}

func (e *Engine) VideoDevices(ctx context.Context) ([]engine.DeviceInfo, error) {
	out, err := e.run(ctx, "video dev list")
	if err != nil {
		return nil, err
	}
	return parseVideoDevices(out), nil
}
