package sipua

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

const byeTimeout = 5 * time.Second

var reasonPhrases = map[int]string{
	100: "Trying",
	180: "Ringing",
	183: "Session Progress",
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	408: "Request Timeout",
	480: "Temporarily Unavailable",
	481: "Call/Transaction Does Not Exist",
	482: "Loop Detected",
	486: "Busy Here",
	487: "Request Terminated",
	488: "Not Acceptable Here",
	500: "Server Internal Error",
	503: "Service Unavailable",
	603: "Decline",
}

func reasonPhrase(code int) string {
	return reasonPhrases[code]
}

// call состояние одного звонка. Все поля, кроме finalOnce, защищены
// Engine.mu.
type call struct {
	id         engine.CallID
	acc        engine.AccountID
	role       engine.Role
	state      engine.CallState
	lastCode   int
	lastReason string
	localURI   string
	remoteURI  string

	sipCallID    string
	localTag     string
	from         *sip.FromHeader
	to           *sip.ToHeader
	remoteTarget sip.Uri
	cseq         uint32

	// исходящий звонок
	invite        *sip.Request
	cancelPending bool

	// входящий звонок
	serverReq *sip.Request
	serverTx  sip.ServerTransaction
	finalSent chan struct{}
	finalOnce sync.Once

	answered     bool
	connectedAt  time.Time
	disconnected bool

	rtpPort     int
	remote      *RemoteMedia
	localSDP    []byte
	stream      *audioStream
	confPort    engine.MediaPort
	mediaFailed bool
}

func (c *call) markFinal() {
	if c.finalSent != nil {
		c.finalOnce.Do(func() { close(c.finalSent) })
	}
}

func (c *call) info() engine.CallInfo {
	ci := engine.CallInfo{
		ID:             c.id,
		AccountID:      c.acc,
		Role:           c.role,
		State:          c.state,
		StateText:      c.state.String(),
		LastStatusCode: c.lastCode,
		LastReason:     c.lastReason,
		LocalURI:       c.localURI,
		RemoteURI:      c.remoteURI,
	}
	if !c.connectedAt.IsZero() {
		ci.ConnectDuration = time.Since(c.connectedAt)
	}
	if c.remote != nil && !c.disconnected {
		m := engine.CallMediaInfo{
			Index:          0,
			Type:           engine.MediaTypeAudio,
			Status:         engine.MediaStatusNone,
			IncomingWindow: engine.InvalidID,
			CaptureDevice:  engine.InvalidID,
		}
		switch {
		case c.stream != nil:
			m.Status = engine.MediaStatusActive
		case c.mediaFailed:
			m.Status = engine.MediaStatusError
		}
		ci.Media = []engine.CallMediaInfo{m}
	}
	return ci
}

func (e *Engine) notify(fn func(l engine.Listener)) {
	e.mu.Lock()
	l := e.listenerLocked()
	e.mu.Unlock()
	fn(l)
}

func (e *Engine) findCall(id engine.CallID) (*call, error) {
	if !e.initialized {
		return nil, engine.ErrNotInitialized
	}
	c, ok := e.calls[id]
	if !ok {
		return nil, fmt.Errorf("%w: call %d", engine.ErrNotFound, id)
	}
	return c, nil
}

func (e *Engine) callBySIPID(req *sip.Request) *call {
	h := req.CallID()
	if h == nil {
		return nil
	}
	id, ok := e.bySIPID[h.Value()]
	if !ok {
		return nil
	}
	return e.calls[id]
}

// MakeCall отправляет INVITE с SDP offer. Ответы обрабатываются в
// отдельной горутине.
func (e *Engine) MakeCall(ctx context.Context, acc engine.AccountID, uri string) (engine.CallID, error) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		return engine.InvalidID, engine.ErrNotInitialized
	}
	a, ok := e.accounts[acc]
	if !ok {
		e.mu.Unlock()
		return engine.InvalidID, fmt.Errorf("%w: account %d", engine.ErrNotFound, acc)
	}
	var target sip.Uri
	if err := sip.ParseUri(uri, &target); err != nil {
		e.mu.Unlock()
		return engine.InvalidID, fmt.Errorf("invalid destination %q: %w", uri, err)
	}
	port, err := e.ports.Allocate()
	if err != nil {
		e.mu.Unlock()
		return engine.InvalidID, err
	}
	offer, err := BuildOffer(e.hostname, port, e.certFinger)
	if err != nil {
		e.ports.Release(port)
		e.mu.Unlock()
		return engine.InvalidID, fmt.Errorf("build offer: %w", err)
	}

	c := &call{
		id:           e.nextCall,
		acc:          acc,
		role:         engine.RoleUAC,
		state:        engine.CallStateCalling,
		localURI:     a.cfg.IDURI,
		remoteURI:    uri,
		sipCallID:    uuid.NewString(),
		localTag:     newTag(),
		remoteTarget: target,
		cseq:         1,
		rtpPort:      port,
		localSDP:     offer,
	}
	c.from = &sip.FromHeader{Address: a.uri, Params: sip.NewParams()}
	c.from.Params = c.from.Params.Add("tag", c.localTag)
	c.to = &sip.ToHeader{Address: target, Params: sip.NewParams()}

	req := sip.NewRequest(sip.INVITE, target)
	req.AppendHeader(sip.HeaderClone(c.from))
	req.AppendHeader(sip.HeaderClone(c.to))
	callID := sip.CallIDHeader(c.sipCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: sip.INVITE})
	req.AppendHeader(&sip.ContactHeader{Address: e.contactURI(a.uri.User), Params: sip.NewParams()})
	ct := sip.ContentTypeHeader("application/sdp")
	req.AppendHeader(&ct)
	req.SetBody(offer)
	c.invite = req

	e.nextCall++
	e.calls[c.id] = c
	e.bySIPID[c.sipCallID] = c.id
	client := e.client
	cred, hasCred := a.credential()
	e.mu.Unlock()

	tx, err := client.TransactionRequest(ctx, req)
	if err != nil {
		e.mu.Lock()
		delete(e.calls, c.id)
		delete(e.bySIPID, c.sipCallID)
		e.ports.Release(port)
		e.mu.Unlock()
		return engine.InvalidID, fmt.Errorf("send invite: %w", err)
	}

	e.log.Info(ctx, "исходящий звонок", logger.Int("call", int(c.id)), logger.String("to", uri))

	e.mu.Lock()
	info := c.info()
	e.mu.Unlock()
	e.notify(func(l engine.Listener) { l.OnCallState(info) })

	var auth *sipgo.DigestAuth
	if hasCred {
		auth = &sipgo.DigestAuth{Username: cred.Username, Password: cred.Password}
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runInvite(c, req, tx, auth)
	}()
	return c.id, nil
}

// runInvite читает ответы на INVITE до финального
func (e *Engine) runInvite(c *call, req *sip.Request, tx sip.ClientTransaction, auth *sipgo.DigestAuth) {
	defer tx.Terminate()
	for {
		select {
		case res := <-tx.Responses():
			if res == nil {
				continue
			}
			if needsAuth(res) && auth != nil {
				e.mu.Lock()
				client := e.client
				e.mu.Unlock()
				final, err := client.DoDigestAuth(e.ctx, req, res, *auth)
				if err != nil {
					e.end(c, 408, err.Error())
					return
				}
				e.mu.Lock()
				if cs := req.CSeq(); cs != nil {
					c.cseq = cs.SeqNo
				}
				e.mu.Unlock()
				e.handleInviteResponse(c, req, final)
				return
			}
			if e.handleInviteResponse(c, req, res) {
				return
			}
		case <-tx.Done():
			reason := "Request Timeout"
			if err := tx.Err(); err != nil {
				reason = err.Error()
			}
			e.end(c, 408, reason)
			return
		case <-e.ctx.Done():
			return
		}
	}
}

// handleInviteResponse применяет ответ на INVITE. Возвращает true для
// финального ответа.
func (e *Engine) handleInviteResponse(c *call, req *sip.Request, res *sip.Response) bool {
	code := int(res.StatusCode)
	switch {
	case code == 100:
		return false

	case code < 200:
		e.mu.Lock()
		if c.disconnected {
			e.mu.Unlock()
			return false
		}
		c.state = engine.CallStateEarly
		c.lastCode, c.lastReason = code, res.Reason
		info := c.info()
		e.mu.Unlock()
		e.notify(func(l engine.Listener) { l.OnCallState(info) })
		return false

	case code < 300:
		e.acceptAnswer(c, req, res)
		return true

	default:
		e.end(c, code, res.Reason)
		return true
	}
}

// acceptAnswer подтверждает 2xx, разбирает SDP answer и открывает медиа
func (e *Engine) acceptAnswer(c *call, req *sip.Request, res *sip.Response) {
	ack := sip.NewAckRequest(req, res, nil)

	e.mu.Lock()
	client := e.client
	c.answered = true
	if to := res.To(); to != nil {
		c.to = sip.HeaderClone(to).(*sip.ToHeader)
	}
	if ct := res.Contact(); ct != nil {
		c.remoteTarget = ct.Address
	}
	cancelled := c.cancelPending || c.disconnected
	e.mu.Unlock()

	if err := client.WriteRequest(ack); err != nil {
		e.log.LogError(e.ctx, err, "не удалось отправить ACK", logger.Int("call", int(c.id)))
	}
	if cancelled {
		// CANCEL разминулся с 2xx, диалог закрываем через BYE
		e.sendBye(c)
		e.end(c, 487, "Request Terminated")
		return
	}

	rm, err := ParseRemote(res.Body())
	if err != nil {
		e.log.LogError(e.ctx, err, "некорректный SDP answer", logger.Int("call", int(c.id)))
		e.sendBye(c)
		e.end(c, 488, reasonPhrase(488))
		return
	}

	e.mu.Lock()
	c.state = engine.CallStateConfirmed
	c.lastCode, c.lastReason = int(res.StatusCode), res.Reason
	c.connectedAt = time.Now()
	c.remote = &rm
	info := c.info()
	e.mu.Unlock()
	e.notify(func(l engine.Listener) { l.OnCallState(info) })

	// offer был actpass, поэтому клиентом DTLS становимся только если
	// удаленная сторона выбрала passive
	e.startMedia(c, rm, rm.Setup == setupPassive)
}

// startMedia открывает аудио поток и подключает его к мосту
func (e *Engine) startMedia(c *call, rm RemoteMedia, dtlsClient bool) {
	e.mu.Lock()
	cfg := streamConfig{
		Local:  &net.UDPAddr{Port: c.rtpPort},
		Remote: rm.Addr,
		Codec:  rm.Codec,
	}
	if rm.Secure {
		if e.cert == nil {
			c.mediaFailed = true
			info := c.info()
			e.mu.Unlock()
			e.notify(func(l engine.Listener) { l.OnCallMediaState(info) })
			return
		}
		cfg.DTLS = &dtlsParams{Certificate: *e.cert, Client: dtlsClient, PeerFingerprint: rm.Fingerprint}
	}
	ctx := e.ctx
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		s, err := openStream(ctx, cfg, e.log)

		e.mu.Lock()
		if err != nil {
			e.log.LogError(ctx, err, "медиа поток не открыт", logger.Int("call", int(c.id)))
			if c.disconnected {
				e.mu.Unlock()
				return
			}
			c.mediaFailed = true
			info := c.info()
			e.mu.Unlock()
			e.notify(func(l engine.Listener) { l.OnCallMediaState(info) })
			return
		}
		if c.disconnected {
			e.mu.Unlock()
			_ = s.Close()
			return
		}
		c.stream = s
		c.confPort = e.conf.add(&confPort{
			name:   fmt.Sprintf("call-%d", c.id),
			source: s.ReadFrame,
			sink:   s.WriteFrame,
		})
		info := c.info()
		e.mu.Unlock()

		e.log.Info(ctx, "медиа поток открыт",
			logger.Int("call", int(c.id)),
			logger.String("codec", rm.Codec.Name),
			logger.String("remote", rm.Addr.String()),
			logger.Bool("dtls", cfg.DTLS != nil))
		e.notify(func(l engine.Listener) { l.OnCallMediaState(info) })
	}()
}

// end переводит звонок в DISCONNECTED. Повторные вызовы ничего не делают.
func (e *Engine) end(c *call, code int, reason string) {
	e.mu.Lock()
	if c.disconnected {
		e.mu.Unlock()
		return
	}
	c.disconnected = true
	c.state = engine.CallStateDisconnected
	c.lastCode, c.lastReason = code, reason
	c.markFinal()
	s := c.stream
	if s != nil {
		e.conf.remove(c.confPort)
		c.stream = nil
	}
	if c.rtpPort != 0 {
		e.ports.Release(c.rtpPort)
		c.rtpPort = 0
	}
	info := c.info()
	e.mu.Unlock()

	if s != nil {
		_ = s.Close()
	}
	e.log.Info(e.ctx, "звонок завершен",
		logger.Int("call", int(c.id)),
		logger.Int("code", code),
		logger.String("reason", reason))
	e.notify(func(l engine.Listener) { l.OnCallState(info) })
}

// inDialogRequest строит запрос внутри диалога, e.mu захвачен
func (e *Engine) inDialogRequest(c *call, method sip.RequestMethod) *sip.Request {
	c.cseq++
	req := sip.NewRequest(method, c.remoteTarget)
	req.AppendHeader(sip.HeaderClone(c.from))
	req.AppendHeader(sip.HeaderClone(c.to))
	callID := sip.CallIDHeader(c.sipCallID)
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: c.cseq, MethodName: method})
	return req
}

func (e *Engine) sendBye(c *call) {
	e.mu.Lock()
	bye := e.inDialogRequest(c, sip.BYE)
	client := e.client
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(e.ctx, byeTimeout)
	defer cancel()
	res, err := client.Do(ctx, bye)
	if err != nil {
		e.log.LogError(ctx, err, "BYE без ответа", logger.Int("call", int(c.id)))
		return
	}
	if res.StatusCode >= 300 {
		e.log.Warn(ctx, "BYE отклонен",
			logger.Int("call", int(c.id)),
			logger.Int("code", int(res.StatusCode)))
	}
}

// sendCancel отменяет исходящий INVITE. Финальный ответ 487 приходит в
// runInvite.
func (e *Engine) sendCancel(ctx context.Context, c *call) error {
	e.mu.Lock()
	inv := c.invite
	client := e.client
	e.mu.Unlock()

	cancelReq := sip.NewRequest(sip.CANCEL, inv.Recipient)
	if via := inv.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}
	cancelReq.AppendHeader(sip.HeaderClone(inv.From()))
	cancelReq.AppendHeader(sip.HeaderClone(inv.To()))
	cancelReq.AppendHeader(sip.HeaderClone(inv.CallID()))
	cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: inv.CSeq().SeqNo, MethodName: sip.CANCEL})
	maxForwards := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)
	sip.CopyHeaders("Route", inv, cancelReq)
	cancelReq.SetTransport(inv.Transport())
	cancelReq.SetDestination(inv.Destination())

	cctx, cancel := context.WithTimeout(ctx, byeTimeout)
	defer cancel()
	_, err := client.Do(cctx, cancelReq)
	return err
}

// AnswerCall отвечает на входящий INVITE. 1xx не завершает транзакцию,
// 2xx несет SDP answer, остальные коды отклоняют звонок.
func (e *Engine) AnswerCall(ctx context.Context, id engine.CallID, code int) error {
	if code < 100 || code > 699 {
		return fmt.Errorf("invalid status code %d", code)
	}
	e.mu.Lock()
	c, err := e.findCall(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if c.role != engine.RoleUAS {
		e.mu.Unlock()
		return fmt.Errorf("%w: answer outgoing call %d", engine.ErrUnsupported, id)
	}
	if c.answered || c.disconnected {
		e.mu.Unlock()
		return fmt.Errorf("call %d already answered", id)
	}

	var body []byte
	if code >= 200 && code < 300 {
		port, err := e.ports.Allocate()
		if err != nil {
			e.mu.Unlock()
			return err
		}
		body, err = BuildAnswer(e.hostname, port, *c.remote, e.certFinger)
		if err != nil {
			e.ports.Release(port)
			e.mu.Unlock()
			return fmt.Errorf("build answer: %w", err)
		}
		c.rtpPort = port
		c.localSDP = body
	}

	res := sip.NewResponseFromRequest(c.serverReq, code, reasonPhrase(code), body)
	if to := res.To(); to != nil {
		to.Params = to.Params.Add("tag", c.localTag)
	}
	if body != nil {
		ct := sip.ContentTypeHeader("application/sdp")
		res.AppendHeader(&ct)
		res.AppendHeader(&sip.ContactHeader{Address: e.contactURI(c.from.Address.User), Params: sip.NewParams()})
	}
	tx := c.serverTx
	c.lastCode, c.lastReason = code, reasonPhrase(code)
	switch {
	case code < 200:
		c.state = engine.CallStateEarly
	case code < 300:
		c.state = engine.CallStateConnecting
		c.answered = true
	}
	info := c.info()
	e.mu.Unlock()

	if err := tx.Respond(res); err != nil {
		if code >= 200 {
			e.end(c, 500, err.Error())
		}
		return fmt.Errorf("send response %d: %w", code, err)
	}
	if code >= 300 {
		e.end(c, code, reasonPhrase(code))
		return nil
	}

	e.log.Info(ctx, "ответ на входящий звонок", logger.Int("call", int(id)), logger.Int("code", code))
	if code >= 200 {
		e.mu.Lock()
		c.markFinal()
		e.mu.Unlock()
	}
	e.notify(func(l engine.Listener) { l.OnCallState(info) })
	return nil
}

// HangupCall завершает звонок способом, подходящим его состоянию:
// отказ для входящего без ответа, CANCEL для исходящего без ответа,
// BYE для установленного.
func (e *Engine) HangupCall(ctx context.Context, id engine.CallID, code int) error {
	e.mu.Lock()
	c, err := e.findCall(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	if c.disconnected {
		e.mu.Unlock()
		return nil
	}
	role, answered := c.role, c.answered
	if role == engine.RoleUAC && !answered {
		c.cancelPending = true
	}
	e.mu.Unlock()

	switch {
	case role == engine.RoleUAS && !answered:
		if code < 300 {
			code = 603
		}
		return e.AnswerCall(ctx, id, code)

	case role == engine.RoleUAC && !answered:
		if err := e.sendCancel(ctx, c); err != nil {
			e.log.LogError(ctx, err, "CANCEL не доставлен", logger.Int("call", int(id)))
			e.end(c, 487, "Request Terminated")
		}
		return nil

	default:
		e.sendBye(c)
		e.end(c, 200, "Normal call clearing")
		return nil
	}
}

// ReleaseCall завершает звонок, если нужно, и забывает его
func (e *Engine) ReleaseCall(ctx context.Context, id engine.CallID) error {
	e.mu.Lock()
	c, err := e.findCall(id)
	if err != nil {
		e.mu.Unlock()
		return err
	}
	active := !c.disconnected
	unanswered := c.role == engine.RoleUAS && !c.answered
	e.mu.Unlock()

	if active {
		code := 0
		if unanswered {
			code = 486
		}
		if err := e.HangupCall(ctx, id, code); err != nil && !errors.Is(err, engine.ErrNotFound) {
			e.log.LogError(ctx, err, "завершение при освобождении", logger.Int("call", int(id)))
		}
		// исходящий без ответа ждет 487 в runInvite, освобождаем сразу
		e.end(c, 487, "Request Terminated")
	}

	e.mu.Lock()
	delete(e.calls, id)
	delete(e.bySIPID, c.sipCallID)
	e.mu.Unlock()
	return nil
}

func (e *Engine) CallInfo(_ context.Context, id engine.CallID) (engine.CallInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.findCall(id)
	if err != nil {
		return engine.CallInfo{}, err
	}
	return c.info(), nil
}

// StreamInfo есть только у аудио линии 0 после согласования SDP
func (e *Engine) StreamInfo(_ context.Context, id engine.CallID, idx int) (engine.StreamInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.findCall(id)
	if err != nil {
		return engine.StreamInfo{}, err
	}
	if idx != 0 || c.remote == nil {
		return engine.StreamInfo{}, fmt.Errorf("%w: media %d of call %d", engine.ErrNotFound, idx, id)
	}
	return engine.StreamInfo{
		Type:      engine.MediaTypeAudio,
		CodecName: c.remote.Codec.Name,
		ClockRate: int(c.remote.Codec.ClockRate),
	}, nil
}

// CallAudioMedia слот моста активного аудио потока
func (e *Engine) CallAudioMedia(_ context.Context, id engine.CallID, idx int) (engine.MediaPort, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.findCall(id)
	if err != nil {
		return engine.InvalidID, err
	}
	if idx != 0 || c.stream == nil {
		return engine.InvalidID, fmt.Errorf("%w: audio media %d of call %d", engine.ErrNotFound, idx, id)
	}
	return c.confPort, nil
}

// accountFor выбирает аккаунт по пользователю в To, иначе первый
func (e *Engine) accountFor(to *sip.ToHeader) engine.AccountID {
	best := engine.AccountID(engine.InvalidID)
	for id, a := range e.accounts {
		if to != nil && a.uri.User != "" && a.uri.User == to.Address.User {
			return id
		}
		if best == engine.InvalidID || id < best {
			best = id
		}
	}
	return best
}

func (e *Engine) respond(tx sip.ServerTransaction, req *sip.Request, code int) {
	res := sip.NewResponseFromRequest(req, code, reasonPhrase(code), nil)
	if err := tx.Respond(res); err != nil {
		e.log.LogError(e.ctx, err, "ответ не отправлен",
			logger.String("method", string(req.Method)),
			logger.Int("code", code))
	}
}

// handleInvite принимает новый INVITE. Обработчик не возвращается до
// финального ответа: транзакция живет, пока жив обработчик.
func (e *Engine) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	if !e.initialized {
		e.mu.Unlock()
		e.respond(tx, req, 503)
		return
	}
	if req.CallID() == nil || req.From() == nil || req.To() == nil {
		e.mu.Unlock()
		e.respond(tx, req, 400)
		return
	}
	if existing := e.callBySIPID(req); existing != nil {
		if _, hasTag := req.To().Params.Get("tag"); hasTag && existing.answered && !existing.disconnected {
			// re-INVITE: медиа не меняем, повторяем текущий SDP
			body := existing.localSDP
			e.mu.Unlock()
			res := sip.NewResponseFromRequest(req, 200, "OK", body)
			ct := sip.ContentTypeHeader("application/sdp")
			res.AppendHeader(&ct)
			if err := tx.Respond(res); err != nil {
				e.log.LogError(e.ctx, err, "ответ на re-INVITE не отправлен")
			}
			return
		}
		e.mu.Unlock()
		e.respond(tx, req, 482)
		return
	}

	rm, err := ParseRemote(req.Body())
	if err != nil || (rm.Secure && e.cert == nil) {
		e.mu.Unlock()
		e.log.Warn(e.ctx, "входящий offer отклонен", logger.Err(err))
		e.respond(tx, req, 488)
		return
	}

	c := &call{
		id:           e.nextCall,
		acc:          e.accountFor(req.To()),
		role:         engine.RoleUAS,
		state:        engine.CallStateIncoming,
		localURI:     req.To().Address.String(),
		remoteURI:    req.From().Address.String(),
		sipCallID:    req.CallID().Value(),
		localTag:     newTag(),
		remoteTarget: req.From().Address,
		serverReq:    req,
		serverTx:     tx,
		finalSent:    make(chan struct{}),
		remote:       &rm,
	}
	if ct := req.Contact(); ct != nil {
		c.remoteTarget = ct.Address
	}
	c.from = &sip.FromHeader{Address: req.To().Address, Params: sip.NewParams()}
	c.from.Params = c.from.Params.Add("tag", c.localTag)
	c.to = &sip.ToHeader{Address: req.From().Address, Params: sip.NewParams()}
	if tag, ok := req.From().Params.Get("tag"); ok {
		c.to.Params = c.to.Params.Add("tag", tag)
	}
	e.nextCall++
	e.calls[c.id] = c
	e.bySIPID[c.sipCallID] = c.id
	info := c.info()
	ctx := e.ctx
	e.mu.Unlock()

	e.respond(tx, req, 100)
	e.log.Info(ctx, "входящий звонок",
		logger.Int("call", int(c.id)),
		logger.String("from", c.remoteURI),
		logger.String("codec", rm.Codec.Name))

	e.notify(func(l engine.Listener) {
		l.OnIncomingCall(engine.IncomingCall{AccountID: c.acc, CallID: c.id, RemoteURI: c.remoteURI})
		l.OnCallState(info)
	})

	select {
	case <-c.finalSent:
	case <-tx.Done():
		// транзакция закрыта без нашего финального ответа: CANCEL или таймаут
		e.end(c, 487, "Request Terminated")
	case <-ctx.Done():
	}
}

// handleAck подтверждает 2xx на входящий звонок и запускает медиа
func (e *Engine) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	e.mu.Lock()
	c := e.callBySIPID(req)
	if c == nil || c.role != engine.RoleUAS || c.state != engine.CallStateConnecting {
		e.mu.Unlock()
		return
	}
	c.state = engine.CallStateConfirmed
	c.connectedAt = time.Now()
	rm := *c.remote
	info := c.info()
	e.mu.Unlock()

	e.notify(func(l engine.Listener) { l.OnCallState(info) })
	e.startMedia(c, rm, true)
}

func (e *Engine) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	c := e.callBySIPID(req)
	e.mu.Unlock()
	if c == nil {
		e.respond(tx, req, 481)
		return
	}
	e.respond(tx, req, 200)
	e.end(c, 200, "Normal call clearing")
}

func (e *Engine) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	e.mu.Lock()
	c := e.callBySIPID(req)
	pending := c != nil && c.role == engine.RoleUAS && !c.answered && !c.disconnected
	var inv *sip.Request
	var invTx sip.ServerTransaction
	if pending {
		inv, invTx = c.serverReq, c.serverTx
	}
	e.mu.Unlock()

	if !pending {
		e.respond(tx, req, 481)
		return
	}
	e.respond(tx, req, 200)
	res := sip.NewResponseFromRequest(inv, 487, reasonPhrase(487), nil)
	if to := res.To(); to != nil {
		to.Params = to.Params.Add("tag", c.localTag)
	}
	_ = invTx.Respond(res)
	e.end(c, 487, "Request Terminated")
}

func (e *Engine) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	e.respond(tx, req, 200)
}
