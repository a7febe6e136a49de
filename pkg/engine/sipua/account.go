package sipua

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

const (
	defaultRegTimeout = 300
	regRetryInterval  = 60 * time.Second
	regRequestTimeout = 32 * time.Second
)

type account struct {
	id           engine.AccountID
	cfg          engine.AccountConfig
	uri          sip.Uri
	registrar    sip.Uri
	hasRegistrar bool

	mu      sync.Mutex
	cancel  context.CancelFunc
	expires int
}

func newAccount(id engine.AccountID, cfg engine.AccountConfig) (*account, error) {
	a := &account{id: id, cfg: cfg}
	if err := sip.ParseUri(cfg.IDURI, &a.uri); err != nil {
		return nil, fmt.Errorf("invalid account uri %q: %w", cfg.IDURI, err)
	}
	if cfg.RegistrarURI != "" {
		if err := sip.ParseUri(cfg.RegistrarURI, &a.registrar); err != nil {
			return nil, fmt.Errorf("invalid registrar uri %q: %w", cfg.RegistrarURI, err)
		}
		a.hasRegistrar = true
	}
	return a, nil
}

// stop останавливает цикл регистрации
func (a *account) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
}

func (a *account) registered() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.expires > 0
}

func (a *account) setExpires(v int) {
	a.mu.Lock()
	a.expires = v
	a.mu.Unlock()
}

func (a *account) credential() (engine.AuthCredential, bool) {
	if len(a.cfg.Credentials) == 0 {
		return engine.AuthCredential{}, false
	}
	return a.cfg.Credentials[0], true
}

// CreateAccount добавляет аккаунт и, если задано, запускает регистрацию
func (e *Engine) CreateAccount(_ context.Context, cfg engine.AccountConfig) (engine.AccountID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.InvalidID, engine.ErrNotInitialized
	}

	a, err := newAccount(e.nextAcc, cfg)
	if err != nil {
		return engine.InvalidID, err
	}
	e.nextAcc++
	e.accounts[a.id] = a
	if cfg.RegisterOnAdd && a.hasRegistrar {
		e.startRegistration(a)
	}
	return a.id, nil
}

// ModifyAccount заменяет конфигурацию и перерегистрирует аккаунт
func (e *Engine) ModifyAccount(_ context.Context, id engine.AccountID, cfg engine.AccountConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	old, ok := e.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %d", engine.ErrNotFound, id)
	}
	a, err := newAccount(id, cfg)
	if err != nil {
		return err
	}

	old.stop()
	e.accounts[id] = a
	switch {
	case cfg.RegisterOnAdd && a.hasRegistrar:
		e.startRegistration(a)
	case old.registered():
		e.goUnregister(old)
	}
	return nil
}

// RemoveAccount удаляет аккаунт, снимая регистрацию
func (e *Engine) RemoveAccount(_ context.Context, id engine.AccountID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.ErrNotInitialized
	}
	a, ok := e.accounts[id]
	if !ok {
		return fmt.Errorf("%w: account %d", engine.ErrNotFound, id)
	}
	delete(e.accounts, id)
	a.stop()
	if a.registered() {
		e.goUnregister(a)
	}
	for bid, b := range e.buddies {
		if b.acc == id {
			delete(e.buddies, bid)
		}
	}
	return nil
}

// startRegistration запускает цикл регистрации, e.mu захвачен
func (e *Engine) startRegistration(a *account) {
	a.stop()
	ctx, cancel := context.WithCancel(e.ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.registrationLoop(ctx, a)
	}()
}

func (e *Engine) goUnregister(a *account) {
	ctx := e.ctx
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.registerOnce(ctx, a, 0)
	}()
}

// registrationLoop регистрирует аккаунт и обновляет регистрацию до
// истечения срока, после неудачи повторяет через regRetryInterval
func (e *Engine) registrationLoop(ctx context.Context, a *account) {
	expires := a.cfg.RegTimeout
	if expires <= 0 {
		expires = defaultRegTimeout
	}
	for {
		granted := e.registerOnce(ctx, a, expires)
		wait := regRetryInterval
		if granted > 0 {
			wait = time.Duration(granted) * time.Second * 9 / 10
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// registerOnce отправляет REGISTER и сообщает результат слушателю.
// Возвращает срок, выданный регистратором, 0 при неудаче.
func (e *Engine) registerOnce(ctx context.Context, a *account, expires int) int {
	if !a.hasRegistrar {
		return 0
	}
	e.mu.Lock()
	contact := e.contactURI(a.uri.User)
	client := e.client
	e.mu.Unlock()

	req := sip.NewRequest(sip.REGISTER, a.registrar)
	req.AppendHeader(&sip.FromHeader{Address: a.uri, Params: sip.NewParams().Add("tag", newTag())})
	req.AppendHeader(&sip.ToHeader{Address: a.uri, Params: sip.NewParams()})
	req.AppendHeader(&sip.ContactHeader{Address: contact, Params: sip.NewParams()})
	exp := sip.ExpiresHeader(expires)
	req.AppendHeader(&exp)

	rctx, cancel := context.WithTimeout(ctx, regRequestTimeout)
	defer cancel()

	res, err := client.Do(rctx, req)
	if err == nil && needsAuth(res) {
		if cred, ok := a.credential(); ok {
			res, err = client.DoDigestAuth(rctx, req, res, sipgo.DigestAuth{
				Username: cred.Username,
				Password: cred.Password,
			})
		}
	}
	if errors.Is(err, context.Canceled) {
		return 0
	}

	st := engine.RegState{AccountID: a.id, Expiration: expires}
	granted := 0
	if err != nil {
		st.Code = 408
		st.Reason = err.Error()
	} else {
		st.Code = int(res.StatusCode)
		st.Reason = res.Reason
		if st.Code/100 == 2 && expires > 0 {
			granted = grantedExpires(res, expires)
		}
	}
	a.setExpires(granted)

	e.log.Info(ctx, "результат регистрации",
		logger.Int("account", int(a.id)),
		logger.Int("code", st.Code),
		logger.Int("expires", granted))

	e.mu.Lock()
	l := e.listenerLocked()
	e.mu.Unlock()
	l.OnRegState(st)
	return granted
}

func needsAuth(res *sip.Response) bool {
	return res.StatusCode == 401 || res.StatusCode == 407
}

func grantedExpires(res *sip.Response, requested int) int {
	if h := res.GetHeader("Expires"); h != nil {
		if v, err := strconv.Atoi(h.Value()); err == nil && v > 0 {
			return v
		}
	}
	if c := res.Contact(); c != nil {
		if v, ok := c.Params.Get("expires"); ok {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return requested
}

// contactURI адрес, по которому движок принимает запросы, e.mu захвачен
func (e *Engine) contactURI(user string) sip.Uri {
	u := sip.Uri{Scheme: "sip", User: user, Host: e.hostname, Port: e.sipPort}
	if e.sipTransport == "tcp" {
		u.UriParams = sip.NewParams().Add("transport", "tcp")
	}
	return u
}

func newTag() string {
	return uuid.NewString()[:8]
}

type buddy struct {
	id  engine.BuddyID
	acc engine.AccountID
	cfg engine.BuddyConfig
}

// AddBuddy добавляет контакт. Подписка на присутствие не отправляется.
func (e *Engine) AddBuddy(_ context.Context, acc engine.AccountID, cfg engine.BuddyConfig) (engine.BuddyID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return engine.InvalidID, engine.ErrNotInitialized
	}
	if _, ok := e.accounts[acc]; !ok {
		return engine.InvalidID, fmt.Errorf("%w: account %d", engine.ErrNotFound, acc)
	}
	var uri sip.Uri
	if err := sip.ParseUri(cfg.URI, &uri); err != nil {
		return engine.InvalidID, fmt.Errorf("invalid buddy uri %q: %w", cfg.URI, err)
	}
	b := &buddy{id: e.nextBud, acc: acc, cfg: cfg}
	e.nextBud++
	e.buddies[b.id] = b
	return b.id, nil
}

func (e *Engine) RemoveBuddy(_ context.Context, id engine.BuddyID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.buddies[id]; !ok {
		return fmt.Errorf("%w: buddy %d", engine.ErrNotFound, id)
	}
	delete(e.buddies, id)
	return nil
}

// BuddyInfo состояние подписки всегда неизвестно
func (e *Engine) BuddyInfo(_ context.Context, id engine.BuddyID) (engine.BuddyInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buddies[id]
	if !ok {
		return engine.BuddyInfo{}, fmt.Errorf("%w: buddy %d", engine.ErrNotFound, id)
	}
	return engine.BuddyInfo{
		ID:           b.id,
		URI:          b.cfg.URI,
		Subscription: engine.SubscriptionUnknown,
		Status:       engine.PresenceUnknown,
	}, nil
}
