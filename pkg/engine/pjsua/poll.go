package pjsua

import (
	"context"
	"time"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

func (e *Engine) pollLoop(ctx context.Context) {
	t := time.NewTicker(e.opts.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.poll(ctx)
		}
	}
}

// poll снимает состояние pjsua и рассылает изменения слушателю
func (e *Engine) poll(ctx context.Context) {
	var notes []func(engine.Listener)

	if out, err := e.run(ctx, "call list"); err == nil {
		notes = append(notes, e.diffCalls(parseCalls(out))...)
	} else if ctx.Err() == nil {
		e.log.Warn(ctx, "опрос звонков", logger.Err(err))
	}
	if out, err := e.run(ctx, "acc show"); err == nil {
		notes = append(notes, e.diffAccounts(parseAccounts(out))...)
	}
	if out, err := e.run(ctx, "im buddy list"); err == nil {
		notes = append(notes, e.diffBuddies(parseBuddies(out))...)
	}

	if len(notes) == 0 {
		return
	}
	e.mu.Lock()
	l := e.listenerLocked()
	e.mu.Unlock()
	for _, n := range notes {
		n(l)
	}
}

// diffCalls сравнивает список звонков с известными. Звонок, пропавший
// из списка, считается завершенным.
func (e *Engine) diffCalls(lines []callLine) []func(engine.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var notes []func(engine.Listener)
	seen := make(map[engine.CallID]bool, len(lines))
	for _, cl := range lines {
		seen[cl.ID] = true
		rec, ok := e.calls[cl.ID]
		if !ok || (rec.info.State == engine.CallStateDisconnected && cl.State != engine.CallStateDisconnected) {
			// новый звонок или повторно выданный идентификатор
			rec = &callRecord{info: engine.CallInfo{
				ID:        cl.ID,
				AccountID: e.defaultAccountLocked(),
				Role:      cl.Role,
				RemoteURI: cl.Remote,
				State:     engine.CallStateNull,
			}}
			e.calls[cl.ID] = rec
			if cl.Role == engine.RoleUAS {
				ic := engine.IncomingCall{AccountID: rec.info.AccountID, CallID: cl.ID, RemoteURI: cl.Remote}
				notes = append(notes, func(l engine.Listener) { l.OnIncomingCall(ic) })
			}
		}

		if rec.info.State != cl.State {
			rec.info.State = cl.State
			rec.info.StateText = cl.State.String()
			info := rec.snapshot()
			notes = append(notes, func(l engine.Listener) { l.OnCallState(info) })
		}
		if rec.media != cl.Media {
			rec.media = cl.Media
			info := rec.snapshot()
			notes = append(notes, func(l engine.Listener) { l.OnCallMediaState(info) })
		}
	}

	for id, rec := range e.calls {
		if seen[id] || rec.info.State == engine.CallStateDisconnected {
			continue
		}
		rec.info.State = engine.CallStateDisconnected
		rec.info.StateText = engine.CallStateDisconnected.String()
		rec.media = engine.MediaStatusNone
		info := rec.snapshot()
		notes = append(notes, func(l engine.Listener) { l.OnCallState(info) })
	}
	return notes
}

// defaultAccountLocked аккаунт для входящего звонка: CLI не сообщает,
// на какой аккаунт он пришел
func (e *Engine) defaultAccountLocked() engine.AccountID {
	best := engine.AccountID(engine.InvalidID)
	for id := range e.accounts {
		if best == engine.InvalidID || id < best {
			best = id
		}
	}
	return best
}

func (e *Engine) diffAccounts(lines []accLine) []func(engine.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byPJ := make(map[int]accLine, len(lines))
	for _, l := range lines {
		byPJ[l.ID] = l
	}
	var notes []func(engine.Listener)
	for id, a := range e.accounts {
		line, ok := byPJ[a.pjID]
		if !ok || line.Code == 0 || line.Code == a.lastCode {
			continue
		}
		a.lastCode = line.Code
		st := engine.RegState{AccountID: id, Code: line.Code, Reason: line.Reason, Expiration: line.Expires}
		notes = append(notes, func(l engine.Listener) { l.OnRegState(st) })
	}
	return notes
}

func (e *Engine) diffBuddies(lines []buddyLine) []func(engine.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	byPJ := make(map[int]buddyLine, len(lines))
	for _, l := range lines {
		byPJ[l.ID] = l
	}
	var notes []func(engine.Listener)
	for id, b := range e.buddies {
		line, ok := byPJ[b.pjID]
		if !ok || (b.seen && line.Status == b.last.Status && line.StatusText == b.last.StatusText) {
			continue
		}
		b.last, b.seen = line, true
		info := buddyInfo(id, b)
		notes = append(notes, func(l engine.Listener) { l.OnBuddyState(info) })
	}
	return notes
}
