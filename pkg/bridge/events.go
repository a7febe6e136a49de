package bridge

import "github.com/arzzra/sessionbridge/pkg/engine"

// Kind вид события сессии
type Kind string

const (
	KindRegistrationChanged   Kind = "registration_changed"
	KindIncomingCall          Kind = "incoming_call"
	KindCallStateChanged      Kind = "call_state_changed"
	KindCallMediaStateChanged Kind = "call_media_state_changed"
	KindBuddyStateChanged     Kind = "buddy_state_changed"
	KindNetworkChanged        Kind = "network_changed"

	// служебные сообщения очереди
	kindPost Kind = "post"
	kindQuit Kind = "quit"
)

// SessionEvent уведомление движка, переданное в управляющий поток.
// Набор реализаций закрыт: события создаются только этим пакетом
// или движком через Listener.
type SessionEvent interface {
	Kind() Kind
	sessionEvent()
}

// RegistrationChanged результат регистрации аккаунта
type RegistrationChanged struct {
	State engine.RegState
}

// IncomingCall новый входящий звонок
type IncomingCall struct {
	Call engine.IncomingCall
}

// CallStateChanged снимок состояния звонка
type CallStateChanged struct {
	Info engine.CallInfo
}

// CallMediaStateChanged снимок медиа-линий звонка
type CallMediaStateChanged struct {
	Info engine.CallInfo
}

// BuddyStateChanged изменение присутствия контакта
type BuddyStateChanged struct {
	Buddy engine.BuddyInfo
}

// NetworkChanged смена сетевого окружения хоста
type NetworkChanged struct{}

func (RegistrationChanged) Kind() Kind   { return KindRegistrationChanged }
func (IncomingCall) Kind() Kind          { return KindIncomingCall }
func (CallStateChanged) Kind() Kind      { return KindCallStateChanged }
func (CallMediaStateChanged) Kind() Kind { return KindCallMediaStateChanged }
func (BuddyStateChanged) Kind() Kind     { return KindBuddyStateChanged }
func (NetworkChanged) Kind() Kind        { return KindNetworkChanged }

func (RegistrationChanged) sessionEvent()   {}
func (IncomingCall) sessionEvent()          {}
func (CallStateChanged) sessionEvent()      {}
func (CallMediaStateChanged) sessionEvent() {}
func (BuddyStateChanged) sessionEvent()     {}
func (NetworkChanged) sessionEvent()        {}

// CallID идентификатор звонка события, false для событий без звонка
func CallID(ev SessionEvent) (engine.CallID, bool) {
	switch e := ev.(type) {
	case IncomingCall:
		return e.Call.CallID, true
	case CallStateChanged:
		return e.Info.ID, true
	case CallMediaStateChanged:
		return e.Info.ID, true
	}
	return engine.InvalidID, false
}
