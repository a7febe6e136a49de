// Package engine описывает фасад внешнего SIP/медиа движка.
//
// Ядро приложения не реализует ни SIP, ни RTP: оно управляет аккаунтами,
// звонками, контактами и медиа-слотами только через интерфейс Engine и
// получает асинхронные уведомления через Listener. Реализации движка
// лежат в подпакетах sipua и pjsua.
package engine

import "context"

// Listener получает асинхронные уведомления движка.
//
// Методы вызываются из произвольных горутин движка и не должны
// блокироваться. Обычно слушателем является мост событий, который
// перекладывает уведомления в очередь управляющего потока.
type Listener interface {
	OnRegState(st RegState)
	OnIncomingCall(ic IncomingCall)
	OnCallState(info CallInfo)
	OnCallMediaState(info CallInfo)
	OnBuddyState(info BuddyInfo)
}

// AccountControl операции с аккаунтами
type AccountControl interface {
	CreateAccount(ctx context.Context, cfg AccountConfig) (AccountID, error)
	ModifyAccount(ctx context.Context, id AccountID, cfg AccountConfig) error
	RemoveAccount(ctx context.Context, id AccountID) error
}

// BuddyControl операции с контактами
type BuddyControl interface {
	AddBuddy(ctx context.Context, acc AccountID, cfg BuddyConfig) (BuddyID, error)
	RemoveBuddy(ctx context.Context, id BuddyID) error
	BuddyInfo(ctx context.Context, id BuddyID) (BuddyInfo, error)
}

// CallControl операции со звонками
type CallControl interface {
	MakeCall(ctx context.Context, acc AccountID, uri string) (CallID, error)
	// AnswerCall отвечает кодом code: 1xx предварительный ответ, 2xx принятие
	AnswerCall(ctx context.Context, id CallID, code int) error
	HangupCall(ctx context.Context, id CallID, code int) error
	// ReleaseCall освобождает дескриптор звонка. Незавершенный звонок
	// при этом сбрасывается.
	ReleaseCall(ctx context.Context, id CallID) error
	CallInfo(ctx context.Context, id CallID) (CallInfo, error)
	StreamInfo(ctx context.Context, id CallID, mediaIndex int) (StreamInfo, error)
}

// MediaControl операции с медиа-слотами и видеоокнами
type MediaControl interface {
	CaptureDevMedia(ctx context.Context) (MediaPort, error)
	PlaybackDevMedia(ctx context.Context) (MediaPort, error)
	CallAudioMedia(ctx context.Context, id CallID, mediaIndex int) (MediaPort, error)
	StartTransmit(ctx context.Context, src, dst MediaPort) error
	StopTransmit(ctx context.Context, src, dst MediaPort) error
	SetVideoWindow(ctx context.Context, win WindowID, handle WindowHandle) error
	// StartPreview показывает локальный предпросмотр устройства на
	// поверхности хоста, StopPreview убирает его
	StartPreview(ctx context.Context, dev VideoDeviceID, handle WindowHandle) error
	StopPreview(ctx context.Context, dev VideoDeviceID) error
	SetCaptureOrient(ctx context.Context, dev VideoDeviceID, orient Orientation) error
}

// DeviceLister примитивы перечисления устройств движка
type DeviceLister interface {
	AudioDevices(ctx context.Context) ([]DeviceInfo, error)
	VideoDevices(ctx context.Context) ([]DeviceInfo, error)
}

// Engine полный фасад движка
type Engine interface {
	AccountControl
	BuddyControl
	CallControl
	MediaControl
	DeviceLister

	// SetListener регистрирует получателя уведомлений. Вызывается до Init.
	SetListener(l Listener)
	Init(ctx context.Context, cfg EndpointConfig) error
	TransportCreate(ctx context.Context, cfg TransportConfig) (TransportID, error)
	Start(ctx context.Context) error
	HandleIPChange(ctx context.Context) error
	Destroy(ctx context.Context) error
}
