package engine

import (
	"fmt"
	"strings"
	"time"
)

// Идентификаторы объектов движка. Отрицательное значение означает
// отсутствие объекта.
type (
	CallID      int
	AccountID   int
	BuddyID     int
	TransportID int
	WindowID    int
	// MediaPort слот конференц-моста движка
	MediaPort int
	// VideoDeviceID индекс видеоустройства в нумерации движка
	VideoDeviceID int
)

// InvalidID значение для несуществующего идентификатора
const InvalidID = -1

// CallState состояние звонка в том виде, в каком его сообщает движок
type CallState int

const (
	CallStateNull CallState = iota
	CallStateCalling
	CallStateIncoming
	CallStateEarly
	CallStateConnecting
	CallStateConfirmed
	CallStateDisconnected
)

var callStateNames = map[CallState]string{
	CallStateNull:         "NULL",
	CallStateCalling:      "CALLING",
	CallStateIncoming:     "INCOMING",
	CallStateEarly:        "EARLY",
	CallStateConnecting:   "CONNECTING",
	CallStateConfirmed:    "CONFIRMED",
	CallStateDisconnected: "DISCONNECTED",
}

func (s CallState) String() string {
	if name, ok := callStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

// ParseCallState разбирает имя состояния. Движки пишут его по-разному,
// поэтому сравнение идет по префиксу.
func ParseCallState(s string) (CallState, bool) {
	switch {
	case s == "":
		return CallStateNull, false
	case hasPrefixFold(s, "NULL"):
		return CallStateNull, true
	case hasPrefixFold(s, "CALLING"):
		return CallStateCalling, true
	case hasPrefixFold(s, "INCOMING"):
		return CallStateIncoming, true
	case hasPrefixFold(s, "EARLY"):
		return CallStateEarly, true
	case hasPrefixFold(s, "CONNECTING"):
		return CallStateConnecting, true
	case hasPrefixFold(s, "CONFIRMED"):
		return CallStateConfirmed, true
	case hasPrefixFold(s, "DISCONN"):
		return CallStateDisconnected, true
	}
	return CallStateNull, false
}

func hasPrefixFold(s, prefix string) bool {
	return strings.HasPrefix(strings.ToUpper(s), prefix)
}

// Role роль стороны звонка
type Role int

const (
	RoleUAC Role = iota
	RoleUAS
)

func (r Role) String() string {
	if r == RoleUAS {
		return "UAS"
	}
	return "UAC"
}

// MediaType тип медиа-линии звонка
type MediaType int

const (
	MediaTypeNone MediaType = iota
	MediaTypeAudio
	MediaTypeVideo
)

func (t MediaType) String() string {
	switch t {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	}
	return "none"
}

// MediaStatus статус медиа-линии
type MediaStatus int

const (
	MediaStatusNone MediaStatus = iota
	MediaStatusActive
	MediaStatusLocalHold
	MediaStatusRemoteHold
	MediaStatusError
)

func (s MediaStatus) String() string {
	switch s {
	case MediaStatusActive:
		return "ACTIVE"
	case MediaStatusLocalHold:
		return "LOCAL_HOLD"
	case MediaStatusRemoteHold:
		return "REMOTE_HOLD"
	case MediaStatusError:
		return "ERROR"
	}
	return "NONE"
}

// CallMediaInfo описание одной медиа-линии (слота) звонка
type CallMediaInfo struct {
	Index  int
	Type   MediaType
	Status MediaStatus
	// IncomingWindow окно входящего видео, InvalidID если его нет
	IncomingWindow WindowID
	// CaptureDevice устройство захвата исходящего видео
	CaptureDevice VideoDeviceID
}

// CallInfo снимок состояния звонка
type CallInfo struct {
	ID              CallID
	AccountID       AccountID
	Role            Role
	State           CallState
	StateText       string
	LastStatusCode  int
	LastReason      string
	LocalURI        string
	RemoteURI       string
	Media           []CallMediaInfo
	ConnectDuration time.Duration
}

// StreamInfo параметры потока медиа-линии
type StreamInfo struct {
	Type      MediaType
	CodecName string
	ClockRate int
	// Размер декодированного кадра входящего видео
	DecodedWidth  int
	DecodedHeight int
}

// SubscriptionState состояние подписки на присутствие
type SubscriptionState int

const (
	SubscriptionNull SubscriptionState = iota
	SubscriptionSent
	SubscriptionAccepted
	SubscriptionPending
	SubscriptionActive
	SubscriptionTerminated
	SubscriptionUnknown
)

// PresenceStatus статус присутствия контакта
type PresenceStatus int

const (
	PresenceUnknown PresenceStatus = iota
	PresenceOnline
	PresenceOffline
)

// BuddyInfo снимок состояния контакта
type BuddyInfo struct {
	ID           BuddyID
	URI          string
	Subscription SubscriptionState
	Status       PresenceStatus
	StatusText   string
}

// RegState уведомление о результате регистрации
type RegState struct {
	AccountID AccountID
	Code      int
	Reason    string
	// Expiration срок регистрации в секундах, 0 для снятия регистрации
	Expiration int
}

// IncomingCall уведомление о входящем звонке
type IncomingCall struct {
	AccountID AccountID
	CallID    CallID
	RemoteURI string
}

// TransportType тип SIP транспорта
type TransportType string

const (
	TransportUDP TransportType = "udp"
	TransportTCP TransportType = "tcp"
	TransportTLS TransportType = "tls"
)

// TransportConfig параметры транспорта
type TransportConfig struct {
	Type      TransportType
	Port      int
	BoundAddr string
}

// SRTPUse политика SRTP аккаунта
type SRTPUse int

const (
	SRTPDisabled SRTPUse = iota
	SRTPOptional
	SRTPMandatory
)

// AuthCredential данные digest-аутентификации
type AuthCredential struct {
	Scheme   string
	Realm    string
	Username string
	Password string
}

// AccountConfig конфигурация SIP аккаунта
type AccountConfig struct {
	IDURI         string
	RegistrarURI  string
	ProxyURIs     []string
	Credentials   []AuthCredential
	RegisterOnAdd bool
	// RegTimeout срок регистрации в секундах
	RegTimeout int

	ICEEnabled bool
	SRTP       SRTPUse

	VideoAutoTransmitOutgoing bool
	VideoAutoShowIncoming     bool
	VideoCaptureDevice        VideoDeviceID
}

// BuddyConfig конфигурация контакта
type BuddyConfig struct {
	URI       string
	Subscribe bool
}

// EndpointConfig параметры запуска движка
type EndpointConfig struct {
	UserAgent  string
	LogLevel   int
	MaxCalls   int
	Transports []TransportConfig
}

// WindowHandle непрозрачный дескриптор поверхности отображения,
// предоставленный хостом. Нулевое значение отвязывает окно.
type WindowHandle struct {
	Surface uintptr
}

// IsZero сообщает, что дескриптор пуст
func (h WindowHandle) IsZero() bool { return h.Surface == 0 }

// Orientation ориентация исходящего видео
type Orientation int

const (
	OrientUnknown Orientation = iota
	OrientNatural
	OrientRotate90
	OrientRotate180
	OrientRotate270
)

func (o Orientation) String() string {
	switch o {
	case OrientNatural:
		return "natural"
	case OrientRotate90:
		return "rotate90"
	case OrientRotate180:
		return "rotate180"
	case OrientRotate270:
		return "rotate270"
	}
	return "unknown"
}

// DeviceKind тип устройства в нумерации движка
type DeviceKind int

const (
	DeviceAudio DeviceKind = iota
	DeviceVideo
)

// VideoFormat формат, поддерживаемый видеоустройством
type VideoFormat struct {
	Width  int
	Height int
	FPS    int
	Format string
}

// DeviceInfo устройство, как его перечисляет движок
type DeviceInfo struct {
	ID                int
	Kind              DeviceKind
	Name              string
	Driver            string
	InputCount        int
	OutputCount       int
	DefaultSampleRate int
	Formats           []VideoFormat
}
