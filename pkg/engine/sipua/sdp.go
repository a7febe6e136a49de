package sipua

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

// Статические payload type G.711
const (
	PayloadPCMU uint8 = 0
	PayloadPCMA uint8 = 8
)

// Codec аудио кодек медиа-линии
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
}

var (
	CodecPCMU = Codec{PayloadType: PayloadPCMU, Name: "PCMU", ClockRate: 8000}
	CodecPCMA = Codec{PayloadType: PayloadPCMA, Name: "PCMA", ClockRate: 8000}
)

// supportedCodecs в порядке предпочтения
var supportedCodecs = []Codec{CodecPCMU, CodecPCMA}

func codecByPT(pt uint8) (Codec, bool) {
	for _, c := range supportedCodecs {
		if c.PayloadType == pt {
			return c, true
		}
	}
	return Codec{}, false
}

// Роли DTLS в атрибуте a=setup
const (
	setupActPass = "actpass"
	setupActive  = "active"
	setupPassive = "passive"
)

var (
	protoPlain  = []string{"RTP", "AVP"}
	protoSecure = []string{"UDP", "TLS", "RTP", "SAVP"}

	errNoAudio       = errors.New("no audio media description")
	errNoCommonCodec = errors.New("no common audio codec")
)

// localMedia описание локальной стороны для offer/answer
type localMedia struct {
	Host   string
	Port   int
	Codecs []Codec
	// Fingerprint sha-256 отпечаток сертификата DTLS, пусто без DTLS
	Fingerprint string
	Setup       string
}

// RemoteMedia аудио линия удаленной стороны
type RemoteMedia struct {
	Addr        *net.UDPAddr
	Codec       Codec
	Secure      bool
	Fingerprint string
	Setup       string
	// Direction sendrecv, sendonly, recvonly или inactive
	Direction string
}

// buildSessionDescription создает SDP с одной аудио линией
func buildSessionDescription(lm localMedia, sessionName string) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: lm.Host,
		},
		SessionName: sdp.SessionName(sessionName),
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: lm.Host},
		},
		TimeDescriptions: []sdp.TimeDescription{{Timing: sdp.Timing{}}},
	}

	protos := protoPlain
	if lm.Fingerprint != "" {
		protos = protoSecure
	}
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: lm.Port},
			Protos: protos,
		},
	}
	for _, c := range lm.Codecs {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.PayloadType)))
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", c.PayloadType, c.Name, c.ClockRate)))
	}
	md.Attributes = append(md.Attributes,
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute("sendrecv"))
	if lm.Fingerprint != "" {
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("fingerprint", "sha-256 "+lm.Fingerprint),
			sdp.NewAttribute("setup", lm.Setup))
	}

	sd.MediaDescriptions = []*sdp.MediaDescription{md}
	return sd
}

// BuildOffer создает SDP offer со всеми поддерживаемыми кодеками
func BuildOffer(host string, port int, fingerprint string) ([]byte, error) {
	lm := localMedia{Host: host, Port: port, Codecs: supportedCodecs, Fingerprint: fingerprint}
	if fingerprint != "" {
		lm.Setup = setupActPass
	}
	return buildSessionDescription(lm, "sessionbridge").Marshal()
}

// BuildAnswer создает SDP answer с выбранным кодеком. Отвечающая
// сторона DTLS всегда активна.
func BuildAnswer(host string, port int, remote RemoteMedia, fingerprint string) ([]byte, error) {
	lm := localMedia{Host: host, Port: port, Codecs: []Codec{remote.Codec}}
	if remote.Secure {
		if fingerprint == "" {
			return nil, errors.New("secure offer without local certificate")
		}
		lm.Fingerprint = fingerprint
		lm.Setup = setupActive
	}
	return buildSessionDescription(lm, "sessionbridge").Marshal()
}

// ParseRemote разбирает SDP удаленной стороны и выбирает кодек по
// порядку форматов удаленной стороны
func ParseRemote(body []byte) (RemoteMedia, error) {
	var sd sdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return RemoteMedia{}, fmt.Errorf("parse sdp: %w", err)
	}

	var audio *sdp.MediaDescription
	for _, md := range sd.MediaDescriptions {
		if md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			audio = md
			break
		}
	}
	if audio == nil {
		return RemoteMedia{}, errNoAudio
	}

	conn := audio.ConnectionInformation
	if conn == nil {
		conn = sd.ConnectionInformation
	}
	if conn == nil || conn.Address == nil {
		return RemoteMedia{}, errors.New("no connection information")
	}
	ip := net.ParseIP(conn.Address.Address)
	if ip == nil {
		addrs, err := net.LookupIP(conn.Address.Address)
		if err != nil || len(addrs) == 0 {
			return RemoteMedia{}, fmt.Errorf("resolve media address %q: %w", conn.Address.Address, err)
		}
		ip = addrs[0]
	}

	rm := RemoteMedia{
		Addr:      &net.UDPAddr{IP: ip, Port: audio.MediaName.Port.Value},
		Direction: "sendrecv",
	}
	found := false
	for _, f := range audio.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		if c, ok := codecByPT(uint8(pt)); ok {
			rm.Codec = c
			found = true
			break
		}
	}
	if !found {
		return RemoteMedia{}, errNoCommonCodec
	}

	for _, p := range audio.MediaName.Protos {
		if p == "TLS" || p == "SAVP" {
			rm.Secure = true
		}
	}
	if fp, ok := attribute(&sd, audio, "fingerprint"); ok {
		alg, value, _ := strings.Cut(fp, " ")
		if !strings.EqualFold(alg, "sha-256") {
			return RemoteMedia{}, fmt.Errorf("unsupported fingerprint algorithm %q", alg)
		}
		rm.Fingerprint = strings.ToUpper(strings.TrimSpace(value))
		rm.Secure = true
	}
	if setup, ok := attribute(&sd, audio, "setup"); ok {
		rm.Setup = setup
	}
	for _, dir := range []string{"sendonly", "recvonly", "inactive"} {
		if _, ok := audio.Attribute(dir); ok {
			rm.Direction = dir
		}
	}
	if rm.Secure && rm.Fingerprint == "" {
		return RemoteMedia{}, errors.New("secure media without fingerprint")
	}
	return rm, nil
}

// attribute ищет атрибут сначала в медиа-линии, потом в сессии
func attribute(sd *sdp.SessionDescription, md *sdp.MediaDescription, key string) (string, bool) {
	if v, ok := md.Attribute(key); ok {
		return v, true
	}
	return sd.Attribute(key)
}

// Fingerprint sha-256 отпечаток DER сертификата в формате SDP
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}
