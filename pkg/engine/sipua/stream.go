package sipua

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"
	"github.com/pion/rtp"

	"github.com/arzzra/sessionbridge/pkg/logger"
)

const (
	rtpVersion        = 2
	maxRTPPacketSize  = 1500
	receiveTimeout    = 100 * time.Millisecond
	handshakeTimeout  = 10 * time.Second
	jitterQueueFrames = 8
)

// dtlsParams параметры защищенного медиа
type dtlsParams struct {
	Certificate tls.Certificate
	// Client инициирует рукопожатие (a=setup:active)
	Client bool
	// PeerFingerprint ожидаемый отпечаток сертификата удаленной стороны
	PeerFingerprint string
}

type streamConfig struct {
	Local  *net.UDPAddr
	Remote *net.UDPAddr
	Codec  Codec
	// DTLS nil для открытого RTP
	DTLS *dtlsParams
}

// audioStream аудио поток звонка: G.711 в RTP поверх UDP или DTLS
type audioStream struct {
	conn  net.Conn
	codec Codec
	ssrc  uint32

	mu      sync.Mutex
	seq     uint16
	ts      uint32
	started bool

	in chan []int16

	sent     atomic.Uint64
	received atomic.Uint64
	failures atomic.Uint64

	cancel context.CancelFunc
	done   chan struct{}
	log    logger.StructuredLogger
}

// openStream открывает сокет к удаленной стороне и, если нужно,
// выполняет рукопожатие DTLS. Блокируется на время рукопожатия.
func openStream(ctx context.Context, cfg streamConfig, log logger.StructuredLogger) (*audioStream, error) {
	d := net.Dialer{LocalAddr: cfg.Local, Control: voiceSocketControl}
	conn, err := d.DialContext(ctx, "udp", cfg.Remote.String())
	if err != nil {
		return nil, fmt.Errorf("dial rtp %s: %w", cfg.Remote, err)
	}

	if cfg.DTLS != nil {
		hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		secured, err := handshake(hsCtx, conn, *cfg.DTLS)
		cancel()
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		conn = secured
	}

	sctx, cancel := context.WithCancel(context.Background())
	s := &audioStream{
		conn:   conn,
		codec:  cfg.Codec,
		ssrc:   rand.Uint32(),
		seq:    uint16(rand.Uint32()),
		ts:     rand.Uint32(),
		in:     make(chan []int16, jitterQueueFrames),
		cancel: cancel,
		done:   make(chan struct{}),
		log:    log,
	}
	go s.recvLoop(sctx)
	return s, nil
}

func handshake(ctx context.Context, conn net.Conn, p dtlsParams) (*dtls.Conn, error) {
	cfg := &dtls.Config{
		Certificates:         []tls.Certificate{p.Certificate},
		InsecureSkipVerify:   true,
		ClientAuth:           dtls.RequireAnyClientCert,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		VerifyPeerCertificate: func(raw [][]byte, _ [][]*x509.Certificate) error {
			return verifyFingerprint(raw, p.PeerFingerprint)
		},
	}
	var (
		dc  *dtls.Conn
		err error
	)
	if p.Client {
		dc, err = dtls.ClientWithContext(ctx, conn, cfg)
	} else {
		dc, err = dtls.ServerWithContext(ctx, conn, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("dtls handshake: %w", err)
	}
	return dc, nil
}

func verifyFingerprint(raw [][]byte, want string) error {
	if want == "" {
		return nil
	}
	if len(raw) == 0 {
		return errors.New("peer presented no certificate")
	}
	if got := Fingerprint(raw[0]); !strings.EqualFold(got, want) {
		return fmt.Errorf("peer certificate fingerprint mismatch: %s", got)
	}
	return nil
}

// WriteFrame кодирует и отправляет кадр. Ошибки отправки считаются, но
// не возвращаются: потеря пакета не прерывает звонок.
func (s *audioStream) WriteFrame(pcm []int16) {
	s.mu.Lock()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        rtpVersion,
			Marker:         !s.started,
			PayloadType:    s.codec.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.ts,
			SSRC:           s.ssrc,
		},
		Payload: encodeFrame(s.codec, pcm),
	}
	s.started = true
	s.seq++
	s.ts += uint32(len(pcm))
	s.mu.Unlock()

	data, err := pkt.Marshal()
	if err == nil {
		_, err = s.conn.Write(data)
	}
	if err != nil {
		s.failures.Add(1)
		return
	}
	s.sent.Add(1)
}

// ReadFrame возвращает следующий принятый кадр или nil
func (s *audioStream) ReadFrame() []int16 {
	select {
	case f := <-s.in:
		return f
	default:
		return nil
	}
}

func (s *audioStream) recvLoop(ctx context.Context) {
	defer close(s.done)
	buf := make([]byte, maxRTPPacketSize)
	for ctx.Err() == nil {
		_ = s.conn.SetReadDeadline(time.Now().Add(receiveTimeout))
		n, err := s.conn.Read(buf)
		if err != nil {
			var ne net.Error
			switch {
			case ctx.Err() != nil, errors.Is(err, net.ErrClosed):
				return
			case errors.As(err, &ne) && ne.Timeout():
			default:
				// ICMP port unreachable до старта удаленной стороны
				s.failures.Add(1)
				select {
				case <-ctx.Done():
					return
				case <-time.After(receiveTimeout):
				}
			}
			continue
		}

		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			s.failures.Add(1)
			continue
		}
		if pkt.Version != rtpVersion || pkt.PayloadType != s.codec.PayloadType {
			continue
		}
		s.received.Add(1)
		s.push(decodeFrame(s.codec, pkt.Payload))
	}
}

// push кладет кадр в очередь, вытесняя самый старый при переполнении
func (s *audioStream) push(f []int16) {
	for {
		select {
		case s.in <- f:
			return
		default:
		}
		select {
		case <-s.in:
		default:
		}
	}
}

// Stats счетчики пакетов
func (s *audioStream) Stats() (sent, received uint64) {
	return s.sent.Load(), s.received.Load()
}

// Close закрывает поток и дожидается горутины приема
func (s *audioStream) Close() error {
	s.cancel()
	err := s.conn.Close()
	<-s.done
	return err
}
