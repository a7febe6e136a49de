package presenter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/arzzra/sessionbridge/pkg/engine"
	"github.com/arzzra/sessionbridge/pkg/logger"
)

// Commands пользовательские команды менеджера звонков. Выполняются
// только в управляющем потоке.
type Commands interface {
	MakeCall(ctx context.Context, uri string) error
	Answer(ctx context.Context, code int) error
	Hangup(ctx context.Context) error
	SwitchDevice(ctx context.Context, deviceID string) error
	OnDisplayRotation(ctx context.Context, degrees int) engine.Orientation
}

// Poster ставит замыкание в очередь управляющего потока
type Poster interface {
	Post(fn func(ctx context.Context)) bool
}

// Типы сообщений веб-клиенту
const (
	MsgIncomingCall = "incoming_call"
	MsgCallState    = "call_state"
	MsgBuddyStatus  = "buddy_status"
	MsgRegistration = "registration"
	MsgVideoSize    = "video_geometry"
	MsgStatus       = "status"
	MsgResult       = "result"
)

// Команды веб-клиента
const (
	CmdCall         = "call"
	CmdAnswer       = "answer"
	CmdHangup       = "hangup"
	CmdSwitchDevice = "switch_device"
	CmdRotate       = "rotate"
)

const (
	clientSendBuffer = 32
	writeTimeout     = 5 * time.Second
)

var (
	errUnknownCommand = errors.New("unknown command")
	errQueueClosed    = errors.New("control loop is not accepting commands")
)

// Message сообщение веб-клиенту
type Message struct {
	Type     string       `json:"type"`
	Text     string       `json:"text,omitempty"`
	Call     *CallSummary `json:"call,omitempty"`
	BuddyID  *int         `json:"buddy_id,omitempty"`
	Width    int          `json:"width,omitempty"`
	Height   int          `json:"height,omitempty"`
	ID       string       `json:"id,omitempty"`
	Error    string       `json:"error,omitempty"`
	Orient   string       `json:"orientation,omitempty"`
	ClientID string       `json:"client_id,omitempty"`
}

// Command команда от веб-клиента
type Command struct {
	// ID возвращается в ответе без изменений
	ID      string `json:"id"`
	Cmd     string `json:"cmd"`
	URI     string `json:"uri,omitempty"`
	Code    int    `json:"code,omitempty"`
	Device  string `json:"device,omitempty"`
	Degrees int    `json:"degrees,omitempty"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// WSPresenter рассылает уведомления подключенным websocket клиентам и
// принимает от них команды
type WSPresenter struct {
	upgrader websocket.Upgrader
	poster   Poster
	commands Commands

	mu      sync.RWMutex
	clients map[string]*wsClient
	closed  bool

	log logger.StructuredLogger
}

var _ Presenter = (*WSPresenter)(nil)

// NewWSPresenter создает презентер. poster и commands могут быть nil,
// тогда команды клиентов отклоняются.
func NewWSPresenter(poster Poster, commands Commands, l logger.StructuredLogger) *WSPresenter {
	return &WSPresenter{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		poster:   poster,
		commands: commands,
		clients:  make(map[string]*wsClient),
		log:      logger.OrDefault(l).WithComponent("ws_presenter"),
	}
}

// SetCommands задает исполнителя команд после создания менеджера
func (p *WSPresenter) SetCommands(c Commands) {
	p.mu.Lock()
	p.commands = c
	p.mu.Unlock()
}

// Clients число подключенных клиентов
func (p *WSPresenter) Clients() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// ServeHTTP обновляет соединение до websocket
func (p *WSPresenter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.log.LogError(r.Context(), err, "websocket upgrade failed")
		return
	}

	c := &wsClient{id: uuid.NewString(), conn: conn, send: make(chan []byte, clientSendBuffer)}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.clients[c.id] = c
	p.mu.Unlock()

	p.log.Debug(r.Context(), "клиент подключен", logger.String("client", c.id))
	go p.writeLoop(c)
	p.sendTo(c, Message{Type: MsgStatus, Text: "connected", ClientID: c.id})
	p.readLoop(c)
}

func (p *WSPresenter) writeLoop(c *wsClient) {
	defer c.conn.Close()
	for data := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			p.log.Debug(context.Background(), "ошибка записи клиенту",
				logger.String("client", c.id), logger.Err(err))
			p.drop(c)
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (p *WSPresenter) readLoop(c *wsClient) {
	defer p.drop(c)
	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug(context.Background(), "чтение от клиента прервано",
					logger.String("client", c.id), logger.Err(err))
			}
			return
		}
		p.dispatch(c, cmd)
	}
}

func (p *WSPresenter) drop(c *wsClient) {
	p.mu.Lock()
	if cur, ok := p.clients[c.id]; ok && cur == c {
		delete(p.clients, c.id)
	}
	p.mu.Unlock()
	c.close()
}

// dispatch переносит команду в управляющий поток. Ответ уходит только
// отправившему клиенту.
func (p *WSPresenter) dispatch(c *wsClient, cmd Command) {
	p.mu.RLock()
	commands := p.commands
	p.mu.RUnlock()

	reply := func(err error, orient string) {
		m := Message{Type: MsgResult, ID: cmd.ID, Orient: orient}
		if err != nil {
			m.Error = err.Error()
		}
		p.sendTo(c, m)
	}
	if p.poster == nil || commands == nil {
		reply(errQueueClosed, "")
		return
	}

	ok := p.poster.Post(func(ctx context.Context) {
		var err error
		orient := ""
		switch cmd.Cmd {
		case CmdCall:
			err = commands.MakeCall(ctx, cmd.URI)
		case CmdAnswer:
			code := cmd.Code
			if code == 0 {
				code = 200
			}
			err = commands.Answer(ctx, code)
		case CmdHangup:
			err = commands.Hangup(ctx)
		case CmdSwitchDevice:
			err = commands.SwitchDevice(ctx, cmd.Device)
		case CmdRotate:
			orient = commands.OnDisplayRotation(ctx, cmd.Degrees).String()
		default:
			err = fmt.Errorf("%w: %q", errUnknownCommand, cmd.Cmd)
		}
		reply(err, orient)
	})
	if !ok {
		reply(errQueueClosed, "")
	}
}

func (p *WSPresenter) sendTo(c *wsClient, m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		p.log.LogError(context.Background(), err, "не удалось закодировать сообщение")
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if _, ok := p.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		// медленный клиент теряет сообщение
	}
}

func (p *WSPresenter) broadcast(m Message) {
	data, err := json.Marshal(m)
	if err != nil {
		p.log.LogError(context.Background(), err, "не удалось закодировать сообщение")
		return
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, c := range p.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Close отключает всех клиентов
func (p *WSPresenter) Close() error {
	p.mu.Lock()
	p.closed = true
	clients := p.clients
	p.clients = make(map[string]*wsClient)
	p.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
	return nil
}

func (p *WSPresenter) OnIncomingCallPresented(c CallSummary) {
	p.broadcast(Message{Type: MsgIncomingCall, Call: &c})
}

func (p *WSPresenter) OnCallStateText(text string) {
	p.broadcast(Message{Type: MsgCallState, Text: text})
}

func (p *WSPresenter) OnBuddyStatusText(id engine.BuddyID, text string) {
	bid := int(id)
	p.broadcast(Message{Type: MsgBuddyStatus, Text: text, BuddyID: &bid})
}

func (p *WSPresenter) OnRegistrationStatusText(text string) {
	p.broadcast(Message{Type: MsgRegistration, Text: text})
}

func (p *WSPresenter) OnVideoFrameGeometry(w, h int) {
	p.broadcast(Message{Type: MsgVideoSize, Width: w, Height: h})
}

func (p *WSPresenter) OnStatusText(text string) {
	p.broadcast(Message{Type: MsgStatus, Text: text})
}
