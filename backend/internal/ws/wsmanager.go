package ws

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"syncServer/backend/internal/auth"
)

type Options struct {
	SendQueueSize   int
	MaxMessageBytes int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteWait       time.Duration
	// 每个连接每个窗口最多接受的 update 数
	MaxUpdatesPerWindow int
	RateWindow          time.Duration
	PresenceTTL         time.Duration
	// 允许的 Origin 前缀；空 Origin 总是放行
	AllowedOrigins []string
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = 1 << 20
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.MaxUpdatesPerWindow <= 0 {
		o.MaxUpdatesPerWindow = 5
	}
	if o.RateWindow <= 0 {
		o.RateWindow = time.Second
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 60 * time.Second
	}
	if o.AllowedOrigins == nil {
		o.AllowedOrigins = []string{
			"http://localhost",
			"http://127.0.0.1",
			"https://localhost",
			"https://127.0.0.1",
		}
	}
	return o
}

type Manager struct {
	h        *Hub
	svc      Services
	verifier *auth.Verifier
	opt      Options
	upgrader websocket.Upgrader
}

func NewManager(h *Hub, svc Services, verifier *auth.Verifier, opt Options) *Manager {
	opt = opt.withDefaults()
	m := &Manager{h: h, svc: svc, verifier: verifier, opt: opt}
	m.upgrader = websocket.Upgrader{
		// 浏览器通过子协议 "bearer, <token>" 传令牌时需要回选 bearer
		Subprotocols: []string{"bearer"},
		CheckOrigin:  m.checkOrigin,
	}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" { // 一些环境可能不发送 Origin，或为 "null"
		return true
	}
	for _, p := range m.opt.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect 令牌无效时按匿名连接处理，公开工作区仍可只读访问
func (m *Manager) WebSocketConnect(c *gin.Context) {
	var identity *auth.Identity
	if tok := auth.TokenFromRequest(c.Request); tok != "" && m.verifier != nil {
		id, err := m.verifier.Verify(tok)
		if err != nil {
			log.Printf("websocket auth error: %v (remote=%s)", err, c.ClientIP())
		} else {
			identity = id
		}
	}

	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn := NewConn(conn, m.h, m.svc, identity, m.opt)

	// 先启动写循环，确保后续写入 send 通道的消息可以被及时发送
	go wsConn.writeLoop()
	wsConn.SendMessage(ServerMessage{Type: PushWelcome, SessionID: wsConn.SessionID(), User: identity})

	// 阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
