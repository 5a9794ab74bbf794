package handler

import (
	"net/http"
	"time"

	"chatdesk-go/internal/middleware"
	"chatdesk-go/internal/model"
	"chatdesk-go/internal/service"
	"chatdesk-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// StreamHandler 通过 WebSocket 向前端推送会话快照。
// 连接建立时先推送一次当前快照，此后每次状态变更推送一次。
type StreamHandler struct {
	registry service.SessionRegistry
}

// NewStreamHandler 创建一个新的 StreamHandler。
func NewStreamHandler(registry service.SessionRegistry) *StreamHandler {
	return &StreamHandler{registry: registry}
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *StreamHandler) Handle(c *gin.Context) {
	userID := middleware.UserID(c)
	us := h.registry.Open(c.Request.Context(), userID)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()
	log.Infof("WebSocket 连接已建立，用户: %s", userID)

	updates := make(chan model.SessionSnapshot, 1)
	unsubscribe := us.Chat.Subscribe(func(snap model.SessionSnapshot) {
		offerLatest(updates, snap)
	})
	defer unsubscribe()

	done := make(chan struct{})
	go h.readLoop(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	var lastVersion uint64
	initial := us.Chat.Snapshot()
	if err := writeSnapshot(conn, initial); err != nil {
		log.Warnf("推送初始快照失败: %v", err)
		return
	}
	lastVersion = initial.Version

	for {
		select {
		case <-done:
			log.Infof("WebSocket 连接已关闭，用户: %s", userID)
			return
		case <-us.Chat.Done():
			// 会话已结束，通知客户端重新连接以打开新会话
			log.Infof("会话已结束，关闭 WebSocket 连接，用户: %s", userID)
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		case snap := <-updates:
			// 监听器在锁外被调用，并发通知可能乱序到达
			if snap.Version <= lastVersion {
				continue
			}
			if err := writeSnapshot(conn, snap); err != nil {
				log.Warnf("推送快照失败: %v", err)
				return
			}
			lastVersion = snap.Version
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// offerLatest 把快照放入容量为 1 的通道。快照是完整状态，积压时只保留版本最高的一份；
// 监听器在锁外被调用，旧版本可能晚于新版本到达，不能覆盖已缓冲的新版本。
func offerLatest(ch chan model.SessionSnapshot, snap model.SessionSnapshot) {
	for {
		select {
		case ch <- snap:
			return
		default:
		}
		select {
		case buffered := <-ch:
			if buffered.Version > snap.Version {
				snap = buffered
			}
		default:
		}
	}
}

// readLoop 只用于处理控制帧并感知连接关闭，客户端发来的数据帧被忽略。
func (h *StreamHandler) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
	}
}

func writeSnapshot(conn *websocket.Conn, snap model.SessionSnapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(snap)
}
