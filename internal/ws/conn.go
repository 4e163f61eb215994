package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client 是一条 websocket 连接。连接建立后不属于任何房间，
// 第一条 join-room 消息决定它进入哪个组播组。
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	socketID string

	// closeSend 保护 send 的关闭：关闭只发生在房间组的事件循环里，
	// 而 reply 在 readPump 里直接写 send，两者必须互斥。
	closeMu sync.Mutex
	closed  bool

	// 以下字段只在 readPump goroutine 里读写；房间组的事件循环
	// 只读取请求消息里携带的身份快照，不回读这些字段。
	room     *RoomGroup
	userID   string
	username string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve 把 HTTP 请求升级为 websocket 通道并启动读写泵。
func Serve(h *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := &Client{
			hub:      h,
			conn:     conn,
			send:     make(chan []byte, 256),
			socketID: uuid.NewString(),
		}
		log.Debug().Str("socket_id", client.socketID).Msg("ws connected")

		go client.writePump()
		client.readPump()
	}
}

func (c *Client) readPump() {
	defer func() {
		// 异常断开与显式 leave-room 走同一条清理路径，
		// 不留下名单里的僵尸参与者。
		if c.room != nil {
			c.room.leave <- leaveReq{c: c, userID: c.userID, disconnect: true}
			c.room = nil
		}
		_ = c.conn.Close()
		log.Debug().Str("socket_id", c.socketID).Msg("ws disconnected")
	}()
	c.conn.SetReadLimit(64 << 10)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.reply(errorEvent{Type: "error", Message: "malformed message"})
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env Envelope) {
	switch env.Type {
	case kindJoinRoom:
		if env.Room == "" || env.User == nil || env.User.ID == "" || env.User.Username == "" {
			c.reply(errorEvent{Type: "error", Message: "room and user required"})
			return
		}
		if c.room != nil && c.room.code != env.Room {
			c.room.leave <- leaveReq{c: c, userID: c.userID}
		}
		c.userID = env.User.ID
		c.username = env.User.Username
		c.room = c.hub.enqueueJoin(env.Room, joinReq{c: c, user: *env.User})
	case kindLeaveRoom:
		if c.room == nil {
			return
		}
		c.room.leave <- leaveReq{c: c, userID: c.userID}
		c.room = nil
	case kindOffer, kindAnswer, kindICECandidate:
		if c.room == nil {
			c.reply(errorEvent{Type: "error", Message: "join a room first"})
			return
		}
		from := UserInfo{ID: c.userID, Username: c.username}
		if env.FromInfo != nil {
			from = *env.FromInfo
		}
		c.room.relay <- relayReq{from: c, kind: env.Type, target: env.Target, fromInfo: from, payload: env.Payload}
	case kindChat:
		if c.room == nil {
			c.reply(errorEvent{Type: "error", Message: "join a room first"})
			return
		}
		username := env.Username
		if username == "" {
			username = c.username
		}
		c.room.chat <- chatReq{username: username, message: env.Message}
	case kindEndRoom:
		if c.room == nil {
			return
		}
		c.room.end <- struct{}{}
	default:
		c.reply(errorEvent{Type: "error", Message: "unknown message type"})
	}
}

// reply 直接回给本连接，绕过房间组。只用于协议级错误。
func (c *Client) reply(evt errorEvent) {
	b := marshalEvent(evt)
	if b == nil {
		return
	}
	c.trySend(b)
}

// trySend 非阻塞投递一条消息。send 已关闭或缓冲已满时返回 false，
// 调用方据此决定丢弃还是踢出连接。
func (c *Client) trySend(msg []byte) bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend 关闭发送通道，只能由房间组的事件循环调用一次。
func (c *Client) closeSend() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
