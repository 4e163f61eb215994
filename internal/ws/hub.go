package ws

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sunny-Choudhary-08/techy/internal/directory"
	"github.com/Sunny-Choudhary-08/techy/internal/metrics"
	"github.com/Sunny-Choudhary-08/techy/internal/models"

	"github.com/rs/zerolog/log"
)

// 会议流水里记录的两种动作。
const (
	actionStarted = "started"
	actionJoined  = "joined"
)

// RoomStore 是房间组事件循环依赖的目录操作子集，便于在测试里注入
// 内存实现。生产实现是 directory.Directory。
type RoomStore interface {
	Join(code string, p models.Participant) (*models.Room, bool, error)
	Leave(code, userID string) error
	SetActive(code string, active bool) error
	AppendHistory(userID, meetingCode, action string) error
}

// Hub 管理房间级别的 RoomGroup，实现延迟创建与并发安全。
// 与目录不同，这里的 channel↔room 映射只存在于进程内存里，
// 进程重启后由客户端重新 join 重建。
type Hub struct {
	mu    sync.Mutex
	rooms map[string]*RoomGroup
	store RoomStore
}

func NewHub(store RoomStore) *Hub {
	return &Hub{rooms: make(map[string]*RoomGroup), store: store}
}

// enqueueJoin 把加入请求投递到 code 对应的房间组，必要时先创建它。
// pending 在持锁期间递增，保证房间组不会在请求送达前自行关闭。
func (h *Hub) enqueueJoin(code string, req joinReq) *RoomGroup {
	h.mu.Lock()
	rg := h.rooms[code]
	if rg == nil {
		rg = newRoomGroup(code, h)
		h.rooms[code] = rg
		go rg.run()
	}
	rg.pending++
	h.mu.Unlock()
	rg.join <- req
	return rg
}

// Room 返回已存在的房间组，没有活动连接时返回 nil。
func (h *Hub) Room(code string) *RoomGroup {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[code]
}

// Online 返回房间当前的在线连接数，供 REST 接口复用。
func (h *Hub) Online(code string) int {
	rg := h.Room(code)
	if rg == nil {
		return 0
	}
	return int(atomic.LoadInt32(&rg.online))
}

// BroadcastRoomEnded 把 room-ended 推送给房间里的所有连接。REST 的
// 结束房间路径经由这里保持与 ws 路径一致的广播行为。
func (h *Hub) BroadcastRoomEnded(code string) {
	rg := h.Room(code)
	if rg == nil {
		return
	}
	b := marshalEvent(roomEndedEvent{Type: "room-ended", Room: code})
	if b == nil {
		return
	}
	// 非阻塞投递：组在并发关闭时缓冲仍可容纳，调用方不会被挂住。
	select {
	case rg.broadcast <- b:
	default:
	}
}

type joinReq struct {
	c    *Client
	user UserInfo
}

// leaveReq 携带离开者当时的身份：dispatch 在投递后可能立刻把连接
// 切到别的身份，清理必须按请求里的快照进行，不能回读连接字段。
type leaveReq struct {
	c          *Client
	userID     string
	disconnect bool
}

type relayReq struct {
	from     *Client
	kind     string
	target   string
	fromInfo UserInfo
	payload  []byte
}

type chatReq struct {
	username string
	message  string
}

// RoomGroup 是一个房间的组播组。所有事件经由单一 goroutine 处理，
// 一个房间内的 join/leave/转发天然串行，房间之间互不阻塞。
type RoomGroup struct {
	code string
	hub  *Hub

	clients map[*Client]bool
	byUser  map[string]*Client
	// detached 记录已不在组里、但最终的 leave 事件还没送达的连接
	// （被踢出的慢连接、join 被拒的连接）。tryClose 必须等它们的
	// leave 全部到达，否则对应的 readPump 会永远阻塞在投递上。
	detached map[*Client]bool

	join      chan joinReq
	leave     chan leaveReq
	relay     chan relayReq
	chat      chan chatReq
	end       chan struct{}
	broadcast chan []byte

	online int32
	// pending 由 hub.mu 保护：enqueueJoin 已计数但尚未被事件循环
	// 取走的加入请求数，tryClose 据此避免关早了。
	pending int
}

func newRoomGroup(code string, hub *Hub) *RoomGroup {
	return &RoomGroup{
		code:      code,
		hub:       hub,
		clients:   make(map[*Client]bool),
		byUser:    make(map[string]*Client),
		detached:  make(map[*Client]bool),
		join:      make(chan joinReq),
		leave:     make(chan leaveReq),
		relay:     make(chan relayReq, 64),
		chat:      make(chan chatReq, 64),
		end:       make(chan struct{}),
		broadcast: make(chan []byte, 256),
	}
}

func (rg *RoomGroup) run() {
	for {
		select {
		case req := <-rg.join:
			rg.handleJoin(req)
		case req := <-rg.leave:
			rg.handleLeave(req)
			if rg.tryClose() {
				return
			}
		case req := <-rg.relay:
			rg.handleRelay(req)
		case req := <-rg.chat:
			rg.handleChat(req)
		case <-rg.end:
			rg.handleEnd()
		case msg := <-rg.broadcast:
			rg.broadcastAll(msg)
		}
	}
}

// tryClose 在最后一个连接离开后把房间组从 Hub 摘除并退出事件循环，
// 避免空房间组常驻内存。
func (rg *RoomGroup) tryClose() bool {
	if len(rg.clients) > 0 || len(rg.detached) > 0 {
		return false
	}
	rg.hub.mu.Lock()
	defer rg.hub.mu.Unlock()
	if rg.pending > 0 {
		return false
	}
	delete(rg.hub.rooms, rg.code)
	return true
}

func (rg *RoomGroup) handleJoin(req joinReq) {
	rg.hub.mu.Lock()
	rg.pending--
	rg.hub.mu.Unlock()

	c := req.c
	room, created, err := rg.hub.store.Join(rg.code, models.Participant{
		RoomCode: rg.code,
		UserID:   req.user.ID,
		Username: req.user.Username,
		SocketID: c.socketID,
		JoinedAt: time.Now(),
	})
	if err != nil {
		// 目录写入失败必须报告给调用方（与信令的静默丢弃不同）。
		msg := "failed to join room"
		if errors.Is(err, directory.ErrRoomEnded) {
			msg = "room has ended"
		} else {
			log.Error().Err(err).Str("room", rg.code).Str("user_id", req.user.ID).Msg("join room")
		}
		rg.send(c, marshalEvent(errorEvent{Type: "error", Message: msg}))
		// 已是成员的连接重复加入被拒后也要退出成员集合，
		// 不能同时留在 clients 和 detached 两边。
		if rg.clients[c] {
			delete(rg.clients, c)
			atomic.StoreInt32(&rg.online, int32(len(rg.clients)))
			metrics.WsConnections.Dec()
		}
		rg.detached[c] = true
		return
	}

	delete(rg.detached, c)
	if !rg.clients[c] {
		rg.clients[c] = true
		metrics.WsConnections.Inc()
	}
	rg.byUser[req.user.ID] = c
	atomic.StoreInt32(&rg.online, int32(len(rg.clients)))

	// 名单快照只回给新加入的连接，其余成员收到增量事件。
	roster := make([]participantDTO, 0, len(room.Participants))
	for _, p := range room.Participants {
		roster = append(roster, participantDTO{ID: p.UserID, Username: p.Username})
	}
	rg.send(c, marshalEvent(existingParticipantsEvent{
		Type:         "existing-participants",
		Room:         rg.code,
		Participants: roster,
		HostID:       room.HostID,
	}))
	rg.broadcastExcept(marshalEvent(newParticipantEvent{
		Type:     "new-participant",
		ID:       req.user.ID,
		Username: req.user.Username,
	}), c)

	action := actionJoined
	if created {
		action = actionStarted
	}
	if err := rg.hub.store.AppendHistory(req.user.ID, rg.code, action); err != nil {
		log.Error().Err(err).Str("room", rg.code).Str("user_id", req.user.ID).Msg("append history")
	}
}

func (rg *RoomGroup) handleLeave(req leaveReq) {
	c := req.c
	delete(rg.detached, c)
	if rg.clients[c] {
		delete(rg.clients, c)
		atomic.StoreInt32(&rg.online, int32(len(rg.clients)))
		metrics.WsConnections.Dec()
		if req.disconnect {
			c.closeSend()
		}
	}
	// byUser 仍指向这个连接才做目录清理：同一身份换新连接重入后，
	// 旧连接的断开不能把新名单记录删掉。
	if rg.byUser[req.userID] != c {
		return
	}
	delete(rg.byUser, req.userID)
	if err := rg.hub.store.Leave(rg.code, req.userID); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
		log.Error().Err(err).Str("room", rg.code).Str("user_id", req.userID).Msg("leave room")
	}
	rg.broadcastExcept(marshalEvent(participantLeftEvent{Type: "participant-left", ID: req.userID}), c)
}

// handleRelay 原样转发信令。带 target 的消息只发给该身份当前的连接，
// 目标不在线则静默丢弃；不带 target 的广播给除发送者外的所有连接。
func (rg *RoomGroup) handleRelay(req relayReq) {
	metrics.SignalMessagesTotal.WithLabelValues(req.kind).Inc()
	out := marshalEvent(signalEvent{
		Type:     req.kind,
		FromInfo: req.fromInfo,
		Target:   req.target,
		Payload:  req.payload,
	})
	if req.target != "" {
		dst := rg.byUser[req.target]
		if dst == nil {
			metrics.SignalDroppedTotal.Inc()
			return
		}
		rg.send(dst, out)
		return
	}
	rg.broadcastExcept(out, req.from)
}

// handleChat 把聊天消息广播给房间里的所有连接，包括发送者自己。
func (rg *RoomGroup) handleChat(req chatReq) {
	metrics.ChatMessagesTotal.Inc()
	rg.broadcastAll(marshalEvent(chatMessageEvent{Type: "chat-message", Username: req.username, Message: req.message}))
}

// handleEnd 广播 room-ended 并把房间置为 inactive。结束是单向的，
// 之后对同一 code 的加入会被目录拒绝。
func (rg *RoomGroup) handleEnd() {
	metrics.RoomsEndedTotal.Inc()
	rg.broadcastAll(marshalEvent(roomEndedEvent{Type: "room-ended", Room: rg.code}))
	if err := rg.hub.store.SetActive(rg.code, false); err != nil && !errors.Is(err, directory.ErrRoomNotFound) {
		log.Error().Err(err).Str("room", rg.code).Msg("end room")
	}
}

// send 尝试投递一条消息，发送缓冲打满的慢连接会被直接踢出组。
// 投递经过 trySend 的关闭检查：指向已被踢连接的定向转发在这里
// 静默落空，而不是往已关闭的 channel 上写。
func (rg *RoomGroup) send(c *Client, msg []byte) {
	if msg == nil {
		return
	}
	if c.trySend(msg) {
		return
	}
	if rg.clients[c] {
		delete(rg.clients, c)
		rg.detached[c] = true
		atomic.StoreInt32(&rg.online, int32(len(rg.clients)))
		metrics.WsConnections.Dec()
		c.closeSend()
	}
}

func (rg *RoomGroup) broadcastAll(msg []byte) {
	if msg == nil {
		return
	}
	for c := range rg.clients {
		rg.send(c, msg)
	}
}

func (rg *RoomGroup) broadcastExcept(msg []byte, except *Client) {
	if msg == nil {
		return
	}
	for c := range rg.clients {
		if c == except {
			continue
		}
		rg.send(c, msg)
	}
}
