package ws

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/Sunny-Choudhary-08/techy/internal/directory"
	"github.com/Sunny-Choudhary-08/techy/internal/metrics"
	"github.com/Sunny-Choudhary-08/techy/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// fakeStore 是 RoomStore 的内存实现，行为与 directory.Directory 一致。
type fakeStore struct {
	mu      sync.Mutex
	rooms   map[string]*models.Room
	history []models.History
}

func newFakeStore() *fakeStore {
	return &fakeStore{rooms: make(map[string]*models.Room)}
}

func (f *fakeStore) Join(code string, p models.Participant) (*models.Room, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[code]
	created := false
	if !ok {
		room = &models.Room{Code: code, HostID: p.UserID, IsActive: true}
		f.rooms[code] = room
		created = true
	} else if !room.IsActive {
		return nil, false, directory.ErrRoomEnded
	}
	found := false
	for i := range room.Participants {
		if room.Participants[i].UserID == p.UserID {
			room.Participants[i].SocketID = p.SocketID
			found = true
			break
		}
	}
	if !found {
		room.Participants = append(room.Participants, p)
	}
	cp := *room
	cp.Participants = append([]models.Participant(nil), room.Participants...)
	return &cp, created, nil
}

func (f *fakeStore) Leave(code, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[code]
	if !ok {
		return directory.ErrRoomNotFound
	}
	out := room.Participants[:0]
	for _, p := range room.Participants {
		if p.UserID != userID {
			out = append(out, p)
		}
	}
	room.Participants = out
	if len(room.Participants) == 0 {
		room.IsActive = false
	}
	return nil
}

func (f *fakeStore) SetActive(code string, active bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	room, ok := f.rooms[code]
	if !ok {
		return directory.ErrRoomNotFound
	}
	room.IsActive = active
	return nil
}

func (f *fakeStore) AppendHistory(userID, meetingCode, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, models.History{UserID: userID, MeetingCode: meetingCode, Action: action})
	return nil
}

func (f *fakeStore) room(code string) models.Room {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rooms[code] == nil {
		return models.Room{}
	}
	cp := *f.rooms[code]
	cp.Participants = append([]models.Participant(nil), f.rooms[code].Participants...)
	return cp
}

func newTestClient(id string) *Client {
	return &Client{send: make(chan []byte, 256), socketID: "sock-" + id, userID: id, username: "user-" + id}
}

func joinTestClient(h *Hub, code string, c *Client) {
	c.room = h.enqueueJoin(code, joinReq{c: c, user: UserInfo{ID: c.userID, Username: c.username}})
}

// recvEvent 读取客户端收到的下一条事件并解码为通用 map。
func recvEvent(t *testing.T, c *Client) map[string]interface{} {
	t.Helper()
	select {
	case b := <-c.send:
		var m map[string]interface{}
		if err := json.Unmarshal(b, &m); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return m
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case b := <-c.send:
		t.Fatalf("unexpected event: %s", b)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestJoin_CreatesRoomWithJoinerAsHost(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")

	joinTestClient(hub, "ABC123", a)

	evt := recvEvent(t, a)
	if evt["type"] != "existing-participants" {
		t.Fatalf("first event = %v, want existing-participants", evt["type"])
	}
	if evt["hostId"] != "A" {
		t.Errorf("hostId = %v, want A", evt["hostId"])
	}
	if n := len(evt["participants"].([]interface{})); n != 1 {
		t.Errorf("roster size = %d, want 1", n)
	}

	room := store.room("ABC123")
	if !room.IsActive {
		t.Error("room should be active after first join")
	}
	if room.HostID != "A" {
		t.Errorf("HostID = %s, want A", room.HostID)
	}
	if len(store.history) != 1 || store.history[0].Action != "started" {
		t.Errorf("history = %+v, want one 'started' record", store.history)
	}
}

func TestJoin_IdempotentForSameIdentity(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a) // existing-participants
	joinTestClient(hub, "R1", a)
	recvEvent(t, a) // roster again

	room := store.room("R1")
	if len(room.Participants) != 1 {
		t.Errorf("participants = %d, want 1 (no duplicates)", len(room.Participants))
	}
}

func TestJoin_NotifiesExistingMembers(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)

	evtB := recvEvent(t, b)
	if evtB["type"] != "existing-participants" {
		t.Fatalf("B first event = %v, want existing-participants", evtB["type"])
	}
	if n := len(evtB["participants"].([]interface{})); n != 2 {
		t.Errorf("B roster size = %d, want 2", n)
	}

	evtA := recvEvent(t, a)
	if evtA["type"] != "new-participant" || evtA["id"] != "B" {
		t.Errorf("A event = %v, want new-participant for B", evtA)
	}
}

func TestLeave_NotifiesOthersAndDeactivatesWhenEmpty(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, b)
	recvEvent(t, a) // new-participant B

	a.room.leave <- leaveReq{c: a, userID: "A"}

	evtB := recvEvent(t, b)
	if evtB["type"] != "participant-left" || evtB["id"] != "A" {
		t.Errorf("B event = %v, want participant-left for A", evtB)
	}
	room := store.room("R1")
	if len(room.Participants) != 1 || room.Participants[0].UserID != "B" {
		t.Errorf("roster = %+v, want only B", room.Participants)
	}
	if !room.IsActive {
		t.Error("room should stay active while B remains")
	}

	b.room.leave <- leaveReq{c: b, userID: "B"}
	waitFor(t, func() bool { return !store.room("R1").IsActive })

	// 最后一个连接离开后房间组应当被回收。
	waitFor(t, func() bool { return hub.Room("R1") == nil })
}

func TestDisconnect_CleansUpLikeExplicitLeave(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, b)
	recvEvent(t, a)

	// 异常断开走 disconnect 路径，效果与显式 leave 相同。
	a.room.leave <- leaveReq{c: a, userID: "A", disconnect: true}

	evtB := recvEvent(t, b)
	if evtB["type"] != "participant-left" || evtB["id"] != "A" {
		t.Errorf("B event = %v, want participant-left for A", evtB)
	}
	room := store.room("R1")
	if len(room.Participants) != 1 {
		t.Errorf("roster size = %d, want 1 (no zombie participants)", len(room.Participants))
	}
}

func TestRelay_TargetedDeliversToExactlyOnePeer(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")
	c := newTestClient("C")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, b)
	recvEvent(t, a)
	joinTestClient(hub, "R1", c)
	recvEvent(t, c)
	recvEvent(t, a)
	recvEvent(t, b)

	payload := json.RawMessage(`{"sdp":"v=0 dummy offer"}`)
	a.room.relay <- relayReq{from: a, kind: "offer", target: "B", fromInfo: UserInfo{ID: "A", Username: "user-A"}, payload: payload}

	evtB := recvEvent(t, b)
	if evtB["type"] != "offer" {
		t.Fatalf("B event = %v, want offer", evtB["type"])
	}
	if sdp := evtB["payload"].(map[string]interface{})["sdp"]; sdp != "v=0 dummy offer" {
		t.Errorf("forwarded payload sdp = %v, want original payload intact", sdp)
	}
	if evtB["fromInfo"].(map[string]interface{})["id"] != "A" {
		t.Errorf("fromInfo = %v, want sender identity A", evtB["fromInfo"])
	}

	expectNoEvent(t, a)
	expectNoEvent(t, c)
}

func TestRelay_TargetMissingIsSilentlyDropped(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, b)
	recvEvent(t, a)

	a.room.relay <- relayReq{from: a, kind: "ice-candidate", target: "nobody", fromInfo: UserInfo{ID: "A"}, payload: json.RawMessage(`{}`)}

	// 丢弃：没有任何连接收到，也不广播。
	expectNoEvent(t, a)
	expectNoEvent(t, b)
}

func TestRelay_TargetedToEvictedPeerIsDropped(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")
	b.send = make(chan []byte, 1)

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, a) // new-participant B；B 的缓冲已被名单快照占满

	// 下一条广播投不进 B 的缓冲，B 被踢出组。
	a.room.chat <- chatReq{username: "user-A", message: "x"}
	recvEvent(t, a)
	waitFor(t, func() bool { return hub.Online("R1") == 1 })

	// 指向被踢连接的定向转发应当静默丢弃，房间协程不能崩溃。
	a.room.relay <- relayReq{from: a, kind: "offer", target: "B", fromInfo: UserInfo{ID: "A"}, payload: json.RawMessage(`{}`)}
	expectNoEvent(t, a)

	a.room.chat <- chatReq{username: "user-A", message: "still alive"}
	if evt := recvEvent(t, a); evt["message"] != "still alive" {
		t.Errorf("chat after dropped relay = %v, want still alive", evt)
	}
}

func TestRelay_BroadcastSkipsSender(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")
	c := newTestClient("C")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, b)
	recvEvent(t, a)
	joinTestClient(hub, "R1", c)
	recvEvent(t, c)
	recvEvent(t, a)
	recvEvent(t, b)

	a.room.relay <- relayReq{from: a, kind: "answer", fromInfo: UserInfo{ID: "A"}, payload: json.RawMessage(`{"sdp":"x"}`)}

	if evt := recvEvent(t, b); evt["type"] != "answer" {
		t.Errorf("B event = %v, want answer", evt["type"])
	}
	if evt := recvEvent(t, c); evt["type"] != "answer" {
		t.Errorf("C event = %v, want answer", evt["type"])
	}
	expectNoEvent(t, a)
}

func TestChat_FansOutIncludingSender(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, b)
	recvEvent(t, a)

	a.room.chat <- chatReq{username: "user-A", message: "hello"}

	for _, c := range []*Client{a, b} {
		evt := recvEvent(t, c)
		if evt["type"] != "chat-message" || evt["message"] != "hello" || evt["username"] != "user-A" {
			t.Errorf("chat event = %v, want chat-message hello from user-A", evt)
		}
	}
}

func TestEndRoom_BroadcastsOnceAndRejectsRejoin(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, b)
	recvEvent(t, a)

	a.room.end <- struct{}{}

	for _, c := range []*Client{a, b} {
		evt := recvEvent(t, c)
		if evt["type"] != "room-ended" || evt["room"] != "R1" {
			t.Errorf("event = %v, want room-ended for R1", evt)
		}
		expectNoEvent(t, c)
	}
	if store.room("R1").IsActive {
		t.Error("room should be inactive after end-room")
	}

	// 结束后的房间拒绝新的加入。
	c := newTestClient("C")
	joinTestClient(hub, "R1", c)
	evt := recvEvent(t, c)
	if evt["type"] != "error" {
		t.Errorf("join after end = %v, want error event", evt)
	}
}

func TestLeave_UsesIdentityCarriedInRequest(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")
	b := newTestClient("B")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", b)
	recvEvent(t, b)
	recvEvent(t, a)

	// 连接切换房间时，离开请求投递后连接上的身份立刻被覆盖。
	// 清理必须用请求里携带的身份，而不是回读连接字段。
	a.userID = "A2"
	a.room.leave <- leaveReq{c: a, userID: "A"}

	evtB := recvEvent(t, b)
	if evtB["type"] != "participant-left" || evtB["id"] != "A" {
		t.Errorf("B event = %v, want participant-left for A", evtB)
	}
	room := store.room("R1")
	if len(room.Participants) != 1 || room.Participants[0].UserID != "B" {
		t.Errorf("roster = %+v, want only B", room.Participants)
	}
}

func TestRejoinAfterEnd_RemovesMemberFromGroup(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)

	a.room.end <- struct{}{}
	recvEvent(t, a) // room-ended

	// 已结束房间的重复加入被拒，连接要退出成员集合，
	// 不能同时留在 clients 和 detached 两边。
	joinTestClient(hub, "R1", a)
	evt := recvEvent(t, a)
	if evt["type"] != "error" {
		t.Fatalf("rejoin after end = %v, want error event", evt)
	}
	waitFor(t, func() bool { return hub.Online("R1") == 0 })

	a.room.leave <- leaveReq{c: a, userID: "A", disconnect: true}
	waitFor(t, func() bool { return hub.Room("R1") == nil })
}

func TestRejoin_DoesNotInflateConnectionGauge(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")

	before := testutil.ToFloat64(metrics.WsConnections)
	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	joinTestClient(hub, "R1", a)
	recvEvent(t, a)

	if got := testutil.ToFloat64(metrics.WsConnections) - before; got != 1 {
		t.Errorf("gauge delta after re-join = %v, want 1", got)
	}

	a.room.leave <- leaveReq{c: a, userID: "A"}
	waitFor(t, func() bool { return hub.Room("R1") == nil })
	if got := testutil.ToFloat64(metrics.WsConnections) - before; got != 0 {
		t.Errorf("gauge delta after leave = %v, want 0", got)
	}
}

func TestEndRoomViaREST_BroadcastsToGroup(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)
	a := newTestClient("A")

	joinTestClient(hub, "R1", a)
	recvEvent(t, a)

	hub.BroadcastRoomEnded("R1")

	evt := recvEvent(t, a)
	if evt["type"] != "room-ended" {
		t.Errorf("event = %v, want room-ended", evt["type"])
	}
}

func TestOnline_TracksJoinsAndLeaves(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)

	if hub.Online("R1") != 0 {
		t.Errorf("Online() for absent room = %d, want 0", hub.Online("R1"))
	}

	a := newTestClient("A")
	joinTestClient(hub, "R1", a)
	recvEvent(t, a)
	if hub.Online("R1") != 1 {
		t.Errorf("Online() = %d, want 1", hub.Online("R1"))
	}

	a.room.leave <- leaveReq{c: a, userID: "A"}
	waitFor(t, func() bool { return hub.Online("R1") == 0 })
}

func TestConcurrentJoins_NoDuplicateIdentities(t *testing.T) {
	store := newFakeStore()
	hub := NewHub(store)

	var wg sync.WaitGroup
	clients := make([]*Client, 10)
	for i := range clients {
		clients[i] = newTestClient(string(rune('A' + i)))
		wg.Add(1)
		go func(c *Client) {
			defer wg.Done()
			joinTestClient(hub, "R1", c)
		}(clients[i])
	}
	wg.Wait()

	waitFor(t, func() bool { return len(store.room("R1").Participants) == 10 })
	seen := make(map[string]bool)
	for _, p := range store.room("R1").Participants {
		if seen[p.UserID] {
			t.Errorf("duplicate identity %s in roster", p.UserID)
		}
		seen[p.UserID] = true
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
