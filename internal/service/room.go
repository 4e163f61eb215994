package service

import (
	"errors"

	"github.com/Sunny-Choudhary-08/techy/internal/directory"
	"github.com/Sunny-Choudhary-08/techy/internal/ws"
)

// RoomService 是 REST 一侧的房间操作，底层与 ws 网关共用同一个目录，
// 两条路径看到的房间状态保持一致。
type RoomService struct {
	dir *directory.Directory
	hub *ws.Hub
}

func NewRoomService(dir *directory.Directory, hub *ws.Hub) *RoomService {
	return &RoomService{dir: dir, hub: hub}
}

// Create 用指定 code 新建房间，code 已存在时返回 directory.ErrRoomExists。
func (s *RoomService) Create(code, hostID string) error {
	_, err := s.dir.Create(code, hostID)
	return err
}

// StatusDTO 是房间状态查询的输出。
type StatusDTO struct {
	Exists   bool `json:"exists"`
	IsActive bool `json:"isActive"`
	Online   int  `json:"online"`
}

// Status 返回房间是否存在、是否仍在进行以及在线连接数。
func (s *RoomService) Status(code string) (*StatusDTO, error) {
	room, err := s.dir.Get(code)
	if errors.Is(err, directory.ErrRoomNotFound) {
		return &StatusDTO{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &StatusDTO{Exists: true, IsActive: room.IsActive, Online: s.hub.Online(code)}, nil
}

// End 结束房间并向房间里的所有连接广播 room-ended，与 ws 的
// end-room 路径行为一致。
func (s *RoomService) End(code string) error {
	if err := s.dir.SetActive(code, false); err != nil {
		return err
	}
	s.hub.BroadcastRoomEnded(code)
	return nil
}
