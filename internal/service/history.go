package service

import (
	"time"

	"github.com/Sunny-Choudhary-08/techy/internal/directory"
)

// HistoryService 封装会议流水的查询与追加。
type HistoryService struct {
	dir *directory.Directory
}

func NewHistoryService(dir *directory.Directory) *HistoryService {
	return &HistoryService{dir: dir}
}

// HistoryDTO 是对外输出的会议流水数据。
type HistoryDTO struct {
	MeetingCode string    `json:"meetingCode"`
	Action      string    `json:"action"`
	Timestamp   time.Time `json:"timestamp"`
}

// Append 追加一条流水记录，action 只接受 started/joined。
func (s *HistoryService) Append(userID, meetingCode, action string) error {
	return s.dir.AppendHistory(userID, meetingCode, action)
}

// ListFor 按时间倒序返回某个用户的会议流水。
func (s *HistoryService) ListFor(userID string, limit int) ([]HistoryDTO, error) {
	recs, err := s.dir.HistoryFor(userID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryDTO, 0, len(recs))
	for _, r := range recs {
		out = append(out, HistoryDTO{MeetingCode: r.MeetingCode, Action: r.Action, Timestamp: r.CreatedAt})
	}
	return out, nil
}
