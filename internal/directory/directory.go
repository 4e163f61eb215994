package directory

import (
	"errors"
	"sync"
	"time"

	"github.com/Sunny-Choudhary-08/techy/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// 目录层通用错误，调用方可据此区分业务分支。
var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomEnded    = errors.New("room has ended")
)

// Directory 封装房间目录的读改写操作。同一个 code 上的操作全部经过
// 同一把锁串行化，两个并发 join 不会互相覆盖对方刚写入的名单。
type Directory struct {
	db    *gorm.DB
	mu    sync.Mutex
	locks map[string]*codeLock
}

// codeLock 是带引用计数的房间锁：refs 统计持有者加等待者，
// 归零时从注册表摘除，锁表不会随历史房间数无限增长。
type codeLock struct {
	mu   sync.Mutex
	refs int
}

func NewDirectory(db *gorm.DB) *Directory {
	return &Directory{db: db, locks: make(map[string]*codeLock)}
}

// lock 返回 code 对应的互斥锁的解锁函数。锁按房间划分，慢的房间
// 不会拖住其它房间的目录操作。
func (d *Directory) lock(code string) func() {
	d.mu.Lock()
	l := d.locks[code]
	if l == nil {
		l = &codeLock{}
		d.locks[code] = l
	}
	l.refs++
	d.mu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		d.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, code)
		}
		d.mu.Unlock()
	}
}

// Create 新建房间，code 已存在时返回 ErrRoomExists。
func (d *Directory) Create(code, hostID string) (*models.Room, error) {
	defer d.lock(code)()
	var count int64
	if err := d.db.Model(&models.Room{}).Where("code = ?", code).Count(&count).Error; err != nil {
		return nil, err
	}
	if count > 0 {
		return nil, ErrRoomExists
	}
	room := models.Room{Code: code, HostID: hostID, IsActive: true}
	if err := d.db.Create(&room).Error; err != nil {
		return nil, err
	}
	return &room, nil
}

// Get 返回房间及其当前名单，不存在时返回 ErrRoomNotFound。
func (d *Directory) Get(code string) (*models.Room, error) {
	var room models.Room
	err := d.db.Preload("Participants", func(db *gorm.DB) *gorm.DB {
		return db.Order("joined_at")
	}).First(&room, "code = ?", code).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

// Join 把参与者并入房间名单，房间不存在时隐式创建（created=true，
// 加入者成为 host）。同一身份重复加入不会产生重复记录，只会用最新的
// socket_id 覆盖旧的，使定向转发跟随最新的连接。已结束的房间拒绝
// 加入并返回 ErrRoomEnded。
func (d *Directory) Join(code string, p models.Participant) (*models.Room, bool, error) {
	defer d.lock(code)()

	var room models.Room
	created := false
	err := d.db.First(&room, "code = ?", code).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		room = models.Room{Code: code, HostID: p.UserID, IsActive: true}
		if err := d.db.Create(&room).Error; err != nil {
			return nil, false, err
		}
		created = true
	case err != nil:
		return nil, false, err
	case !room.IsActive:
		return nil, false, ErrRoomEnded
	}

	p.RoomCode = code
	if p.JoinedAt.IsZero() {
		p.JoinedAt = time.Now()
	}
	if err := d.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_code"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"socket_id"}),
	}).Create(&p).Error; err != nil {
		return nil, false, err
	}

	if err := d.db.Order("joined_at").Find(&room.Participants, "room_code = ?", code).Error; err != nil {
		return nil, false, err
	}
	return &room, created, nil
}

// Leave 把指定身份移出名单。名单清空后房间转为 inactive，之后同一
// code 不再接受加入。
func (d *Directory) Leave(code, userID string) error {
	defer d.lock(code)()

	var room models.Room
	if err := d.db.First(&room, "code = ?", code).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrRoomNotFound
		}
		return err
	}
	if err := d.db.Delete(&models.Participant{}, "room_code = ? AND user_id = ?", code, userID).Error; err != nil {
		return err
	}
	var remaining int64
	if err := d.db.Model(&models.Participant{}).Where("room_code = ?", code).Count(&remaining).Error; err != nil {
		return err
	}
	if remaining == 0 && room.IsActive {
		if err := d.db.Model(&room).Update("is_active", false).Error; err != nil {
			return err
		}
	}
	return nil
}

// SetActive 显式切换房间的活跃状态，用于 host 结束会议。
func (d *Directory) SetActive(code string, active bool) error {
	defer d.lock(code)()
	res := d.db.Model(&models.Room{}).Where("code = ?", code).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRoomNotFound
	}
	return nil
}

// AppendHistory 追加一条会议流水记录。
func (d *Directory) AppendHistory(userID, meetingCode, action string) error {
	rec := models.History{UserID: userID, MeetingCode: meetingCode, Action: action}
	return d.db.Create(&rec).Error
}

// HistoryFor 按时间倒序返回某个用户的会议流水。
func (d *Directory) HistoryFor(userID string, limit int) ([]models.History, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	var out []models.History
	if err := d.db.Where("user_id = ?", userID).Order("id desc").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}
