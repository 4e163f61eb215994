package models

import "time"

// Room 是一次会议的持久化记录，code 由客户端生成并分享给参会者。
type Room struct {
	Code         string `gorm:"primaryKey;size:64"`
	HostID       string `gorm:"size:64"`
	IsActive     bool   `gorm:"index;not null;default:true"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []Participant `gorm:"foreignKey:RoomCode;references:Code;constraint:OnDelete:CASCADE"`
}

// Participant 的复合主键 (room_code, user_id) 在库层面保证同一身份不会重复入会。
type Participant struct {
	RoomCode string `gorm:"primaryKey;size:64"`
	UserID   string `gorm:"primaryKey;size:64"`
	Username string `gorm:"size:64;not null"`
	SocketID string `gorm:"size:64"`
	JoinedAt time.Time
}

// History 是 append-only 的会议流水，创建后不再修改。
type History struct {
	ID          uint   `gorm:"primaryKey"`
	UserID      string `gorm:"index;size:64;not null"`
	MeetingCode string `gorm:"size:64;not null"`
	Action      string `gorm:"size:16;not null"` // "started" or "joined"
	CreatedAt   time.Time
}

// User 的 username/email 刻意不加唯一约束，允许重名（沿用线上既有数据的约定）。
type User struct {
	ID           uint   `gorm:"primaryKey"`
	Name         string `gorm:"size:128;not null"`
	Username     string `gorm:"index;size:64;not null"`
	Email        string `gorm:"index;size:128"`
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uint      `gorm:"index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
