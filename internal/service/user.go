package service

import (
	"time"

	"github.com/Sunny-Choudhary-08/techy/internal/auth"
	"github.com/Sunny-Choudhary-08/techy/internal/config"
	"github.com/Sunny-Choudhary-08/techy/internal/models"

	"gorm.io/gorm"
)

// UserService 封装用户相关的业务逻辑。
type UserService struct {
	db  *gorm.DB
	cfg config.Config
}

func NewUserService(db *gorm.DB, cfg config.Config) *UserService {
	return &UserService{db: db, cfg: cfg}
}

// RegisterResult 注册成功后返回的数据。
type RegisterResult struct {
	ID       uint   `json:"id"`
	Name     string `json:"name"`
	Username string `json:"username"`
}

// Register 注册新用户。username 和 email 允许重复，这里不做唯一性
// 检查（沿用线上既有数据的约定）。
func (s *UserService) Register(name, username, email, password string) (*RegisterResult, error) {
	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, err
	}
	user := models.User{Name: name, Username: username, Email: email, PasswordHash: hash}
	if err := s.db.Create(&user).Error; err != nil {
		return nil, err
	}
	return &RegisterResult{ID: user.ID, Name: user.Name, Username: user.Username}, nil
}

// LoginResult 登录成功后返回的数据。
type LoginResult struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	User         models.User `json:"-"`
}

// Login 校验用户名密码并签发 token 对。username 不唯一，按注册顺序
// 逐个比对密码，命中第一个匹配的账号。
func (s *UserService) Login(username, password string) (*LoginResult, error) {
	var candidates []models.User
	if err := s.db.Where("username = ?", username).Order("id").Limit(20).Find(&candidates).Error; err != nil {
		return nil, err
	}
	var user *models.User
	for i := range candidates {
		if auth.VerifyPassword(candidates[i].PasswordHash, password) {
			user = &candidates[i]
			break
		}
	}
	if user == nil {
		return nil, ErrInvalidCredentials
	}
	at, err := auth.GenerateAccessToken(user.ID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
	if err != nil {
		return nil, err
	}
	rt, err := auth.GenerateRefreshToken()
	if err != nil {
		return nil, err
	}
	exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
	if err := auth.SaveRefreshToken(s.db, user.ID, rt, exp); err != nil {
		return nil, err
	}
	return &LoginResult{AccessToken: at, RefreshToken: rt, User: *user}, nil
}

// RefreshResult 刷新 token 后返回的新 token 对。
type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// RefreshTokens 验证旧 refresh token 并签发新 token 对（旋转刷新）。
func (s *UserService) RefreshTokens(oldRT string) (*RefreshResult, error) {
	var result RefreshResult
	err := s.db.Transaction(func(tx *gorm.DB) error {
		rec, err := auth.ValidateRefreshToken(tx, oldRT)
		if err != nil {
			return err
		}
		if err := auth.RevokeRefreshToken(tx, oldRT); err != nil {
			return err
		}
		at, err := auth.GenerateAccessToken(rec.UserID, s.cfg.JWTSecret, s.cfg.AccessTokenTTLMinutes)
		if err != nil {
			return err
		}
		newRT, err := auth.GenerateRefreshToken()
		if err != nil {
			return err
		}
		exp := time.Now().Add(time.Duration(s.cfg.RefreshTokenTTLDays) * 24 * time.Hour)
		if err := auth.SaveRefreshToken(tx, rec.UserID, newRT, exp); err != nil {
			return err
		}
		result.AccessToken = at
		result.RefreshToken = newRT
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
