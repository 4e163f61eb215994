package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/Sunny-Choudhary-08/techy/internal/auth"
	"github.com/Sunny-Choudhary-08/techy/internal/directory"
	"github.com/Sunny-Choudhary-08/techy/internal/models"
	"github.com/Sunny-Choudhary-08/techy/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// Handler 聚合所有 HTTP handler，依赖注入 service 层。
type Handler struct {
	userSvc *service.UserService
	roomSvc *service.RoomService
	histSvc *service.HistoryService
}

func NewHandler(userSvc *service.UserService, roomSvc *service.RoomService, histSvc *service.HistoryService) *Handler {
	return &Handler{userSvc: userSvc, roomSvc: roomSvc, histSvc: histSvc}
}

// Register 处理用户注册请求。
func (h *Handler) Register(c *gin.Context) {
	var req struct {
		Name     string `json:"name"`
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		req.Name = req.Username
	}
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if len(req.Username) < 2 || len(req.Username) > 64 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid username"})
		return
	}
	if len(req.Password) < 4 || len(req.Password) > 128 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid password"})
		return
	}
	result, err := h.userSvc.Register(req.Name, req.Username, req.Email, req.Password)
	if err != nil {
		log.Error().Err(err).Str("username", req.Username).Msg("register")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create user"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": result.ID, "name": result.Name, "username": result.Username})
}

// Login 处理用户登录请求。
func (h *Handler) Login(c *gin.Context) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		log.Error().Err(err).Str("username", req.Username).Msg("login")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  result.AccessToken,
		"refresh_token": result.RefreshToken,
		"user":          gin.H{"id": result.User.ID, "name": result.User.Name, "username": result.User.Username},
	})
}

// RefreshToken 处理 token 刷新请求。
func (h *Handler) RefreshToken(c *gin.Context) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	result, err := h.userSvc.RefreshTokens(req.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("refresh token")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": result.AccessToken, "refresh_token": result.RefreshToken})
}

// Me 返回当前登录用户。
func (h *Handler) Me(c *gin.Context) {
	v, ok := c.Get("user")
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	user := v.(models.User)
	c.JSON(http.StatusOK, gin.H{"user": gin.H{"id": user.ID, "name": user.Name, "username": user.Username, "email": user.Email}})
}

// CreateRoom 处理创建房间请求。失败统一返回 {ok:false, error}。
func (h *Handler) CreateRoom(c *gin.Context) {
	var req struct {
		Code   string `json:"code"`
		HostID string `json:"hostId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "invalid payload"})
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "code required"})
		return
	}
	if len(req.Code) > 64 {
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "invalid code"})
		return
	}
	if err := h.roomSvc.Create(req.Code, req.HostID); err != nil {
		if errors.Is(err, directory.ErrRoomExists) {
			c.JSON(http.StatusOK, gin.H{"ok": false, "error": "room already exists"})
			return
		}
		log.Error().Err(err).Str("code", req.Code).Msg("create room")
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "failed to create room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "code": req.Code})
}

// RoomStatus 返回房间是否存在以及是否仍在进行。
func (h *Handler) RoomStatus(c *gin.Context) {
	code := c.Param("code")
	status, err := h.roomSvc.Status(code)
	if err != nil {
		log.Error().Err(err).Str("code", code).Msg("room status")
		c.JSON(http.StatusOK, gin.H{"exists": false, "isActive": false})
		return
	}
	c.JSON(http.StatusOK, status)
}

// EndRoom 结束房间，REST 与 ws 两条路径共用同一套广播。
func (h *Handler) EndRoom(c *gin.Context) {
	code := c.Param("code")
	if err := h.roomSvc.End(code); err != nil {
		if errors.Is(err, directory.ErrRoomNotFound) {
			c.JSON(http.StatusOK, gin.H{"ok": false, "error": "not found"})
			return
		}
		log.Error().Err(err).Str("code", code).Msg("end room")
		c.JSON(http.StatusOK, gin.H{"ok": false, "error": "failed to end room"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// History 返回当前登录用户的会议流水。
func (h *Handler) History(c *gin.Context) {
	uid := auth.GetUserID(c)
	if uid == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	recs, err := h.histSvc.ListFor(strconv.FormatUint(uint64(uid), 10), limit)
	if err != nil {
		log.Error().Err(err).Uint("user_id", uid).Msg("list history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": recs})
}

// AddHistory 由前端在进入/创建会议时上报流水。
func (h *Handler) AddHistory(c *gin.Context) {
	uid := auth.GetUserID(c)
	if uid == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	var req struct {
		MeetingCode string `json:"meetingCode"`
		Action      string `json:"action"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.MeetingCode == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if req.Action != "started" && req.Action != "joined" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid action"})
		return
	}
	if err := h.histSvc.Append(strconv.FormatUint(uint64(uid), 10), req.MeetingCode, req.Action); err != nil {
		log.Error().Err(err).Uint("user_id", uid).Msg("append history")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
