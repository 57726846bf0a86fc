package port

import (
	"context"
	"errors"
)

// ErrNotFound 下游服务中不存在该资源
var ErrNotFound = errors.New("resource not found")

// UserStatus 用户状态
type UserStatus string

const (
	UserActive UserStatus = "ACTIVE"
	UserBanned UserStatus = "BANNED"
)

type User struct {
	ID     string     `json:"id"`
	Status UserStatus `json:"status"`
}

// UserService 是用户服务的出站端口。
type UserService interface {
	// GetUser 查询用户，不存在时返回 ErrNotFound
	GetUser(ctx context.Context, userID string) (*User, error)
}
