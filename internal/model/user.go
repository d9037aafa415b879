package model

import "time"

// User 所有者，以聊天机器人的用户 ID 识别
type User struct {
	ID          string
	ChannelID   string
	DisplayName string
	Email       string
	IsActive    bool
	CreatedAt   time.Time
}
