package schedule

import (
	"github.com/hibiken/asynq"

	"safereply/internal/model"
)

// 周期任务类型
const (
	TypePollMail    = "poll:mail"
	TypePollChat    = "poll:chat"
	TypeVerifyGmail = "verify:gmail"
)

// PollTaskType 来源对应的轮询任务
func PollTaskType(source model.SourceType) string {
	switch source {
	case model.SourceMail:
		return TypePollMail
	case model.SourceChat:
		return TypePollChat
	case model.SourceForwarded:
		return ""
	}
	return ""
}

func NewPollTask(source model.SourceType) *asynq.Task {
	return asynq.NewTask(PollTaskType(source), nil)
}

func NewVerifyGmailTask() *asynq.Task {
	return asynq.NewTask(TypeVerifyGmail, nil)
}
