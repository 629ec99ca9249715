package consts

import "errors"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrGroupNotFound      = errors.New("group not found")
	ErrMembershipNotFound = errors.New("membership not found")
	ErrChatNotFound       = errors.New("chat not found")
	ErrChatMessageMissing = errors.New("chat message not found")
	ErrTrystNotFound      = errors.New("tryst not found")
	ErrInternalError      = errors.New("internal error")
	ErrMalformedMessage   = errors.New("malformed message")

	ErrDBNotFound                = errors.New("not found")
	ErrDBUniqueViolation         = errors.New("unique violation")
	ErrDBCommitTransactionFailed = errors.New("commit failed")
	ErrDBBeginTransactionFailed  = errors.New("start transaction failed")
	ErrDBInsertFailed            = errors.New("insert failed")

	ErrS3UploadFailed = errors.New("s3 upload failed")
)
