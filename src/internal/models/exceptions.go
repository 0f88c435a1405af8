package models

import "errors"

var (
	ErrRedisConnection = errors.New("redis connection error")
	ErrRedisGet        = errors.New("redis get error")
	ErrRedisSet        = errors.New("redis set error")
	ErrRedisDelete     = errors.New("redis delete error")
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionNotOwned  = errors.New("session does not belong to caller")
	ErrSessionTerminal  = errors.New("session already in terminal state")
	ErrSessionCreating  = errors.New("error creating session")
	ErrSessionUpdating  = errors.New("error updating session")
	ErrAlertNotFound    = errors.New("alert not found")
	ErrInvalidEvent     = errors.New("invalid monitoring event")
	ErrInvalidParams    = errors.New("invalid parameters")
	ErrSessionInvalidated = errors.New("session invalidated")
)

var (
	ErrDatabaseConnection = errors.New("database connection error")
	ErrDatabaseQuery      = errors.New("database query error")
	ErrDatabaseInsert     = errors.New("database insert error")
	ErrDatabaseUpdate     = errors.New("database update error")
	ErrRecordNotFound     = errors.New("record not found")
)
