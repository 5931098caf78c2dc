package ws

import "errors"

var (
	ErrTooManyConnections = errors.New("ws: too many connections")
	ErrClientIDExists     = errors.New("ws: client id already exists")
	ErrConnectionClosed   = errors.New("ws: connection closed")
	ErrChannelFull        = errors.New("ws: send channel full")
	ErrInvalidConfig      = errors.New("ws: invalid config")
	ErrNoHandler          = errors.New("ws: handler is required")
)
