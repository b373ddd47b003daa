package app

import "errors"

var (
	// ErrEmptyMessage is returned when a send carries neither text nor an image.
	ErrEmptyMessage    = errors.New("message must contain text or an image")
	ErrSessionClosed   = errors.New("session closed")
	ErrSessionBusy     = errors.New("session busy")
	ErrSessionNotFound = errors.New("session not found")
	ErrNoQuote         = errors.New("no bookable quote in thread")
	ErrMessageNotFound = errors.New("message not found")
	ErrExpertRequired  = errors.New("expert name required")
)
