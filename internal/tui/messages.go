package tui

import "github.com/audiolibrelab/memocapture/internal/service"

// StatusMsg carries a fresh status snapshot from the service.
type StatusMsg struct {
	Status service.Status
}

// pollMsg triggers the next status poll.
type pollMsg struct{}

// ActionResultMsg reports the outcome of a key-driven service call.
type ActionResultMsg struct {
	Action    string
	Err       error
	Recording *service.Recording
}

// ClearNoticeMsg clears the notice line after a timeout.
type ClearNoticeMsg struct {
	Seq int
}
