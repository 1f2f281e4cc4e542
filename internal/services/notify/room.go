package notify

import (
	"context"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
)

// RoomCloser is satisfied by *livekit.RoomService.
type RoomCloser interface {
	Owns(room string) bool
	CloseRoom(ctx context.Context, room string) error
}

// ConferenceCloser deletes the bridge room of a finalized call so a leg
// that never hung up does not keep the room alive.
type ConferenceCloser struct {
	rooms   RoomCloser
	timeout time.Duration
}

func NewConferenceCloser(rooms RoomCloser) *ConferenceCloser {
	return &ConferenceCloser{rooms: rooms, timeout: defaultTimeout}
}

func (c *ConferenceCloser) Name() string { return "conference-close" }

func (c *ConferenceCloser) Handle(ev *event.CallEvent) error {
	data, err := endedData(ev)
	if err != nil {
		return err
	}
	if !c.rooms.Owns(data.ConferenceID) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	return c.rooms.CloseRoom(ctx, data.ConferenceID)
}
