package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
	"github.com/ClareAI/astra-call-coordinator/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endedEvent(transcript ...string) *event.CallEvent {
	return event.NewCallEvent(event.CallEnded, "C1").WithData(&event.CallEndedData{
		CallID:          "C1",
		State:           domain.CallStateCompleted,
		Reason:          domain.EndReasonQuorum,
		TelephonyCallID: "T1",
		StartedAt:       time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
		EndedAt:         time.Date(2026, 3, 1, 9, 4, 0, 0, time.UTC),
		DurationSeconds: 240,
		Transcript:      transcript,
	})
}

type recordingUploader struct {
	mu    sync.Mutex
	paths []string
	body  []byte
	err   error
}

func (u *recordingUploader) Upload(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	body, err := io.ReadAll(content)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.paths = append(u.paths, objectPath)
	u.body = body
	return "gs://bucket/" + objectPath, nil
}

type recordingPublisher struct {
	channel string
	message interface{}
	events  []*event.CallEvent
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message interface{}) error {
	p.channel, p.message = channel, message
	return p.err
}

func (p *recordingPublisher) PublishCallEvent(ctx context.Context, ev *event.CallEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

func TestTranscriptArchiver(t *testing.T) {
	up := &recordingUploader{}
	a := NewTranscriptArchiver(up, "transcripts/")

	require.NoError(t, a.Handle(endedEvent("customer: hi", "agent: hello")))
	require.Len(t, up.paths, 1)
	assert.Equal(t, "transcripts/2026/03/01/C1.json", up.paths[0])

	var doc archivedTranscript
	require.NoError(t, json.Unmarshal(up.body, &doc))
	assert.Equal(t, []string{"customer: hi", "agent: hello"}, doc.Lines)
	assert.Equal(t, "quorum", doc.Reason)
	assert.Equal(t, 240, doc.DurationSeconds)

	require.NoError(t, a.Handle(endedEvent()), "empty transcripts are skipped")
	assert.Len(t, up.paths, 1)

	assert.Error(t, a.Handle(event.NewCallEvent(event.CallEnded, "C1")))

	up.err = errors.New("bucket gone")
	assert.Error(t, a.Handle(endedEvent("x")))
}

func TestRedisBroadcaster(t *testing.T) {
	p := &recordingPublisher{}
	b := NewRedisBroadcaster(p, "astra:call:ended")

	require.NoError(t, b.Handle(endedEvent()))
	assert.Equal(t, "astra:call:ended", p.channel)
	data, ok := p.message.(*event.CallEndedData)
	require.True(t, ok)
	assert.Equal(t, "C1", data.CallID)

	p.err = errors.New("redis down")
	assert.Error(t, b.Handle(endedEvent()))
}

type fakeRooms struct {
	prefix string
	closed []string
	err    error
}

func (f *fakeRooms) Owns(room string) bool { return room != "" && strings.HasPrefix(room, f.prefix) }

func (f *fakeRooms) CloseRoom(ctx context.Context, room string) error {
	if f.err != nil {
		return f.err
	}
	f.closed = append(f.closed, room)
	return nil
}

func TestConferenceCloser(t *testing.T) {
	rooms := &fakeRooms{prefix: "astra-"}
	c := NewConferenceCloser(rooms)

	ev := endedEvent()
	ev.Data.(*event.CallEndedData).ConferenceID = "astra-room-1"
	require.NoError(t, c.Handle(ev))
	assert.Equal(t, []string{"astra-room-1"}, rooms.closed)

	// no conference, or one bridged elsewhere
	require.NoError(t, c.Handle(endedEvent()))
	other := endedEvent()
	other.Data.(*event.CallEndedData).ConferenceID = "CF123"
	require.NoError(t, c.Handle(other))
	assert.Len(t, rooms.closed, 1)

	rooms.err = errors.New("unavailable")
	assert.Error(t, c.Handle(ev))
	assert.Error(t, c.Handle(event.NewCallEvent(event.CallEnded, "C2")))
}

func TestRegisterDeliversThroughBus(t *testing.T) {
	bus := event.NewEventBus()
	defer bus.Close()

	pub := &recordingPublisher{}
	var mu sync.Mutex
	wrapped := &lockedForwarder{Forwarder: NewPubSubForwarder(pub), mu: &mu}
	require.NoError(t, Register(bus, wrapped, nil))

	ev := endedEvent()
	require.NoError(t, bus.PublishEvent(context.Background(), ev))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(pub.events) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, ev.ID, pub.events[0].ID)
}

type lockedForwarder struct {
	Forwarder
	mu *sync.Mutex
}

func (l *lockedForwarder) Handle(ev *event.CallEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Forwarder.Handle(ev)
}
