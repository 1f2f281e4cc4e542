package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/ClareAI/astra-call-coordinator/internal/core/event"
	"github.com/ClareAI/astra-call-coordinator/pkg/logger"
	"go.uber.org/zap"
)

// Uploader is satisfied by *gcs.GCSClient.
type Uploader interface {
	Upload(ctx context.Context, objectPath, contentType string, content io.Reader) (string, error)
}

// TranscriptArchiver stores the transcript of every finalized call as a JSON
// object under prefix/yyyy/mm/dd/<call id>.json. Redelivery overwrites the
// same object.
type TranscriptArchiver struct {
	uploader Uploader
	prefix   string
	timeout  time.Duration
	logger   *zap.Logger
}

func NewTranscriptArchiver(uploader Uploader, prefix string) *TranscriptArchiver {
	return &TranscriptArchiver{
		uploader: uploader,
		prefix:   prefix,
		timeout:  defaultTimeout,
		logger:   logger.Component("transcript-archiver"),
	}
}

type archivedTranscript struct {
	CallID             string    `json:"call_id"`
	TelephonyCallID    string    `json:"telephony_call_id,omitempty"`
	AISessionID        string    `json:"ai_session_id,omitempty"`
	State              string    `json:"state"`
	Reason             string    `json:"reason"`
	StartedAt          time.Time `json:"started_at"`
	EndedAt            time.Time `json:"ended_at"`
	DurationSeconds    int       `json:"duration_seconds"`
	TransferredToHuman bool      `json:"transferred_to_human"`
	Lines              []string  `json:"lines"`
}

func (a *TranscriptArchiver) Name() string { return "transcript-archive" }

func (a *TranscriptArchiver) Handle(ev *event.CallEvent) error {
	data, err := endedData(ev)
	if err != nil {
		return err
	}
	if len(data.Transcript) == 0 {
		return nil
	}

	body, err := json.Marshal(archivedTranscript{
		CallID:             data.CallID,
		TelephonyCallID:    data.TelephonyCallID,
		AISessionID:        data.AISessionID,
		State:              string(data.State),
		Reason:             string(data.Reason),
		StartedAt:          data.StartedAt,
		EndedAt:            data.EndedAt,
		DurationSeconds:    data.DurationSeconds,
		TransferredToHuman: data.TransferredToHuman,
		Lines:              data.Transcript,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal transcript: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	uri, err := a.uploader.Upload(ctx, a.objectPath(data), "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to archive transcript for %s: %w", data.CallID, err)
	}
	a.logger.Info("Transcript archived", zap.String("call_id", data.CallID), zap.String("uri", uri), zap.Int("lines", len(data.Transcript)))
	return nil
}

func (a *TranscriptArchiver) objectPath(data *event.CallEndedData) string {
	day := data.StartedAt.UTC().Format("2006/01/02")
	return path.Join(a.prefix, day, data.CallID+".json")
}
