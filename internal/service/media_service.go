package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"duet/internal/domain"
	"duet/internal/models"
	"duet/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RecordStreamer opens live views of remote collections.
type RecordStreamer interface {
	StreamRecords(ctx context.Context, collection string, query models.RecordQuery) (domain.Subscription, error)
}

type PhotoInput struct {
	Caption    string
	UploadedBy string
	TakenAt    time.Time
	Data       []byte
}

type VoiceNoteInput struct {
	Title      string
	Duration   time.Duration
	RecordedBy string
	RecordedAt time.Time
	Data       []byte
}

// MediaService shares photos and voice notes. Bytes are uploaded first and the
// record is created afterwards; offline the bytes are spooled with the queued
// operation.
type MediaService struct {
	queue   Submitter
	records RecordStreamer
	logger  *zerolog.Logger
	now     func() time.Time
}

func NewMediaService(queue Submitter, records RecordStreamer, logger *zerolog.Logger) *MediaService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &MediaService{queue: queue, records: records, logger: logger, now: time.Now}
}

// AddPhoto returns the id assigned to the photo.
func (s *MediaService) AddPhoto(ctx context.Context, in PhotoInput) (string, worker.SubmitResult, error) {
	if len(in.Data) == 0 {
		return "", worker.SubmitResult{}, domain.InvalidLocalData(errors.New("photo has no data"))
	}
	if strings.TrimSpace(in.UploadedBy) == "" {
		return "", worker.SubmitResult{}, domain.InvalidLocalData(errors.New("photo uploader is required"))
	}
	if in.TakenAt.IsZero() {
		in.TakenAt = s.now().UTC()
	}

	payload := models.CreatePhotoPayload{
		PhotoID:    uuid.NewString(),
		Caption:    in.Caption,
		UploadedBy: in.UploadedBy,
		TakenAt:    in.TakenAt,
	}
	res, err := s.queue.Submit(ctx, payload, in.Data)
	if err != nil {
		return "", res, err
	}
	s.logger.Info().Str("photo_id", payload.PhotoID).Int("bytes", len(in.Data)).Bool("queued", res.Queued).Msg("photo added")
	return payload.PhotoID, res, nil
}

func (s *MediaService) DeletePhoto(ctx context.Context, photoID, blobURL string) (worker.SubmitResult, error) {
	if photoID == "" {
		return worker.SubmitResult{}, domain.InvalidLocalData(errors.New("photo id is required"))
	}
	return s.queue.Submit(ctx, models.DeletePhotoPayload{PhotoID: photoID, BlobURL: blobURL}, nil)
}

// AddVoiceNote returns the id assigned to the note.
func (s *MediaService) AddVoiceNote(ctx context.Context, in VoiceNoteInput) (string, worker.SubmitResult, error) {
	if len(in.Data) == 0 {
		return "", worker.SubmitResult{}, domain.InvalidLocalData(errors.New("voice note has no data"))
	}
	if strings.TrimSpace(in.RecordedBy) == "" {
		return "", worker.SubmitResult{}, domain.InvalidLocalData(errors.New("voice note author is required"))
	}
	if in.RecordedAt.IsZero() {
		in.RecordedAt = s.now().UTC()
	}

	payload := models.CreateVoiceNotePayload{
		NoteID:     uuid.NewString(),
		Title:      in.Title,
		Duration:   in.Duration,
		RecordedBy: in.RecordedBy,
		RecordedAt: in.RecordedAt,
	}
	res, err := s.queue.Submit(ctx, payload, in.Data)
	if err != nil {
		return "", res, err
	}
	return payload.NoteID, res, nil
}

func (s *MediaService) DeleteVoiceNote(ctx context.Context, noteID, blobURL string) (worker.SubmitResult, error) {
	if noteID == "" {
		return worker.SubmitResult{}, domain.InvalidLocalData(errors.New("voice note id is required"))
	}
	return s.queue.Submit(ctx, models.DeleteVoiceNotePayload{NoteID: noteID, BlobURL: blobURL}, nil)
}

// WatchPhotos streams the shared photo collection, newest first.
func (s *MediaService) WatchPhotos(ctx context.Context, limit int) (domain.Subscription, error) {
	return s.records.StreamRecords(ctx, models.CollectionPhotos, models.RecordQuery{
		OrderBy:    "taken_at",
		Descending: true,
		Limit:      limit,
	})
}
