package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationType tags the payload variant of a PendingOperation.
type OperationType string

const (
	OpCreatePhoto     OperationType = "photo.create"
	OpDeletePhoto     OperationType = "photo.delete"
	OpCreateEvent     OperationType = "event.create"
	OpUpdateEvent     OperationType = "event.update"
	OpDeleteEvent     OperationType = "event.delete"
	OpCreateVoiceNote OperationType = "voice_note.create"
	OpDeleteVoiceNote OperationType = "voice_note.delete"
)

// Remote collections written by the queue.
const (
	CollectionPhotos     = "photos"
	CollectionEvents     = "events"
	CollectionVoiceNotes = "voice_notes"
)

// PendingOperation is a durably queued mutation that could not be applied immediately.
type PendingOperation struct {
	ID          string          `json:"id"`
	Type        OperationType   `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	RetryCount  int             `json:"retry_count"`
	LastRetryAt *time.Time      `json:"last_retry_at,omitempty"`
}

// OperationPayload is implemented by every payload variant.
type OperationPayload interface {
	OperationType() OperationType
	// EntityKey identifies the remote entity the operation mutates ("collection/id").
	EntityKey() string
}

// BlobPayload is a payload whose media bytes are spooled to a local file.
type BlobPayload interface {
	OperationPayload
	WithBlobPath(path string) OperationPayload
	LocalBlobPath() string
}

type CreatePhotoPayload struct {
	PhotoID    string    `json:"photo_id"`
	Caption    string    `json:"caption,omitempty"`
	UploadedBy string    `json:"uploaded_by"`
	TakenAt    time.Time `json:"taken_at"`
	BlobPath   string    `json:"blob_path"`
}

func (CreatePhotoPayload) OperationType() OperationType { return OpCreatePhoto }
func (p CreatePhotoPayload) EntityKey() string          { return CollectionPhotos + "/" + p.PhotoID }
func (p CreatePhotoPayload) LocalBlobPath() string      { return p.BlobPath }

func (p CreatePhotoPayload) WithBlobPath(path string) OperationPayload {
	p.BlobPath = path
	return p
}

type DeletePhotoPayload struct {
	PhotoID string `json:"photo_id"`
	BlobURL string `json:"blob_url,omitempty"`
}

func (DeletePhotoPayload) OperationType() OperationType { return OpDeletePhoto }
func (p DeletePhotoPayload) EntityKey() string          { return CollectionPhotos + "/" + p.PhotoID }

type CreateEventPayload struct {
	Event CalendarEvent `json:"event"`
}

func (CreateEventPayload) OperationType() OperationType { return OpCreateEvent }
func (p CreateEventPayload) EntityKey() string          { return CollectionEvents + "/" + p.Event.ID }

type UpdateEventPayload struct {
	Event CalendarEvent `json:"event"`
}

func (UpdateEventPayload) OperationType() OperationType { return OpUpdateEvent }
func (p UpdateEventPayload) EntityKey() string          { return CollectionEvents + "/" + p.Event.ID }

type DeleteEventPayload struct {
	EventID string `json:"event_id"`
}

func (DeleteEventPayload) OperationType() OperationType { return OpDeleteEvent }
func (p DeleteEventPayload) EntityKey() string          { return CollectionEvents + "/" + p.EventID }

type CreateVoiceNotePayload struct {
	NoteID     string        `json:"note_id"`
	Title      string        `json:"title"`
	Duration   time.Duration `json:"duration"`
	RecordedBy string        `json:"recorded_by"`
	RecordedAt time.Time     `json:"recorded_at"`
	BlobPath   string        `json:"blob_path"`
}

func (CreateVoiceNotePayload) OperationType() OperationType { return OpCreateVoiceNote }
func (p CreateVoiceNotePayload) EntityKey() string          { return CollectionVoiceNotes + "/" + p.NoteID }
func (p CreateVoiceNotePayload) LocalBlobPath() string      { return p.BlobPath }

func (p CreateVoiceNotePayload) WithBlobPath(path string) OperationPayload {
	p.BlobPath = path
	return p
}

type DeleteVoiceNotePayload struct {
	NoteID  string `json:"note_id"`
	BlobURL string `json:"blob_url,omitempty"`
}

func (DeleteVoiceNotePayload) OperationType() OperationType { return OpDeleteVoiceNote }
func (p DeleteVoiceNotePayload) EntityKey() string          { return CollectionVoiceNotes + "/" + p.NoteID }

// EncodePayload serializes a payload once so it can be replayed after a restart.
func EncodePayload(p OperationPayload) (OperationType, json.RawMessage, error) {
	if p == nil {
		return "", nil, fmt.Errorf("payload is nil")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s payload: %w", p.OperationType(), err)
	}
	return p.OperationType(), raw, nil
}

// DecodePayload restores the typed variant selected by t.
func DecodePayload(t OperationType, raw json.RawMessage) (OperationPayload, error) {
	var (
		p   OperationPayload
		err error
	)
	switch t {
	case OpCreatePhoto:
		var v CreatePhotoPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpDeletePhoto:
		var v DeletePhotoPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpCreateEvent:
		var v CreateEventPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpUpdateEvent:
		var v UpdateEventPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpDeleteEvent:
		var v DeleteEventPayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpCreateVoiceNote:
		var v CreateVoiceNotePayload
		err = json.Unmarshal(raw, &v)
		p = v
	case OpDeleteVoiceNote:
		var v DeleteVoiceNotePayload
		err = json.Unmarshal(raw, &v)
		p = v
	default:
		return nil, fmt.Errorf("unknown operation type %q", t)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// EntityKey returns the entity key of a stored operation, or the operation id
// when the payload cannot be decoded.
func (o PendingOperation) EntityKey() string {
	p, err := DecodePayload(o.Type, o.Payload)
	if err != nil {
		return "op/" + o.ID
	}
	return p.EntityKey()
}

// Document renders the photo record once its bytes are uploaded to url.
func (p CreatePhotoPayload) Document(url string) Document {
	return Document{
		"id":          p.PhotoID,
		"caption":     p.Caption,
		"url":         url,
		"uploaded_by": p.UploadedBy,
		"taken_at":    p.TakenAt.UTC().Format(time.RFC3339),
	}
}

// Document renders the voice note record once its bytes are uploaded to url.
func (p CreateVoiceNotePayload) Document(url string) Document {
	return Document{
		"id":          p.NoteID,
		"title":       p.Title,
		"url":         url,
		"duration_ms": p.Duration.Milliseconds(),
		"recorded_by": p.RecordedBy,
		"recorded_at": p.RecordedAt.UTC().Format(time.RFC3339),
	}
}
