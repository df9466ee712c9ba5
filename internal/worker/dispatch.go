package worker

import (
	"context"
	"errors"
	"fmt"

	"duet/internal/domain"
	"duet/internal/models"
)

const (
	photoContentType = "image/jpeg"
	voiceContentType = "audio/mp4"
)

// dispatch replays a stored operation against the remote store.
func (q *Queue) dispatch(ctx context.Context, op models.PendingOperation) error {
	payload, err := models.DecodePayload(op.Type, op.Payload)
	if err != nil {
		return domain.InvalidLocalData(err)
	}
	return q.apply(ctx, payload, nil)
}

// apply performs the remote calls for payload. blob carries media bytes for
// direct writes; queued writes read them back from the spool.
func (q *Queue) apply(ctx context.Context, payload models.OperationPayload, blob []byte) error {
	ctx, cancel := context.WithTimeout(ctx, q.requestTimeout)
	defer cancel()

	switch p := payload.(type) {
	case models.CreatePhotoPayload:
		if p.PhotoID == "" {
			return domain.InvalidLocalData(errors.New("photo id is empty"))
		}
		return q.uploadAndCreate(ctx, models.CollectionPhotos, p, blob, photoContentType, p.Document)

	case models.CreateVoiceNotePayload:
		if p.NoteID == "" {
			return domain.InvalidLocalData(errors.New("voice note id is empty"))
		}
		return q.uploadAndCreate(ctx, models.CollectionVoiceNotes, p, blob, voiceContentType, p.Document)

	case models.DeletePhotoPayload:
		return q.deleteWithBlob(ctx, models.CollectionPhotos, p.PhotoID, p.BlobURL)

	case models.DeleteVoiceNotePayload:
		return q.deleteWithBlob(ctx, models.CollectionVoiceNotes, p.NoteID, p.BlobURL)

	case models.CreateEventPayload:
		if p.Event.ID == "" {
			return domain.InvalidLocalData(errors.New("event id is empty"))
		}
		_, err := q.remote.CreateRecord(ctx, models.CollectionEvents, p.Event.Document())
		return err

	case models.UpdateEventPayload:
		if p.Event.ID == "" {
			return domain.InvalidLocalData(errors.New("event id is empty"))
		}
		doc := p.Event.Document()
		err := q.remote.UpdateRecord(ctx, models.CollectionEvents, p.Event.ID, doc)
		if errors.Is(err, domain.ErrRecordNotFound) {
			_, err = q.remote.CreateRecord(ctx, models.CollectionEvents, doc)
		}
		return err

	case models.DeleteEventPayload:
		err := q.remote.DeleteRecord(ctx, models.CollectionEvents, p.EventID)
		if errors.Is(err, domain.ErrRecordNotFound) {
			return nil
		}
		return err

	default:
		return domain.InvalidLocalData(fmt.Errorf("no handler for %s", payload.OperationType()))
	}
}

func (q *Queue) uploadAndCreate(
	ctx context.Context,
	collection string,
	payload models.BlobPayload,
	blob []byte,
	contentType string,
	document func(url string) models.Document,
) error {
	data := blob
	if data == nil {
		var err error
		if data, err = q.blobs.Read(payload.LocalBlobPath()); err != nil {
			return err
		}
	}

	url, err := q.remote.UploadBlob(ctx, data, contentType)
	if err != nil {
		return fmt.Errorf("upload %s blob: %w", collection, err)
	}
	if _, err := q.remote.CreateRecord(ctx, collection, document(url)); err != nil {
		if derr := q.remote.DeleteBlob(context.WithoutCancel(ctx), url); derr != nil {
			q.logger.Warn().Err(derr).Str("url", url).Msg("orphaned blob left after failed create")
		}
		return fmt.Errorf("create %s record: %w", collection, err)
	}
	return nil
}

func (q *Queue) deleteWithBlob(ctx context.Context, collection, id, blobURL string) error {
	if id == "" {
		return domain.InvalidLocalData(fmt.Errorf("%s id is empty", collection))
	}
	if err := q.remote.DeleteRecord(ctx, collection, id); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return err
	}
	if blobURL == "" {
		return nil
	}
	if err := q.remote.DeleteBlob(ctx, blobURL); err != nil && !errors.Is(err, domain.ErrRecordNotFound) {
		return err
	}
	return nil
}
