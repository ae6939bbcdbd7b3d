package telegram

import (
	"strings"
	"time"

	"github.com/gotd/td/tg"

	"github.com/blockedby/channel-ingest/internal/models"
)

// extractMessages converts a history response to fetched messages
func extractMessages(messagesClass tg.MessagesMessagesClass, channelID int64) []models.FetchedMessage {
	var raw []tg.MessageClass

	switch h := messagesClass.(type) {
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	case *tg.MessagesMessagesSlice:
		raw = h.Messages
	case *tg.MessagesMessages:
		raw = h.Messages
	}

	messages := make([]models.FetchedMessage, 0, len(raw))
	for _, msg := range raw {
		if m := parseMessage(msg, channelID); m != nil {
			messages = append(messages, *m)
		}
	}
	return messages
}

// parseMessage converts a single telegram message. Service messages are dropped.
func parseMessage(msg tg.MessageClass, channelID int64) *models.FetchedMessage {
	m, ok := msg.(*tg.Message)
	if !ok {
		return nil
	}

	return &models.FetchedMessage{
		ID:        int64(m.ID),
		ChannelID: channelID,
		Text:      m.Message,
		Date:      time.Unix(int64(m.Date), 0).UTC(),
		Views:     m.Views,
		Forwards:  m.Forwards,
		Media:     mediaMetadata(m.Media),
	}
}

// mediaMetadata describes downloadable media; nil for anything else.
func mediaMetadata(media tg.MessageMediaClass) *models.MediaMetadata {
	switch md := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := md.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		return photoMetadata(photo)
	case *tg.MessageMediaDocument:
		doc, ok := md.Document.(*tg.Document)
		if !ok {
			return nil
		}
		return documentMetadata(doc)
	}
	return nil
}

func photoMetadata(photo *tg.Photo) *models.MediaMetadata {
	meta := &models.MediaMetadata{Type: models.MediaImage, MimeType: "image/jpeg"}
	for _, size := range photo.Sizes {
		var w, h, bytes int
		switch s := size.(type) {
		case *tg.PhotoSize:
			w, h, bytes = s.W, s.H, s.Size
		case *tg.PhotoSizeProgressive:
			w, h = s.W, s.H
			if n := len(s.Sizes); n > 0 {
				bytes = s.Sizes[n-1]
			}
		default:
			continue
		}
		if w*h > meta.Width*meta.Height {
			meta.Width, meta.Height, meta.Size = w, h, int64(bytes)
		}
	}
	return meta
}

func documentMetadata(doc *tg.Document) *models.MediaMetadata {
	meta := &models.MediaMetadata{
		Type:     models.MediaDocument,
		MimeType: doc.MimeType,
		Size:     int64(doc.Size),
	}

	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeAudio:
			meta.Type = models.MediaAudio
			if a.Voice {
				meta.Type = models.MediaVoice
			}
			meta.Duration = a.Duration
			meta.Title = a.Title
			meta.Performer = a.Performer
		case *tg.DocumentAttributeVideo:
			meta.Type = models.MediaVideo
			meta.Duration = int(a.Duration)
			meta.Width, meta.Height = a.W, a.H
		case *tg.DocumentAttributeImageSize:
			meta.Width, meta.Height = a.W, a.H
		case *tg.DocumentAttributeFilename:
			meta.FileName = a.FileName
		}
	}

	if meta.Type == models.MediaDocument && strings.HasPrefix(doc.MimeType, "image/") {
		meta.Type = models.MediaImage
	}
	return meta
}
