package resolver

import (
	"strings"
	"unicode"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/blockedby/channel-ingest/internal/models"
)

// photoMimeType is what the bot API serves for photo sizes.
const photoMimeType = "image/jpeg"

// Extract converts the media of a bot-API message. It returns nil when the
// message carries nothing downloadable.
func Extract(msg *tgbotapi.Message) *models.ResolvedMedia {
	if msg == nil {
		return nil
	}
	switch {
	case msg.Audio != nil:
		return fromAudio(msg.Audio)
	case msg.Voice != nil:
		return fromVoice(msg.Voice)
	case len(msg.Photo) > 0:
		return fromPhoto(msg.Photo)
	case msg.Video != nil:
		return fromVideo(msg.Video)
	case msg.Document != nil:
		return fromDocument(msg.Document)
	}
	return nil
}

func fromAudio(a *tgbotapi.Audio) *models.ResolvedMedia {
	m := &models.ResolvedMedia{
		FileID:       a.FileID,
		FileUniqueID: a.FileUniqueID,
		Type:         models.MediaAudio,
		MimeType:     a.MimeType,
		Title:        a.Title,
		FileName:     a.FileName,
		Duration:     a.Duration,
		FileSize:     int64(a.FileSize),
	}
	if m.Title == "" {
		m.Title = a.FileName
	}
	if performer := strings.TrimSpace(a.Performer); performer != "" {
		if hasArabic(performer) {
			m.AuthorNativeName = performer
		} else {
			m.AuthorName = performer
		}
	}
	return m
}

func fromVoice(v *tgbotapi.Voice) *models.ResolvedMedia {
	return &models.ResolvedMedia{
		FileID:       v.FileID,
		FileUniqueID: v.FileUniqueID,
		Type:         models.MediaVoice,
		MimeType:     v.MimeType,
		Duration:     v.Duration,
		FileSize:     int64(v.FileSize),
	}
}

// fromPhoto keeps the largest size as the file and the rest as thumbnails.
func fromPhoto(sizes []tgbotapi.PhotoSize) *models.ResolvedMedia {
	best := 0
	for i, s := range sizes {
		if s.Width*s.Height > sizes[best].Width*sizes[best].Height {
			best = i
		}
	}

	var thumbs []models.Thumbnail
	for i, s := range sizes {
		if i == best {
			continue
		}
		thumbs = append(thumbs, thumbnail(s))
	}

	p := sizes[best]
	return &models.ResolvedMedia{
		FileID:       p.FileID,
		FileUniqueID: p.FileUniqueID,
		Type:         models.MediaImage,
		MimeType:     photoMimeType,
		Thumbnails:   thumbs,
		Width:        p.Width,
		Height:       p.Height,
		FileSize:     int64(p.FileSize),
	}
}

func fromVideo(v *tgbotapi.Video) *models.ResolvedMedia {
	m := &models.ResolvedMedia{
		FileID:       v.FileID,
		FileUniqueID: v.FileUniqueID,
		Type:         models.MediaVideo,
		MimeType:     v.MimeType,
		FileName:     v.FileName,
		Duration:     v.Duration,
		Width:        v.Width,
		Height:       v.Height,
		FileSize:     int64(v.FileSize),
	}
	if v.Thumbnail != nil {
		m.Thumbnails = []models.Thumbnail{thumbnail(*v.Thumbnail)}
	}
	return m
}

func fromDocument(d *tgbotapi.Document) *models.ResolvedMedia {
	return &models.ResolvedMedia{
		FileID:       d.FileID,
		FileUniqueID: d.FileUniqueID,
		Type:         models.MediaDocument,
		MimeType:     d.MimeType,
		FileName:     d.FileName,
		FileSize:     int64(d.FileSize),
	}
}

func thumbnail(s tgbotapi.PhotoSize) models.Thumbnail {
	return models.Thumbnail{
		FileID:   s.FileID,
		Width:    s.Width,
		Height:   s.Height,
		FileSize: int64(s.FileSize),
	}
}

func hasArabic(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Arabic, r) {
			return true
		}
	}
	return false
}
