// Package models defines shared data types for the application.
package models

import (
	"time"
)

// MediaType classifies the media attached to a channel message.
type MediaType string

// MediaType constants define the supported attachment kinds.
const (
	MediaAudio    MediaType = "audio"
	MediaImage    MediaType = "image"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
	MediaVoice    MediaType = "voice"
)

// MediaMetadata describes an attachment as seen by the channel transport.
type MediaMetadata struct {
	Type      MediaType `json:"type"`
	MimeType  string    `json:"mime_type,omitempty"`
	Duration  int       `json:"duration,omitempty"` // seconds
	Width     int       `json:"width,omitempty"`
	Height    int       `json:"height,omitempty"`
	FileName  string    `json:"file_name,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Title     string    `json:"title,omitempty"`
	Performer string    `json:"performer,omitempty"`
}

// Thumbnail is a downscaled rendition of a resolved media file.
type Thumbnail struct {
	FileID   string `json:"file_id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileSize int64  `json:"file_size,omitempty"`
}

// ResolvedMedia is a media attachment with a file id usable against the bot API.
// At most one of AuthorName and AuthorNativeName is set.
type ResolvedMedia struct {
	FileID           string      `json:"file_id"`
	FileUniqueID     string      `json:"file_unique_id,omitempty"`
	Type             MediaType   `json:"type"`
	MimeType         string      `json:"mime_type,omitempty"`
	Thumbnails       []Thumbnail `json:"thumbnails,omitempty"`
	AuthorName       string      `json:"author_name,omitempty"`
	AuthorNativeName string      `json:"author_native_name,omitempty"`
	Title            string      `json:"title,omitempty"`
	FileName         string      `json:"file_name,omitempty"`
	Duration         int         `json:"duration,omitempty"`
	Width            int         `json:"width,omitempty"`
	Height           int         `json:"height,omitempty"`
	FileSize         int64       `json:"file_size,omitempty"`
}

// FetchedMessage is a single channel message as returned by a channel source.
type FetchedMessage struct {
	ID        int64          `json:"id"` // monotonic within a channel
	ChannelID int64          `json:"channel_id"`
	Text      string         `json:"text,omitempty"`
	Date      time.Time      `json:"date"`
	Views     int            `json:"views,omitempty"`
	Forwards  int            `json:"forwards,omitempty"`
	Media     *MediaMetadata `json:"media,omitempty"`
	Resolved  *ResolvedMedia `json:"resolved,omitempty"`
}

// HasMedia reports whether the message carries an attachment.
func (m *FetchedMessage) HasMedia() bool {
	return m.Media != nil
}

// IngestCursor is the persisted backfill position of a channel.
type IngestCursor struct {
	ChannelID     int64     `json:"channel_id" db:"channel_id"`
	ChannelHandle string    `json:"channel_handle" db:"channel_handle"`
	Cursor        *int64    `json:"cursor,omitempty" db:"backfill_cursor"` // oldest absorbed message id
	AllFetched    bool      `json:"all_fetched" db:"all_fetched"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}
