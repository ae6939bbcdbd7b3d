package telegram

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/channel-ingest/internal/models"
)

func TestParseMessage(t *testing.T) {
	date := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	got := parseMessage(&tg.Message{
		ID:       123,
		Message:  "hello world",
		Date:     int(date.Unix()),
		Views:    100,
		Forwards: 5,
	}, 456789)

	require.NotNil(t, got)
	assert.Equal(t, int64(123), got.ID)
	assert.Equal(t, int64(456789), got.ChannelID)
	assert.Equal(t, "hello world", got.Text)
	assert.Equal(t, date, got.Date)
	assert.Equal(t, 100, got.Views)
	assert.Equal(t, 5, got.Forwards)
	assert.False(t, got.HasMedia())
}

func TestMediaMetadata(t *testing.T) {
	tests := []struct {
		name  string
		media tg.MessageMediaClass
		want  *models.MediaMetadata
	}{
		{
			name: "audio",
			media: &tg.MessageMediaDocument{Document: &tg.Document{
				MimeType: "audio/mpeg",
				Size:     4096,
				Attributes: []tg.DocumentAttributeClass{
					&tg.DocumentAttributeAudio{Duration: 95, Title: "Al-Baqara", Performer: "Sudais"},
					&tg.DocumentAttributeFilename{FileName: "002.mp3"},
				},
			}},
			want: &models.MediaMetadata{
				Type: models.MediaAudio, MimeType: "audio/mpeg", Size: 4096, Duration: 95,
				Title: "Al-Baqara", Performer: "Sudais", FileName: "002.mp3",
			},
		},
		{
			name: "voice",
			media: &tg.MessageMediaDocument{Document: &tg.Document{
				MimeType:   "audio/ogg",
				Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeAudio{Voice: true, Duration: 7}},
			}},
			want: &models.MediaMetadata{Type: models.MediaVoice, MimeType: "audio/ogg", Duration: 7},
		},
		{
			name: "video",
			media: &tg.MessageMediaDocument{Document: &tg.Document{
				MimeType:   "video/mp4",
				Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeVideo{Duration: 30, W: 1280, H: 720}},
			}},
			want: &models.MediaMetadata{Type: models.MediaVideo, MimeType: "video/mp4", Duration: 30, Width: 1280, Height: 720},
		},
		{
			name: "image sent as file",
			media: &tg.MessageMediaDocument{Document: &tg.Document{
				MimeType:   "image/png",
				Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeImageSize{W: 64, H: 64}},
			}},
			want: &models.MediaMetadata{Type: models.MediaImage, MimeType: "image/png", Width: 64, Height: 64},
		},
		{
			name: "plain document",
			media: &tg.MessageMediaDocument{Document: &tg.Document{
				MimeType:   "application/pdf",
				Attributes: []tg.DocumentAttributeClass{&tg.DocumentAttributeFilename{FileName: "tafsir.pdf"}},
			}},
			want: &models.MediaMetadata{Type: models.MediaDocument, MimeType: "application/pdf", FileName: "tafsir.pdf"},
		},
		{
			name: "photo picks largest size",
			media: &tg.MessageMediaPhoto{Photo: &tg.Photo{Sizes: []tg.PhotoSizeClass{
				&tg.PhotoSize{Type: "s", W: 90, H: 90, Size: 1000},
				&tg.PhotoSizeProgressive{Type: "y", W: 1280, H: 960, Sizes: []int{5000, 20000, 80000}},
				&tg.PhotoSize{Type: "m", W: 320, H: 240, Size: 9000},
			}}},
			want: &models.MediaMetadata{Type: models.MediaImage, MimeType: "image/jpeg", Width: 1280, Height: 960, Size: 80000},
		},
		{name: "empty photo", media: &tg.MessageMediaPhoto{Photo: &tg.PhotoEmpty{}}, want: nil},
		{name: "web page", media: &tg.MessageMediaWebPage{}, want: nil},
		{name: "no media", media: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mediaMetadata(tt.media))
		})
	}
}

func TestExtractMessages_AllResponseKinds(t *testing.T) {
	msgs := []tg.MessageClass{&tg.Message{ID: 2}, &tg.Message{ID: 1}}

	for _, resp := range []tg.MessagesMessagesClass{
		&tg.MessagesChannelMessages{Messages: msgs},
		&tg.MessagesMessagesSlice{Messages: msgs},
		&tg.MessagesMessages{Messages: msgs},
	} {
		got := extractMessages(resp, 9)
		assert.Len(t, got, 2)
	}

	assert.Empty(t, extractMessages(&tg.MessagesMessagesNotModified{}, 9))
}
