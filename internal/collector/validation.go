package collector

import (
	"errors"
	"regexp"
	"strings"
)

// validation errors
var (
	ErrChannelRequired  = errors.New("either channel or channel_id is required")
	ErrInvalidHandle    = errors.New("channel must be a public username of 5-32 letters, digits or underscores")
	ErrInvalidChannelID = errors.New("channel_id must be positive")
	ErrInvalidLimit     = errors.New("max_total_fetch must be non-negative")
	ErrInvalidCursor    = errors.New("resume_cursor must be positive")
	ErrIDsRequired      = errors.New("ids are required")
	ErrInvalidID        = errors.New("message ids must be positive")
)

var handlePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{4,31}$`)

// StartRequest represents a request to start ingesting a channel
type StartRequest struct {
	// Channel - username with or without @, or a t.me link.
	// takes precedence over ChannelID.
	Channel string `json:"channel,omitempty"`

	// ChannelID - numeric id of a channel the account has already seen.
	ChannelID int64 `json:"channel_id,omitempty"`

	// MaxTotalFetch - cap on emitted messages. 0 means no cap.
	MaxTotalFetch int `json:"max_total_fetch,omitempty"`

	// ResolveMedia - overrides the configured default when set.
	ResolveMedia *bool `json:"resolve_media,omitempty"`

	// ResumeCursor - overrides the stored backfill cursor.
	ResumeCursor *int64 `json:"resume_cursor,omitempty"`
}

// Validate normalises the channel and checks the numeric fields.
// It does not check that the channel exists.
func (r *StartRequest) Validate() error {
	r.Channel = normalizeChannel(r.Channel)

	if r.Channel == "" && r.ChannelID == 0 {
		return ErrChannelRequired
	}
	if r.Channel != "" && !handlePattern.MatchString(r.Channel) {
		return ErrInvalidHandle
	}
	if r.ChannelID < 0 {
		return ErrInvalidChannelID
	}
	if r.MaxTotalFetch < 0 {
		return ErrInvalidLimit
	}
	if r.ResumeCursor != nil && *r.ResumeCursor <= 0 {
		return ErrInvalidCursor
	}
	return nil
}

// Options converts the request, using resolveDefault when the request
// leaves media resolution unset.
func (r *StartRequest) Options(resolveDefault bool) StartOptions {
	resolve := resolveDefault
	if r.ResolveMedia != nil {
		resolve = *r.ResolveMedia
	}
	return StartOptions{
		Channel:       r.Channel,
		ChannelID:     r.ChannelID,
		ResumeCursor:  r.ResumeCursor,
		MaxTotalFetch: r.MaxTotalFetch,
		ResolveMedia:  resolve,
	}
}

// normalizeChannel strips an @ prefix or a t.me link down to the username.
func normalizeChannel(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, prefix)
	}
	for _, host := range []string{"t.me/", "telegram.me/", "www.t.me/"} {
		if rest, ok := strings.CutPrefix(s, host); ok {
			s, _, _ = strings.Cut(rest, "/")
			break
		}
	}
	return strings.TrimPrefix(s, "@")
}

// KnownIDsRequest adds message ids stored by another writer.
type KnownIDsRequest struct {
	IDs []int64 `json:"ids"`
}

// Validate checks that ids are present and positive.
func (r *KnownIDsRequest) Validate() error {
	if len(r.IDs) == 0 {
		return ErrIDsRequired
	}
	for _, id := range r.IDs {
		if id <= 0 {
			return ErrInvalidID
		}
	}
	return nil
}
