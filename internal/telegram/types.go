package telegram

import (
	"context"

	"github.com/gotd/td/tg"

	"github.com/blockedby/channel-ingest/internal/models"
	"github.com/blockedby/channel-ingest/internal/resolver"
)

// maxPageSize is the largest page messages.getHistory returns.
const maxPageSize = 100

// Channel represents a telegram channel info
type Channel struct {
	ID         int64  // channel id
	AccessHash int64  // access hash for api calls
	Username   string // channel username (without @)
	Title      string // channel title
}

func (c Channel) inputPeer() *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: c.ID, AccessHash: c.AccessHash}
}

func (c Channel) peer() resolver.Peer {
	return resolver.Peer{ID: c.ID, AccessHash: c.AccessHash, Username: c.Username}
}

// RPC is the part of the MTProto API the client calls. *tg.Client implements it.
type RPC interface {
	ContactsResolveUsername(ctx context.Context, request *tg.ContactsResolveUsernameRequest) (*tg.ContactsResolvedPeer, error)
	ChannelsGetChannels(ctx context.Context, id []tg.InputChannelClass) (tg.MessagesChatsClass, error)
	MessagesGetHistory(ctx context.Context, request *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error)
	MessagesForwardMessages(ctx context.Context, request *tg.MessagesForwardMessagesRequest) (tg.UpdatesClass, error)
}

// MediaResolver turns channel media into bot-API file ids.
type MediaResolver interface {
	Resolve(ctx context.Context, fwd resolver.Forwarder, from resolver.Peer, messageID int) (*models.ResolvedMedia, error)
}
