// Package telegram provides the MTProto user client and the bot API adapter
// used to read channels and resolve their media.
package telegram

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/blockedby/channel-ingest/internal/ingest"
	"github.com/blockedby/channel-ingest/internal/logger"
	"github.com/blockedby/channel-ingest/internal/metrics"
	"github.com/blockedby/channel-ingest/internal/models"
	"github.com/blockedby/channel-ingest/internal/resolver"
)

// errors
var (
	ErrNotAuthorized   = errors.New("telegram client not authorized")
	ErrChannelNotFound = errors.New("channel not found")
	ErrUserNotFound    = errors.New("user not found")
)

// Client wraps the MTProto API with rate limiting and implements
// ingest.ChannelSource and resolver.Forwarder.
type Client struct {
	manager  *Manager
	api      func() (RPC, error)
	limiter  *RateLimiter
	breaker  *gobreaker.CircuitBreaker[tg.MessagesMessagesClass]
	resolver MediaResolver
	log      *logger.Logger

	mu       sync.Mutex
	byHandle map[string]Channel
	byID     map[int64]Channel
	users    map[string]*tg.InputPeerUser
}

// NewClient creates a client that reaches the API through the manager.
func NewClient(manager *Manager, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Get()
	}
	c := &Client{
		manager:  manager,
		limiter:  DefaultRateLimiter(),
		log:      log.Component("telegram"),
		byHandle: make(map[string]Channel),
		byID:     make(map[int64]Channel),
		users:    make(map[string]*tg.InputPeerUser),
	}
	c.api = c.managerAPI
	c.breaker = newHistoryBreaker(c.log)
	return c
}

// SetRateLimiter replaces the default limiter. Call before first use.
func (c *Client) SetRateLimiter(l *RateLimiter) {
	c.limiter = l
}

// SetResolver enables media resolution for pages requested with ResolveMedia.
func (c *Client) SetResolver(r MediaResolver) {
	c.resolver = r
}

// GetStatus returns the current status of the telegram client.
func (c *Client) GetStatus() Status {
	return c.manager.GetStatus()
}

// Close stops the client via the manager.
func (c *Client) Close() {
	if c.manager != nil {
		c.manager.Stop()
	}
}

func (c *Client) managerAPI() (RPC, error) {
	if c.manager == nil {
		return nil, ErrNotAuthorized
	}
	proto := c.manager.GetClient()
	if proto == nil {
		return nil, ErrNotAuthorized
	}
	return proto.API(), nil
}

func newHistoryBreaker(log *logger.Logger) *gobreaker.CircuitBreaker[tg.MessagesMessagesClass] {
	return gobreaker.NewCircuitBreaker[tg.MessagesMessagesClass](gobreaker.Settings{
		Name:        "telegram-history",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("telegram: circuit breaker state changed")
			metrics.HistoryBreakerState.Set(float64(to))
		},
	})
}

// ResolveChannel resolves channel username to Channel info
// username can be with or without @ prefix
func (c *Client) ResolveChannel(ctx context.Context, username string) (Channel, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")

	c.mu.Lock()
	ch, ok := c.byHandle[strings.ToLower(username)]
	c.mu.Unlock()
	if ok {
		return ch, nil
	}

	resolved, err := c.resolveUsername(ctx, username)
	if err != nil {
		return Channel{}, err
	}

	for _, chat := range resolved.Chats {
		if raw, ok := chat.(*tg.Channel); ok {
			ch = Channel{ID: raw.ID, AccessHash: raw.AccessHash, Username: username, Title: raw.Title}
			c.remember(ch)
			return ch, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: %s", ErrChannelNotFound, username)
}

// ChannelByID resolves a channel the account has already seen.
func (c *Client) ChannelByID(ctx context.Context, id int64) (Channel, error) {
	c.mu.Lock()
	ch, ok := c.byID[id]
	c.mu.Unlock()
	if ok {
		return ch, nil
	}

	if err := c.wait(ctx); err != nil {
		return Channel{}, err
	}
	api, err := c.api()
	if err != nil {
		return Channel{}, err
	}
	res, err := api.ChannelsGetChannels(ctx, []tg.InputChannelClass{&tg.InputChannel{ChannelID: id}})
	if err != nil {
		c.noteFloodWait(err)
		return Channel{}, fmt.Errorf("get channel %d: %w", id, err)
	}

	for _, chat := range res.GetChats() {
		if raw, ok := chat.(*tg.Channel); ok && raw.ID == id {
			ch = Channel{ID: raw.ID, AccessHash: raw.AccessHash, Username: raw.Username, Title: raw.Title}
			c.remember(ch)
			return ch, nil
		}
	}
	return Channel{}, fmt.Errorf("%w: id %d", ErrChannelNotFound, id)
}

func (c *Client) channel(ctx context.Context, ref ingest.ChannelRef) (Channel, error) {
	if ref.Handle != "" {
		return c.ResolveChannel(ctx, ref.Handle)
	}
	return c.ChannelByID(ctx, ref.ID)
}

func (c *Client) remember(ch Channel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch.Username != "" {
		c.byHandle[strings.ToLower(ch.Username)] = ch
	}
	c.byID[ch.ID] = ch
}

// FetchPage reads one page of channel history in ascending id order.
func (c *Client) FetchPage(ctx context.Context, ref ingest.ChannelRef, req ingest.PageRequest) ([]models.FetchedMessage, error) {
	ch, err := c.channel(ctx, ref)
	if err != nil {
		return nil, err
	}

	history, err := c.history(ctx, historyRequest(ch, req))
	if err != nil {
		return nil, err
	}

	msgs := extractMessages(history, ch.ID)
	if req.After != nil {
		msgs = slices.DeleteFunc(msgs, func(m models.FetchedMessage) bool { return m.ID <= *req.After })
	}
	slices.SortFunc(msgs, func(a, b models.FetchedMessage) int { return cmp.Compare(a.ID, b.ID) })

	if req.ResolveMedia && c.resolver != nil {
		c.resolveMedia(ctx, ch, msgs, req.SkipResolve)
	}
	return msgs, nil
}

// historyRequest builds a getHistory call. Before pages backwards from an id;
// After reads the page directly above an id.
func historyRequest(ch Channel, req ingest.PageRequest) *tg.MessagesGetHistoryRequest {
	limit := req.Limit
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}

	r := &tg.MessagesGetHistoryRequest{
		Peer:  ch.inputPeer(),
		Limit: limit,
	}
	switch {
	case req.Before != nil:
		r.OffsetID = int(*req.Before)
	case req.After != nil:
		r.OffsetID = int(*req.After) + 1
		r.AddOffset = -limit
		r.MinID = int(*req.After)
	}
	return r
}

func (c *Client) history(ctx context.Context, req *tg.MessagesGetHistoryRequest) (tg.MessagesMessagesClass, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.log.Debug().Int("offset_id", req.OffsetID).Int("min_id", req.MinID).Int("limit", req.Limit).Msg("telegram: calling MessagesGetHistory API")
	api, err := c.api()
	if err != nil {
		return nil, err
	}

	history, err := c.breaker.Execute(func() (tg.MessagesMessagesClass, error) {
		return api.MessagesGetHistory(ctx, req)
	})
	if err != nil {
		c.noteFloodWait(err)
		return nil, fmt.Errorf("get history: %w", err)
	}
	return history, nil
}

func (c *Client) resolveMedia(ctx context.Context, ch Channel, msgs []models.FetchedMessage, skip func(int64) bool) {
	for i := range msgs {
		m := &msgs[i]
		if !m.HasMedia() || (skip != nil && skip(m.ID)) {
			continue
		}
		media, err := c.resolver.Resolve(ctx, c, ch.peer(), int(m.ID))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Int64("message_id", m.ID).Msg("telegram: media resolution failed")
			continue
		}
		m.Resolved = media
	}
}

// ForwardMessage forwards a channel message to a user without notification.
func (c *Client) ForwardMessage(ctx context.Context, req resolver.ForwardRequest) error {
	to, err := c.inputUser(ctx, req.ToUsername, req.ToUserID)
	if err != nil {
		return err
	}

	if err := c.wait(ctx); err != nil {
		return err
	}
	api, err := c.api()
	if err != nil {
		return err
	}

	_, err = api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		Silent:   req.Silent,
		FromPeer: &tg.InputPeerChannel{ChannelID: req.From.ID, AccessHash: req.From.AccessHash},
		ID:       []int{req.MessageID},
		RandomID: []int64{rand.Int64()},
		ToPeer:   to,
	})
	if err != nil {
		c.noteFloodWait(err)
		return fmt.Errorf("forward message %d: %w", req.MessageID, err)
	}
	return nil
}

// inputUser resolves a user by username; the result is cached.
func (c *Client) inputUser(ctx context.Context, username string, userID int64) (*tg.InputPeerUser, error) {
	key := strings.ToLower(username)
	c.mu.Lock()
	peer, ok := c.users[key]
	c.mu.Unlock()
	if ok {
		return peer, nil
	}

	resolved, err := c.resolveUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	for _, u := range resolved.Users {
		user, ok := u.(*tg.User)
		if !ok || (userID != 0 && user.ID != userID) {
			continue
		}
		peer = &tg.InputPeerUser{UserID: user.ID, AccessHash: user.AccessHash}
		c.mu.Lock()
		c.users[key] = peer
		c.mu.Unlock()
		return peer, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
}

func (c *Client) resolveUsername(ctx context.Context, username string) (*tg.ContactsResolvedPeer, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	c.log.Info().Str("username", username).Msg("telegram: resolving username")
	api, err := c.api()
	if err != nil {
		return nil, err
	}
	resolved, err := api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		c.noteFloodWait(err)
		return nil, fmt.Errorf("resolve username %s: %w", username, err)
	}
	return resolved, nil
}

func (c *Client) wait(ctx context.Context) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// noteFloodWait pauses the limiter when the server asked us to slow down.
func (c *Client) noteFloodWait(err error) {
	if d, ok := tgerr.AsFloodWait(err); ok {
		c.log.Warn().Dur("wait", d).Msg("telegram: FLOOD_WAIT detected, updating rate limiter")
		c.limiter.Pause(d)
	}
}
