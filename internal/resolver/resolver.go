// Package resolver obtains bot-API file identifiers for channel media by
// forwarding a message to the bot account and observing it in the bot's
// update stream.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/blockedby/channel-ingest/internal/logger"
	"github.com/blockedby/channel-ingest/internal/metrics"
	"github.com/blockedby/channel-ingest/internal/models"
)

// ErrTimeout is returned when the forwarded message was not observed in time.
var ErrTimeout = errors.New("resolver: forwarded message not observed")

// UpdatesAPI is the bot side of a resolution session.
type UpdatesAPI interface {
	GetMe(ctx context.Context) (tgbotapi.User, error)
	GetUpdates(ctx context.Context, cfg tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	DeleteMessage(ctx context.Context, chatID int64, messageID int) error
	GetWebhookInfo(ctx context.Context) (tgbotapi.WebhookInfo, error)
	SetWebhook(ctx context.Context, url string) error
	DeleteWebhook(ctx context.Context) error
}

// Peer identifies the channel the message is forwarded from.
type Peer struct {
	ID         int64
	AccessHash int64
	Username   string
}

// ForwardRequest describes a forward from a channel to the bot account.
type ForwardRequest struct {
	From       Peer
	MessageID  int
	ToUserID   int64
	ToUsername string
	Silent     bool
}

// Forwarder is the user-account side of a resolution session.
type Forwarder interface {
	ForwardMessage(ctx context.Context, req ForwardRequest) error
}

// Options tunes a resolution session.
type Options struct {
	// Timeout bounds the wait for the forwarded message.
	Timeout time.Duration
	// PollInterval is the pause between empty update polls.
	PollInterval time.Duration
	// Slack tolerates clock skew when matching the message date.
	Slack time.Duration
}

func (o Options) withDefaults() Options {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Slack <= 0 {
		o.Slack = 2 * time.Second
	}
	return o
}

// Resolver runs forward-and-observe sessions one at a time.
// A process must share a single Resolver per bot token: the update
// offset and the webhook are global to the bot.
type Resolver struct {
	api  UpdatesAPI
	opts Options
	log  *logger.Logger

	sem chan struct{}

	selfMu sync.Mutex
	self   *tgbotapi.User

	now func() time.Time
}

// New creates a Resolver.
func New(api UpdatesAPI, opts Options, log *logger.Logger) *Resolver {
	if log == nil {
		log = logger.Nop()
	}
	return &Resolver{
		api:  api,
		opts: opts.withDefaults(),
		log:  log.Component("resolver"),
		sem:  make(chan struct{}, 1),
		now:  time.Now,
	}
}

// Resolve forwards messageID from the channel to the bot and returns the
// identifiers the bot sees for its media. Calls are serialized.
func (r *Resolver) Resolve(ctx context.Context, fwd Forwarder, from Peer, messageID int) (*models.ResolvedMedia, error) {
	select {
	case r.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-r.sem }()

	started := time.Now()
	media, err := r.session(ctx, fwd, from, messageID)

	outcome := metrics.OutcomeResolved
	switch {
	case errors.Is(err, ErrTimeout):
		outcome = metrics.OutcomeTimeout
	case err != nil:
		outcome = metrics.OutcomeFailed
	}
	metrics.ObserveResolve(outcome, time.Since(started))

	if err != nil {
		r.log.Debug().Err(err).Int("message_id", messageID).Msg("media resolution failed")
		return nil, err
	}
	return media, nil
}

func (r *Resolver) session(ctx context.Context, fwd Forwarder, from Peer, messageID int) (*models.ResolvedMedia, error) {
	restore, err := r.suspendWebhook(ctx)
	if err != nil {
		return nil, err
	}
	defer restore()

	self, err := r.identity(ctx)
	if err != nil {
		return nil, err
	}

	offset, err := r.currentOffset(ctx)
	if err != nil {
		return nil, err
	}

	issuedAt := r.now()
	err = fwd.ForwardMessage(ctx, ForwardRequest{
		From:       from,
		MessageID:  messageID,
		ToUserID:   self.ID,
		ToUsername: self.UserName,
		Silent:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("forward message %d: %w", messageID, err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	notBefore := issuedAt.Add(-r.opts.Slack)
	for {
		updates, err := r.api.GetUpdates(pollCtx, tgbotapi.UpdateConfig{Offset: offset, Limit: 100})
		if err != nil && pollCtx.Err() == nil {
			r.log.Warn().Err(err).Msg("get updates failed")
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			msg := u.Message
			if msg == nil || time.Unix(int64(msg.Date), 0).Before(notBefore) {
				continue
			}
			media := Extract(msg)
			if media == nil {
				continue
			}
			r.discard(ctx, msg)
			return media, nil
		}

		if !sleepCtx(pollCtx, r.opts.PollInterval) {
			break
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: message %d within %s", ErrTimeout, messageID, r.opts.Timeout)
}

// suspendWebhook removes a configured webhook so updates can be polled.
// The returned func puts it back and must always be called.
func (r *Resolver) suspendWebhook(ctx context.Context) (func(), error) {
	info, err := r.api.GetWebhookInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("get webhook info: %w", err)
	}
	if info.URL == "" {
		return func() {}, nil
	}
	if err := r.api.DeleteWebhook(ctx); err != nil {
		return nil, fmt.Errorf("delete webhook: %w", err)
	}

	url := info.URL
	return func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := r.api.SetWebhook(rctx, url); err != nil {
			r.log.Error().Err(err).Str("url", url).Msg("failed to restore webhook")
		}
	}, nil
}

func (r *Resolver) identity(ctx context.Context) (tgbotapi.User, error) {
	r.selfMu.Lock()
	defer r.selfMu.Unlock()
	if r.self != nil {
		return *r.self, nil
	}
	me, err := r.api.GetMe(ctx)
	if err != nil {
		return tgbotapi.User{}, fmt.Errorf("get bot identity: %w", err)
	}
	r.self = &me
	return me, nil
}

// currentOffset returns the offset that skips every update already queued.
func (r *Resolver) currentOffset(ctx context.Context) (int, error) {
	updates, err := r.api.GetUpdates(ctx, tgbotapi.UpdateConfig{Offset: -1, Limit: 1})
	if err != nil {
		return 0, fmt.Errorf("snapshot update offset: %w", err)
	}
	if len(updates) == 0 {
		return 0, nil
	}
	return updates[len(updates)-1].UpdateID + 1, nil
}

func (r *Resolver) discard(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if err := r.api.DeleteMessage(ctx, msg.Chat.ID, msg.MessageID); err != nil {
		r.log.Warn().Err(err).Int("message_id", msg.MessageID).Msg("failed to delete forwarded copy")
	}
}

// sleepCtx waits for d or until ctx is done. Cancellation wins over an
// expired timer.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return ctx.Err() == nil
	}
}
