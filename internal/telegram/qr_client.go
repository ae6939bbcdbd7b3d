package telegram

import (
	"context"
	"fmt"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"github.com/blockedby/channel-ingest/internal/config"
)

// QRClientBundle is a raw td/telegram client with in-memory session storage,
// used only for the QR login flow.
type QRClientBundle struct {
	Client     *telegram.Client
	Dispatcher tg.UpdateDispatcher
	Storage    *session.StorageMemory
}

// NewQRClient creates a client that never prompts for interactive auth.
func NewQRClient(cfg *config.Config) (*QRClientBundle, error) {
	b := &QRClientBundle{
		Storage: &session.StorageMemory{},
		// qrlogin registers its handler on the dispatcher, so it must be initialized
		Dispatcher: tg.NewUpdateDispatcher(),
	}
	b.Client = telegram.NewClient(cfg.TGApiID, cfg.TGApiHash, telegram.Options{
		SessionStorage: b.Storage,
		UpdateHandler:  &b.Dispatcher,
	})
	return b, nil
}

// Session returns the session captured after a successful login.
func (b *QRClientBundle) Session(ctx context.Context) (*session.Data, error) {
	loader := session.Loader{Storage: b.Storage}
	data, err := loader.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load qr session: %w", err)
	}
	return data, nil
}
