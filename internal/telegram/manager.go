package telegram

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/celestix/gotgproto"
	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram/auth/qrlogin"
	"gorm.io/gorm"

	"github.com/blockedby/channel-ingest/internal/config"
	"github.com/blockedby/channel-ingest/internal/logger"
	"github.com/blockedby/channel-ingest/internal/metrics"
)

// Status represents the Telegram client status.
type Status string

// Status constants define the possible states of the Telegram client.
const (
	StatusInitializing Status = "INITIALIZING"
	StatusReady        Status = "READY"
	StatusUnauthorized Status = "UNAUTHORIZED"
	StatusError        Status = "ERROR"
)

var allStatuses = []string{
	string(StatusInitializing),
	string(StatusReady),
	string(StatusUnauthorized),
	string(StatusError),
}

// errors
var (
	ErrAlreadyAuthorized = errors.New("telegram: already logged in")
	ErrQRInProgress      = errors.New("telegram: QR login already in progress")
	errEmptySession      = errors.New("telegram: login finished without session data")
)

// ClientFactory creates the persistent user client from the stored session.
type ClientFactory func(ctx context.Context, cfg *config.Config, db *gorm.DB) (*gotgproto.Client, error)

// QRClientFactory creates the throwaway client that runs a QR login.
type QRClientFactory func(cfg *config.Config) (*QRClientBundle, error)

// Manager owns the user account session: it restores it from the database,
// runs QR login when none is stored and hands the live client to Client.
type Manager struct {
	db  *gorm.DB
	cfg *config.Config
	log *logger.Logger

	mu              sync.RWMutex
	client          *gotgproto.Client
	status          Status
	clientFactory   ClientFactory
	qrClientFactory QRClientFactory

	// one QR flow at a time
	qrMu         sync.Mutex
	qrInProgress atomic.Bool
	qrCancel     context.CancelFunc
}

// NewManager creates a manager whose session lives in db.
func NewManager(cfg *config.Config, db *gorm.DB) *Manager {
	m := &Manager{
		db:              db,
		cfg:             cfg,
		log:             logger.Get().Component("telegram-manager"),
		clientFactory:   NewPersistentClient,
		qrClientFactory: NewQRClient,
	}
	m.setStatus(StatusInitializing)
	return m
}

// SetClientFactory replaces how the persistent client is built.
func (m *Manager) SetClientFactory(f ClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clientFactory = f
}

// SetQRClientFactory replaces how the QR login client is built.
func (m *Manager) SetQRClientFactory(f QRClientFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.qrClientFactory = f
}

// GetStatus returns the current Telegram client status.
func (m *Manager) GetStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// GetClient returns the live client, nil until Ready.
func (m *Manager) GetClient() *gotgproto.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	prev := m.status
	m.status = s
	m.mu.Unlock()

	metrics.SetTelegramStatus(string(s), allStatuses...)
	if prev != s && prev != "" {
		m.log.Info().Str("from", string(prev)).Str("to", string(s)).Msg("telegram: status changed")
	}
}

// Init restores the session stored in the database.
// Without a usable session the manager stays Unauthorized and Init returns nil.
func (m *Manager) Init(ctx context.Context) error {
	m.setStatus(StatusInitializing)

	if !m.hasStoredSession() {
		m.log.Info().Msg("telegram: no session in database, run tg-auth to log in")
		m.setStatus(StatusUnauthorized)
		return nil
	}

	m.mu.RLock()
	factory := m.clientFactory
	m.mu.RUnlock()

	client, err := factory(ctx, m.cfg, m.db)
	if err != nil {
		m.log.Warn().Err(err).Msg("telegram: stored session unusable, switching to unauthorized mode")
		m.setStatus(StatusUnauthorized)
		return nil
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	m.setStatus(StatusReady)
	return nil
}

func (m *Manager) hasStoredSession() bool {
	var count int64
	if err := m.db.Table("sessions").Count(&count).Error; err != nil {
		m.log.Warn().Err(err).Msg("telegram: failed to check sessions table")
		return false
	}
	return count > 0
}

// IsQRInProgress returns true if a QR login flow is currently in progress.
func (m *Manager) IsQRInProgress() bool {
	return m.qrInProgress.Load()
}

// StartQR runs a QR login, calling onQRCode for every token the server
// issues. It blocks until login succeeds or ctx is cancelled. On success the
// session is stored and the manager re-initialised from it.
func (m *Manager) StartQR(ctx context.Context, onQRCode func(url string)) error {
	if m.GetStatus() == StatusReady {
		return ErrAlreadyAuthorized
	}

	qrCtx, err := m.beginQR(ctx)
	if err != nil {
		return err
	}
	defer m.endQR()

	m.mu.RLock()
	factory := m.qrClientFactory
	m.mu.RUnlock()

	bundle, err := factory(m.cfg)
	if err != nil {
		return fmt.Errorf("create QR client: %w", err)
	}

	data, err := m.runQR(qrCtx, bundle, onQRCode)
	if err != nil {
		return err
	}

	m.log.Info().Msg("telegram: QR login complete, storing session")
	if err := StoreSession(m.db, data); err != nil {
		return err
	}
	return m.Init(ctx)
}

func (m *Manager) beginQR(ctx context.Context) (context.Context, error) {
	m.qrMu.Lock()
	defer m.qrMu.Unlock()

	if m.qrInProgress.Load() {
		return nil, ErrQRInProgress
	}
	qrCtx, cancel := context.WithCancel(ctx)
	m.qrCancel = cancel
	m.qrInProgress.Store(true)
	return qrCtx, nil
}

func (m *Manager) endQR() {
	m.qrMu.Lock()
	defer m.qrMu.Unlock()

	if m.qrCancel != nil {
		m.qrCancel()
		m.qrCancel = nil
	}
	m.qrInProgress.Store(false)
}

// runQR drives the login on bundle and returns the captured session.
func (m *Manager) runQR(ctx context.Context, bundle *QRClientBundle, onQRCode func(url string)) (*session.Data, error) {
	var data *session.Data

	err := bundle.Client.Run(ctx, func(ctx context.Context) error {
		loggedIn := qrlogin.OnLoginToken(&bundle.Dispatcher)
		_, err := bundle.Client.QR().Auth(ctx, loggedIn, func(_ context.Context, token qrlogin.Token) error {
			m.log.Info().Time("expires", token.Expires()).Msg("telegram: QR token issued")
			onQRCode(token.URL())
			return nil
		})
		if err != nil {
			return err
		}
		data, err = bundle.Session(ctx)
		return err
	})

	switch {
	case errors.Is(err, context.Canceled):
		return nil, context.Canceled
	case err != nil:
		return nil, fmt.Errorf("QR auth flow failed: %w", err)
	case data == nil:
		return nil, errEmptySession
	}
	return data, nil
}

// CancelQR cancels any ongoing QR login flow.
func (m *Manager) CancelQR() {
	m.qrMu.Lock()
	defer m.qrMu.Unlock()

	if m.qrCancel != nil {
		m.log.Info().Msg("telegram: canceling QR flow")
		m.qrCancel()
		m.qrCancel = nil
	}
	m.qrInProgress.Store(false)
}

// Stop stops the Telegram client.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Stop()
	}
}
