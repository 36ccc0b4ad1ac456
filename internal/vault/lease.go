package vault

import (
	"context"
	"sync"
	"time"

	apperrors "vault-db-backup/internal/errors"
	"vault-db-backup/internal/logging"
)

const (
	// DefaultIncrement is the TTL requested on every renewal.
	DefaultIncrement = 72 * time.Hour
	// DefaultRenewInterval leaves two hours of slack before the lease expires.
	DefaultRenewInterval = 70 * time.Hour
	// DefaultStopTimeout bounds how long Stop waits for an in-flight renewal.
	DefaultStopTimeout = 2 * time.Second
)

// State is the lifecycle state of a LeaseManager.
type State string

const (
	StateIdle     State = "IDLE"
	StateRenewing State = "RENEWING"
	StateStopped  State = "STOPPED"
)

// LeaseManager keeps a Vault token alive for the duration of a backup attempt.
// It owns its renewal timer; nothing outside the manager can reschedule it.
type LeaseManager struct {
	client      Client
	logger      *logging.Logger
	interval    time.Duration
	increment   time.Duration
	stopTimeout time.Duration

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	done   chan struct{}
	errCh  chan error
	creds  *Credentials
}

// Option configures a LeaseManager.
type Option func(*LeaseManager)

// WithRenewInterval sets the delay between renewals.
func WithRenewInterval(d time.Duration) Option {
	return func(m *LeaseManager) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithIncrement sets the TTL requested on each renewal.
func WithIncrement(d time.Duration) Option {
	return func(m *LeaseManager) {
		if d > 0 {
			m.increment = d
		}
	}
}

// WithStopTimeout sets the bounded wait used by Stop.
func WithStopTimeout(d time.Duration) Option {
	return func(m *LeaseManager) {
		if d > 0 {
			m.stopTimeout = d
		}
	}
}

// NewLeaseManager creates an idle lease manager.
func NewLeaseManager(client Client, logger *logging.Logger, opts ...Option) *LeaseManager {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}

	m := &LeaseManager{
		client:      client,
		logger:      logger,
		interval:    DefaultRenewInterval,
		increment:   DefaultIncrement,
		stopTimeout: DefaultStopTimeout,
		state:       StateIdle,
		errCh:       make(chan error, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	// The interval must stay strictly below the TTL or a single late tick expires the token.
	if m.interval >= m.increment {
		m.interval = m.increment * 97 / 100
	}
	return m
}

// Start renews the token immediately and schedules periodic renewal.
// It returns once the first renewal has completed.
func (m *LeaseManager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		state := m.state
		m.mu.Unlock()
		return apperrors.NewBrokerError("lease manager cannot be started", nil).
			WithContext("state", string(state))
	}
	m.state = StateRenewing
	m.mu.Unlock()

	if err := m.renew(ctx); err != nil {
		m.setState(StateStopped)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	m.mu.Lock()
	if m.state != StateRenewing {
		// Stop won the race while the first renewal was in flight.
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.cancel = cancel
	m.done = done
	m.mu.Unlock()

	go m.loop(loopCtx, done)

	m.logger.WithFields(map[string]interface{}{
		"interval":  m.interval.String(),
		"increment": m.increment.String(),
	}).Debug("Vault lease renewal scheduled")
	return nil
}

func (m *LeaseManager) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			if err := m.renew(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.setState(StateStopped)
				select {
				case m.errCh <- err:
				default:
				}
				return
			}
			timer.Reset(m.interval)
		}
	}
}

// renew performs one renewal. Non-renewable token responses are logged and
// swallowed; only fatal errors are returned.
func (m *LeaseManager) renew(ctx context.Context) error {
	start := time.Now()
	err := m.client.RenewSelf(ctx, m.increment)
	if err == nil {
		m.logger.LogLeaseRenewal(m.increment, time.Since(start), nil, false)
		return nil
	}

	classified := classifyRenewError(err)
	m.logger.LogLeaseRenewal(m.increment, time.Since(start), err, classified.IsRecoverable())
	if classified.IsRecoverable() {
		return nil
	}
	return classified
}

// Read fetches the credential tuple at path. It is called once per attempt.
func (m *LeaseManager) Read(ctx context.Context, path string) (*Credentials, error) {
	creds, err := m.client.ReadSecret(ctx, path)
	if err != nil {
		return nil, classifyReadError(err, path)
	}

	m.mu.Lock()
	m.creds = creds
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"path":     path,
		"username": creds.Username,
	}).Info("Credentials read from vault")

	snapshot := *creds
	return &snapshot, nil
}

// Credentials returns a copy of the last credentials read, or nil.
func (m *LeaseManager) Credentials() *Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil
	}
	snapshot := *m.creds
	return &snapshot
}

// Err delivers at most one fatal renewal error.
func (m *LeaseManager) Err() <-chan error {
	return m.errCh
}

// State returns the current lifecycle state.
func (m *LeaseManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Stop cancels the pending renewal and waits, bounded by the stop timeout,
// for an in-flight renewal to return. Safe to call repeatedly or before Start.
func (m *LeaseManager) Stop() {
	m.mu.Lock()
	m.state = StateStopped
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
		m.logger.Debug("Vault lease renewal stopped")
	case <-time.After(m.stopTimeout):
		m.logger.Warnf("Vault lease renewal did not stop within %s", m.stopTimeout)
	}
}

func (m *LeaseManager) setState(state State) {
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
}
