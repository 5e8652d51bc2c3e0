// Package connections tracks which third-party apps a user has authorized,
// as a state machine over broker-held accounts.
//
// Allowed transitions:
//
//	INITIATED -> ACTIVE    broker callback landed
//	INITIATED -> FAILED    broker error or handshake timeout
//	ACTIVE    -> INACTIVE  explicit disconnect
//	ACTIVE    -> EXPIRED   broker reports the grant expired
//	INACTIVE  -> INITIATED re-initiate
//	EXPIRED   -> INITIATED re-initiate
//	FAILED    -> INITIATED retry after a failed handshake
//
// Self-transitions are always permitted, which makes every operation here
// idempotent. Upsert is the single mutating operation.
package connections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/store"
)

// ErrInvalidTransition is returned when an upsert would move a connection
// along an edge the state machine does not have.
var ErrInvalidTransition = errors.New("invalid connection state transition")

var allowedTransitions = map[store.ConnectionStatus][]store.ConnectionStatus{
	store.ConnectionInitiated: {store.ConnectionActive, store.ConnectionFailed},
	store.ConnectionActive:    {store.ConnectionInactive, store.ConnectionExpired},
	store.ConnectionInactive:  {store.ConnectionInitiated},
	store.ConnectionExpired:   {store.ConnectionInitiated},
	store.ConnectionFailed:    {store.ConnectionInitiated},
}

// CanTransition reports whether from -> to is a legal edge. Self-loops are
// legal so repeated callbacks and retries stay idempotent.
func CanTransition(from, to store.ConnectionStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Verdict is the preparer-facing answer for one (user, app) pair.
type Verdict int

const (
	// VerdictUsable means tools for the app may be prepared.
	VerdictUsable Verdict = iota
	// VerdictNeedsConnection means the user must (re)connect the app.
	VerdictNeedsConnection
	// VerdictSkip means the app is silently dropped this turn, typically
	// because the broker could not confirm the account state.
	VerdictSkip
)

// Registry mediates between the durable connection rows, the broker and
// the cache.
type Registry struct {
	store       store.Store
	broker      broker.Broker
	cache       cache.Cache
	redirectURI string
}

// NewRegistry wires the registry. redirectURI is handed to the broker on
// re-initiation so the user lands back on this deployment.
func NewRegistry(st store.Store, br broker.Broker, ch cache.Cache, redirectURI string) *Registry {
	return &Registry{
		store:       st,
		broker:      br,
		cache:       ch,
		redirectURI: redirectURI,
	}
}

// Upsert moves the (userID, appName) connection to status, creating the row
// when absent. Illegal transitions return ErrInvalidTransition and leave
// the row untouched.
func (r *Registry) Upsert(ctx context.Context, userID, appName, accountID string, status store.ConnectionStatus) (*store.AppConnection, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid connection status: %s", status)
	}

	existing, err := r.store.GetConnection(ctx, userID, appName)
	if err != nil && !errors.Is(err, store.ErrConnectionNotFound) {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}
	if existing != nil && !CanTransition(existing.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, existing.Status, status, appName)
	}

	conn, err := r.store.UpsertConnection(ctx, userID, appName, accountID, status)
	if err != nil {
		return nil, err
	}

	r.invalidate(ctx, userID, accountID)
	return conn, nil
}

// Initiate starts (or restarts) the handshake for one app and returns the
// broker info carrying the redirect URL. Existing ACTIVE connections are
// returned as-is without touching the broker.
func (r *Registry) Initiate(ctx context.Context, userID, appName string) (*broker.ConnectionInfo, error) {
	existing, err := r.store.GetConnection(ctx, userID, appName)
	if err != nil && !errors.Is(err, store.ErrConnectionNotFound) {
		return nil, fmt.Errorf("failed to load connection: %w", err)
	}

	if existing != nil && existing.Status == store.ConnectionActive {
		return &broker.ConnectionInfo{
			ID:      existing.AccountID,
			Status:  string(existing.Status),
			AppName: appName,
		}, nil
	}

	var info *broker.ConnectionInfo
	reinitiable := existing != nil && existing.AccountID != "" &&
		(existing.Status == store.ConnectionInactive || existing.Status == store.ConnectionExpired)
	if reinitiable {
		info, err = r.broker.Reinitiate(ctx, existing.AccountID, r.redirectURI)
	} else {
		info, err = r.broker.Initiate(ctx, appName, userID)
	}
	if err != nil {
		// A pending handshake that the broker rejects goes FAILED.
		if existing != nil && existing.Status == store.ConnectionInitiated {
			if _, upErr := r.Upsert(ctx, userID, appName, existing.AccountID, store.ConnectionFailed); upErr != nil {
				slog.Warn("Failed to mark connection failed", "app", appName, "error", upErr)
			}
		}
		return nil, fmt.Errorf("failed to initiate %s connection: %w", appName, err)
	}

	if _, err := r.Upsert(ctx, userID, appName, info.ID, store.ConnectionInitiated); err != nil {
		return nil, err
	}
	if info.AppName == "" {
		info.AppName = appName
	}
	return info, nil
}

// Callback lands the broker's OAuth callback: the account's broker-side
// status is confirmed and the registry row promoted accordingly.
func (r *Registry) Callback(ctx context.Context, userID, appName, accountID string) (*store.AppConnection, error) {
	if accountID == "" {
		return nil, fmt.Errorf("connected account id is required")
	}

	status := store.ConnectionActive
	info, err := r.broker.Get(ctx, accountID)
	if err != nil {
		// The user just came back from the broker's consent screen;
		// refusing the callback because one status read failed would
		// strand the connection in INITIATED forever.
		slog.Warn("Broker status check failed during callback, assuming active",
			"app", appName, "error", err)
	} else if s := store.ConnectionStatus(info.Status); s.Valid() {
		status = s
	}

	conn, err := r.Upsert(ctx, userID, appName, accountID, status)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Disconnect moves an ACTIVE connection to INACTIVE.
func (r *Registry) Disconnect(ctx context.Context, userID, appName string) (*store.AppConnection, error) {
	existing, err := r.store.GetConnection(ctx, userID, appName)
	if err != nil {
		return nil, err
	}
	return r.Upsert(ctx, userID, appName, existing.AccountID, store.ConnectionInactive)
}

// GetUserConnections returns appName -> accountID for the user's
// connections in the given status. ACTIVE lookups are cached.
func (r *Registry) GetUserConnections(ctx context.Context, userID string, status store.ConnectionStatus) (map[string]string, error) {
	cacheable := status == store.ConnectionActive
	key := cache.UserConnectionsKey(userID)

	if cacheable {
		var cached map[string]string
		if hit, err := r.cache.Get(ctx, key, &cached); err == nil && hit {
			return cached, nil
		}
	}

	conns, err := r.store.ListConnections(ctx, userID, status)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(conns))
	for _, conn := range conns {
		out[conn.AppName] = conn.AccountID
	}

	if cacheable {
		if err := r.cache.Set(ctx, key, out, cache.TTLUserConnections); err != nil {
			slog.Debug("Failed to cache user connections", "error", err)
		}
	}
	return out, nil
}

// List returns the user's connection rows, optionally filtered by status.
func (r *Registry) List(ctx context.Context, userID string, statuses ...store.ConnectionStatus) ([]*store.AppConnection, error) {
	return r.store.ListConnections(ctx, userID, statuses...)
}

// Check answers whether tools may be prepared for (userID, appName) this
// turn. ACTIVE rows are verified against the broker (cached, fail-open);
// INITIATED rows pass unverified because the broker may complete the
// handshake lazily.
func (r *Registry) Check(ctx context.Context, userID, appName string) (*store.AppConnection, Verdict) {
	conn, err := r.store.GetConnection(ctx, userID, appName)
	if err != nil {
		if !errors.Is(err, store.ErrConnectionNotFound) {
			slog.Warn("Connection lookup failed", "app", appName, "error", err)
		}
		return nil, VerdictNeedsConnection
	}
	if !conn.Status.Usable() {
		return conn, VerdictNeedsConnection
	}
	if conn.Status == store.ConnectionInitiated {
		return conn, VerdictUsable
	}

	brokerStatus, err := r.AccountStatus(ctx, conn.AccountID)
	if err != nil {
		slog.Warn("Broker status check failed, skipping app this turn",
			"app", appName, "error", err)
		return conn, VerdictSkip
	}
	if brokerStatus == string(store.ConnectionExpired) {
		if _, err := r.Upsert(ctx, userID, appName, conn.AccountID, store.ConnectionExpired); err != nil {
			slog.Warn("Failed to record expired connection", "app", appName, "error", err)
		}
		return conn, VerdictNeedsConnection
	}
	return conn, VerdictUsable
}

// AccountStatus is the read-through cached broker status check. Transient
// broker failures are returned to the caller uncached so the next turn
// retries.
func (r *Registry) AccountStatus(ctx context.Context, accountID string) (string, error) {
	key := cache.ConnectionStatusKey(accountID)

	var cached string
	if hit, err := r.cache.Get(ctx, key, &cached); err == nil && hit {
		return cached, nil
	}

	info, err := r.broker.Get(ctx, accountID)
	if err != nil {
		return "", err
	}

	if err := r.cache.Set(ctx, key, info.Status, cache.TTLConnectionStatus); err != nil {
		slog.Debug("Failed to cache connection status", "error", err)
	}
	return info.Status, nil
}

func (r *Registry) invalidate(ctx context.Context, userID, accountID string) {
	keys := []string{cache.UserConnectionsKey(userID)}
	if accountID != "" {
		keys = append(keys, cache.ConnectionStatusKey(accountID))
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		slog.Debug("Failed to invalidate connection cache", "error", err)
	}
}
