package connections

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/concierge-dev/concierge/pkg/broker"
	"github.com/concierge-dev/concierge/pkg/cache"
	"github.com/concierge-dev/concierge/pkg/store"
)

// fakeBroker counts calls and replays canned responses.
type fakeBroker struct {
	initiateCalls   int
	reinitiateCalls int
	getCalls        int
	lastRedirectURI string

	accountID string
	status    string
	err       error
}

func (f *fakeBroker) Initiate(ctx context.Context, appName, entityID string) (*broker.ConnectionInfo, error) {
	f.initiateCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &broker.ConnectionInfo{
		ID:          f.accountID,
		Status:      "INITIATED",
		RedirectURL: "https://broker.example.com/oauth/" + appName,
	}, nil
}

func (f *fakeBroker) Get(ctx context.Context, connectedAccountID string) (*broker.ConnectionInfo, error) {
	f.getCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &broker.ConnectionInfo{ID: connectedAccountID, Status: f.status}, nil
}

func (f *fakeBroker) Reinitiate(ctx context.Context, connectedAccountID, redirectURI string) (*broker.ConnectionInfo, error) {
	f.reinitiateCalls++
	f.lastRedirectURI = redirectURI
	if f.err != nil {
		return nil, f.err
	}
	return &broker.ConnectionInfo{
		ID:          connectedAccountID,
		Status:      "INITIATED",
		RedirectURL: "https://broker.example.com/oauth/retry",
	}, nil
}

func (f *fakeBroker) GetTools(ctx context.Context, filter broker.ToolFilter) ([]broker.Tool, error) {
	return nil, nil
}

func (f *fakeBroker) Execute(ctx context.Context, req broker.ExecuteRequest) (*broker.ExecuteResult, error) {
	return &broker.ExecuteResult{Successful: true}, nil
}

func newTestRegistry(t *testing.T) (*Registry, *fakeBroker, *store.MemoryStore, *cache.MemoryCache) {
	t.Helper()
	fb := &fakeBroker{accountID: "acc-1", status: "ACTIVE"}
	st := store.NewMemory()
	ch := cache.NewMemory()
	reg := NewRegistry(st, fb, ch, "https://concierge.example.com/api/connections/callback")
	return reg, fb, st, ch
}

func TestCanTransition(t *testing.T) {
	legal := [][2]store.ConnectionStatus{
		{store.ConnectionInitiated, store.ConnectionActive},
		{store.ConnectionInitiated, store.ConnectionFailed},
		{store.ConnectionActive, store.ConnectionInactive},
		{store.ConnectionActive, store.ConnectionExpired},
		{store.ConnectionInactive, store.ConnectionInitiated},
		{store.ConnectionExpired, store.ConnectionInitiated},
		{store.ConnectionFailed, store.ConnectionInitiated},
		// Self-loops keep replayed callbacks idempotent.
		{store.ConnectionActive, store.ConnectionActive},
		{store.ConnectionInitiated, store.ConnectionInitiated},
	}
	for _, tc := range legal {
		assert.True(t, CanTransition(tc[0], tc[1]), "%s -> %s should be legal", tc[0], tc[1])
	}

	illegal := [][2]store.ConnectionStatus{
		{store.ConnectionActive, store.ConnectionInitiated},
		{store.ConnectionActive, store.ConnectionFailed},
		{store.ConnectionInitiated, store.ConnectionInactive},
		{store.ConnectionInitiated, store.ConnectionExpired},
		{store.ConnectionInactive, store.ConnectionActive},
		{store.ConnectionExpired, store.ConnectionActive},
		{store.ConnectionFailed, store.ConnectionActive},
	}
	for _, tc := range illegal {
		assert.False(t, CanTransition(tc[0], tc[1]), "%s -> %s should be illegal", tc[0], tc[1])
	}
}

func TestUpsertLifecycle(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	conn, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionInitiated)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionInitiated, conn.Status)

	conn, err = reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionActive, conn.Status)

	// Replaying the callback is a self-loop, not an error.
	_, err = reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)

	// ACTIVE cannot fall back to INITIATED directly.
	_, err = reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionInitiated)
	require.ErrorIs(t, err, ErrInvalidTransition)

	// But it can pass through INACTIVE first.
	_, err = reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionInactive)
	require.NoError(t, err)
	conn, err = reg.Upsert(ctx, "user-1", "GMAIL", "acc-2", store.ConnectionInitiated)
	require.NoError(t, err)
	assert.Equal(t, "acc-2", conn.AccountID)
}

func TestUpsertRejectsUnknownStatus(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)

	_, err := reg.Upsert(context.Background(), "user-1", "GMAIL", "acc-1", store.ConnectionStatus("DANGLING"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid connection status")
}

func TestUpsertAllowsAnyStatusForNewRows(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)

	// A callback can land before this deployment ever saw the initiate,
	// e.g. after a degraded-mode restart lost the in-memory row.
	conn, err := reg.Upsert(context.Background(), "user-1", "NOTION", "acc-9", store.ConnectionActive)
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionActive, conn.Status)
}

func TestUpsertInvalidatesUserConnectionsCache(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)

	// Prime the cache.
	conns, err := reg.GetUserConnections(ctx, "user-1", store.ConnectionActive)
	require.NoError(t, err)
	require.Len(t, conns, 1)

	_, err = reg.Upsert(ctx, "user-1", "NOTION", "acc-2", store.ConnectionActive)
	require.NoError(t, err)

	conns, err = reg.GetUserConnections(ctx, "user-1", store.ConnectionActive)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"GMAIL": "acc-1", "NOTION": "acc-2"}, conns)
}

func TestInitiateNewConnection(t *testing.T) {
	reg, fb, st, _ := newTestRegistry(t)
	ctx := context.Background()

	info, err := reg.Initiate(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, 1, fb.initiateCalls)
	assert.Equal(t, "acc-1", info.ID)
	assert.Equal(t, "GMAIL", info.AppName)
	assert.NotEmpty(t, info.RedirectURL)

	conn, err := st.GetConnection(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionInitiated, conn.Status)
	assert.Equal(t, "acc-1", conn.AccountID)
}

func TestInitiateActiveShortCircuits(t *testing.T) {
	reg, fb, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)

	info, err := reg.Initiate(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, 0, fb.initiateCalls)
	assert.Equal(t, 0, fb.reinitiateCalls)
	assert.Equal(t, "acc-1", info.ID)
	assert.Equal(t, string(store.ConnectionActive), info.Status)
}

func TestInitiateReinitiatesExpired(t *testing.T) {
	reg, fb, st, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionExpired)
	require.NoError(t, err)

	_, err = reg.Initiate(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, 0, fb.initiateCalls)
	assert.Equal(t, 1, fb.reinitiateCalls)
	assert.Equal(t, "https://concierge.example.com/api/connections/callback", fb.lastRedirectURI)

	conn, err := st.GetConnection(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionInitiated, conn.Status)
}

func TestInitiateBrokerErrorMarksPendingFailed(t *testing.T) {
	reg, fb, st, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionInitiated)
	require.NoError(t, err)

	fb.err = errors.New("broker unavailable")
	_, err = reg.Initiate(ctx, "user-1", "GMAIL")
	require.Error(t, err)

	conn, err := st.GetConnection(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionFailed, conn.Status)

	// FAILED is retryable: a healthy broker restarts the handshake.
	fb.err = nil
	_, err = reg.Initiate(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	conn, err = st.GetConnection(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionInitiated, conn.Status)
}

func TestCallbackPromotesToActive(t *testing.T) {
	reg, fb, st, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionInitiated)
	require.NoError(t, err)

	fb.status = "ACTIVE"
	conn, err := reg.Callback(ctx, "user-1", "GMAIL", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionActive, conn.Status)

	got, err := st.GetConnection(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionActive, got.Status)
}

func TestCallbackBrokerErrorAssumesActive(t *testing.T) {
	reg, fb, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionInitiated)
	require.NoError(t, err)

	fb.err = errors.New("broker unavailable")
	conn, err := reg.Callback(ctx, "user-1", "GMAIL", "acc-1")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionActive, conn.Status)
}

func TestCallbackRequiresAccountID(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)

	_, err := reg.Callback(context.Background(), "user-1", "GMAIL", "")
	require.Error(t, err)
}

func TestDisconnect(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)

	conn, err := reg.Disconnect(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionInactive, conn.Status)

	_, err = reg.Disconnect(ctx, "user-1", "SLACK")
	require.ErrorIs(t, err, store.ErrConnectionNotFound)
}

func TestGetUserConnectionsCachesActiveOnly(t *testing.T) {
	reg, _, st, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)

	conns, err := reg.GetUserConnections(ctx, "user-1", store.ConnectionActive)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"GMAIL": "acc-1"}, conns)

	// Write around the registry; the cached ACTIVE view must not see it.
	_, err = st.UpsertConnection(ctx, "user-1", "NOTION", "acc-2", store.ConnectionActive)
	require.NoError(t, err)

	conns, err = reg.GetUserConnections(ctx, "user-1", store.ConnectionActive)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"GMAIL": "acc-1"}, conns)

	// Non-ACTIVE lookups always go to the store.
	_, err = st.UpsertConnection(ctx, "user-1", "SLACK", "acc-3", store.ConnectionInitiated)
	require.NoError(t, err)
	conns, err = reg.GetUserConnections(ctx, "user-1", store.ConnectionInitiated)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"SLACK": "acc-3"}, conns)
}

func TestAccountStatusFailOpenUncached(t *testing.T) {
	reg, fb, _, ch := newTestRegistry(t)
	ctx := context.Background()

	fb.err = errors.New("broker unavailable")
	_, err := reg.AccountStatus(ctx, "acc-1")
	require.Error(t, err)
	assert.Equal(t, 1, fb.getCalls)
	assert.Equal(t, 0, ch.Len(), "transient failures must not be cached")

	fb.err = nil
	status, err := reg.AccountStatus(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", status)
	assert.Equal(t, 2, fb.getCalls)

	// Third read is served from cache.
	status, err = reg.AccountStatus(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "ACTIVE", status)
	assert.Equal(t, 2, fb.getCalls)
}

func TestCheckNoConnection(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)

	conn, verdict := reg.Check(context.Background(), "user-1", "GMAIL")
	assert.Nil(t, conn)
	assert.Equal(t, VerdictNeedsConnection, verdict)
}

func TestCheckInactiveNeedsConnection(t *testing.T) {
	reg, _, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)
	_, err = reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionInactive)
	require.NoError(t, err)

	_, verdict := reg.Check(ctx, "user-1", "GMAIL")
	assert.Equal(t, VerdictNeedsConnection, verdict)
}

func TestCheckInitiatedUsableWithoutBroker(t *testing.T) {
	reg, fb, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionInitiated)
	require.NoError(t, err)

	conn, verdict := reg.Check(ctx, "user-1", "GMAIL")
	require.NotNil(t, conn)
	assert.Equal(t, VerdictUsable, verdict)
	assert.Equal(t, 0, fb.getCalls)
}

func TestCheckActiveVerified(t *testing.T) {
	reg, fb, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)

	fb.status = "ACTIVE"
	conn, verdict := reg.Check(ctx, "user-1", "GMAIL")
	require.NotNil(t, conn)
	assert.Equal(t, VerdictUsable, verdict)
	assert.Equal(t, 1, fb.getCalls)
}

func TestCheckBrokerFailureSkips(t *testing.T) {
	reg, fb, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)

	fb.err = errors.New("broker unavailable")
	_, verdict := reg.Check(ctx, "user-1", "GMAIL")
	assert.Equal(t, VerdictSkip, verdict)
}

func TestCheckBrokerExpiredReconciles(t *testing.T) {
	reg, fb, st, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Upsert(ctx, "user-1", "GMAIL", "acc-1", store.ConnectionActive)
	require.NoError(t, err)

	fb.status = "EXPIRED"
	_, verdict := reg.Check(ctx, "user-1", "GMAIL")
	assert.Equal(t, VerdictNeedsConnection, verdict)

	conn, err := st.GetConnection(ctx, "user-1", "GMAIL")
	require.NoError(t, err)
	assert.Equal(t, store.ConnectionExpired, conn.Status)
}
