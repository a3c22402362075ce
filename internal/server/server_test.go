package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/meterledger/internal/authorization"
	"github.com/smallbiznis/meterledger/internal/clock"
	"github.com/smallbiznis/meterledger/internal/config"
	ledgerservice "github.com/smallbiznis/meterledger/internal/ledger/service"
	pricingdomain "github.com/smallbiznis/meterledger/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/meterledger/internal/pricing/service"
	"github.com/smallbiznis/meterledger/internal/queue"
	"github.com/smallbiznis/meterledger/internal/ratelimit"
	settlementservice "github.com/smallbiznis/meterledger/internal/settlement/service"
	"github.com/smallbiznis/meterledger/internal/testutil"
	usagerepo "github.com/smallbiznis/meterledger/internal/usage/repository"
	usageservice "github.com/smallbiznis/meterledger/internal/usage/service"
	"github.com/smallbiznis/meterledger/internal/worker"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/smallbiznis/meterledger/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	engine *gin.Engine
	queues *queue.Queues
}

func newTestServer(t *testing.T, limiter *ratelimit.UsageLimiter) testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewDB(t)
	node := testutil.NewNode(t)
	log := zap.NewNop()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cfg := config.Config{Environment: "test", Queue: config.QueueConfig{Backend: queue.BackendMemory, DedupWindow: time.Minute}}

	queues, err := queue.NewQueues(queue.Params{Config: cfg, Log: log, Clock: clk})
	require.NoError(t, err)
	enforcer, err := authorization.NewEnforcer(db)
	require.NoError(t, err)

	resolver := pricingservice.NewService(pricingservice.Params{DB: db, Log: log, Clock: clk})
	ledger := ledgerservice.NewService(ledgerservice.Params{DB: db, Log: log, GenID: node})
	usage := usageservice.NewService(usageservice.ServiceParam{
		DB: db, Log: log, GenID: node, Pricing: resolver, Pairs: usagerepo.ProvidePairs(), Clock: clk,
	})
	settlement := settlementservice.NewService(settlementservice.Params{DB: db, Log: log, GenID: node, Ledger: ledger, Clock: clk})

	require.NoError(t, db.Create(&pricingdomain.Resource{ID: "res", OwnerID: "owner"}).Error)
	p := pricingdomain.Pricing{ID: node.Generate(), ResourceID: "res", Name: "plan", ChargePerRequest: amount.MustParse("0.01")}
	require.NoError(t, db.Create(&p).Error)
	require.NoError(t, db.Create(&pricingdomain.Subscription{ID: node.Generate(), SubscriberID: "sub", ResourceID: "res", PricingID: p.ID}).Error)

	engine := NewEngine(EngineParams{Cfg: cfg, Log: log, Gatherer: prometheus.NewRegistry()})
	NewServer(ServerParams{
		Gin:           engine,
		Cfg:           cfg,
		Log:           log,
		AuthzSvc:      authorization.NewService(authorization.Params{Log: log, Enforcer: enforcer}),
		UsageSvc:      usage,
		LedgerSvc:     ledger,
		SettlementSvc: settlement,
		Dispatcher:    worker.NewDispatcher(queues, log),
		Queues:        queues,
		UsageLimiter:  limiter,
	})
	return testServer{engine: engine, queues: queues}
}

func (ts testServer) do(t *testing.T, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(HeaderActor, actor)
	}
	rec := httptest.NewRecorder()
	ts.engine.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

func TestHealthAndActorRequired(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/accounts/u1/balance", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodGet, "/nope", "system", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRecordUsage(t *testing.T) {
	ts := newTestServer(t, nil)
	event := map[string]any{"subscriber_id": "sub", "resource_id": "res", "volume": 3}

	rec := ts.do(t, http.MethodPost, "/api/usage", "system", event)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/usage", "user:sub", event)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", decodeError(t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/usage", "system", map[string]any{"resource_id": "res", "volume": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_subscriber", decodeError(t, rec).Code)
}

func TestAccountReadsAreScopedToOwner(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/api/accounts/u1/balance", "user:u2", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/accounts/u1/balance", "user:u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var balance balanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &balance))
	assert.Equal(t, "0", balance.Balance.String())

	rec = ts.do(t, http.MethodGet, "/api/accounts/u1/history", "admin:ops", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/accounts/u1/activities?status=bogus", "user:u1", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = ts.do(t, http.MethodGet, "/api/accounts/u1/activities?status=pending", "user:u1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMutationsAreQueued(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()

	rec := ts.do(t, http.MethodPost, "/api/accounts/u1/settle", "user:u1", nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/billing/trigger", "admin:ops", map[string]any{"subscriber_id": "sub", "resource_id": "res"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	topup := map[string]any{"user_id": "u1", "amount": "10", "reference": "pi_1"}
	rec = ts.do(t, http.MethodPost, "/api/payments/topups", "system", topup)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp enqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Accepted)

	rec = ts.do(t, http.MethodPost, "/api/payments/topups", "system", topup)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Accepted, "same reference is deduplicated")

	usageLen, err := ts.queues.Usage.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, usageLen)
	billingLen, err := ts.queues.Billing.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, billingLen)
}

func TestPayoutAuthorizesBodyOwner(t *testing.T) {
	ts := newTestServer(t, nil)
	payout := map[string]any{"user_id": "u1", "withdraw_amount": "5", "receive_amount": "4", "reference": "po_1"}

	rec := ts.do(t, http.MethodPost, "/api/payments/payouts", "user:u2", payout)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/payments/payouts", "user:u1", payout)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	payout["withdraw_amount"] = "five"
	rec = ts.do(t, http.MethodPost, "/api/payments/payouts", "user:u1", payout)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminQueueRoutes(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodGet, "/admin/queues/billing/dead-letters", "admin:ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"dead_letters":[]}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/admin/queues/usage", "admin:ops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"name":"usage","backend":"memory","pending":0}`, rec.Body.String())

	rec = ts.do(t, http.MethodGet, "/admin/queues/unknown", "admin:ops", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodGet, "/admin/queues/usage", "user:u1", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestUsageRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter, err := ratelimit.NewUsageLimiter(ratelimit.Params{
		Config: config.Config{RateLimit: config.RateLimitConfig{Enabled: true, UsageRate: 0.001, UsageBurst: 1}},
		Log:    zap.NewNop(),
		Redis:  client,
	})
	require.NoError(t, err)
	ts := newTestServer(t, limiter)
	event := map[string]any{"subscriber_id": "sub", "resource_id": "res", "volume": 1}

	rec := ts.do(t, http.MethodPost, "/api/usage", "system", event)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = ts.do(t, http.MethodPost, "/api/usage", "system", event)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestMapErrorKinds(t *testing.T) {
	cases := []struct {
		err    error
		status int
		typ    string
	}{
		{errs.New(errs.KindBadInput, "invalid_user", "user id is required"), http.StatusBadRequest, "bad_input"},
		{errs.New(errs.KindNotFound, "missing", ""), http.StatusNotFound, "not_found"},
		{errs.New(errs.KindAlreadyExists, "dup", ""), http.StatusConflict, "already_exists"},
		{errs.New(errs.KindConflict, "raced", ""), http.StatusConflict, "conflict"},
		{errs.New(errs.KindInternal, "boom", "secret detail"), http.StatusInternalServerError, "internal_error"},
		{context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		status, payload := mapError(tc.err)
		assert.Equal(t, tc.status, status, tc.err.Error())
		assert.Equal(t, tc.typ, payload.Type)
		assert.NotContains(t, payload.Message, "secret")
	}
}
