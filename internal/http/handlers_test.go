package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/future-self/api"
	"github.com/Cypherspark/future-self/internal/analytics"
	"github.com/Cypherspark/future-self/internal/core"
	"github.com/Cypherspark/future-self/internal/db"
	httpapi "github.com/Cypherspark/future-self/internal/http"
	"github.com/Cypherspark/future-self/internal/memstore"
	"github.com/Cypherspark/future-self/internal/provider"
	"github.com/Cypherspark/future-self/internal/timing"
	"github.com/Cypherspark/future-self/internal/worker"
)

var t0 = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	h         http.Handler
	srv       *httpapi.Server
	store     core.Store
	clock     *core.ManualClock
	scheduler *worker.Scheduler
}

func newEnv(t *testing.T, store core.Store) *env {
	t.Helper()
	clock := core.NewManualClock(t0)
	resolver := timing.NewResolver(timing.DefaultConfig(), nil, rand.New(rand.NewPCG(3, 4)), nil)
	svc := core.NewService(store, resolver, nil)
	svc.Clock = clock
	stats := analytics.NewService(store, analytics.DefaultPricing(), nil)
	stats.Clock = clock

	opt := worker.DefaultOptions()
	opt.ProviderQPS = 0
	sched := worker.New(store, provider.DispatcherFunc(func(context.Context, core.Message) error { return nil }), resolver, opt, nil)
	sched.Clock = clock

	srv := httpapi.NewServer(svc, stats, nil)
	return &env{h: srv.Router(), srv: srv, store: store, clock: clock, scheduler: sched}
}

func (e *env) do(t *testing.T, method, path, owner string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if owner != "" {
		req.Header.Set("X-User-ID", owner)
	}
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

type messageBody struct {
	core.Message
	Explanation string `json:"explanation"`
}

func TestCreateMessage_SpecificDate(t *testing.T) {
	e := newEnv(t, memstore.New())
	due := t0.Add(72 * time.Hour)

	w := e.do(t, "POST", "/messages", "u1", map[string]any{
		"content": "remember the lake", "timing_strategy": "specific_date", "scheduled_for": due,
		"category": "travel", "tags": []string{"summer"},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	m := decode[messageBody](t, w)
	require.Equal(t, core.StatusScheduled, m.Status)
	require.True(t, m.ScheduledFor.Equal(due))
	require.Equal(t, "u1", m.OwnerID)
	require.Equal(t, "Scheduled for delivery in 3 days.", m.Explanation)
}

func TestCreateMessage_Validation(t *testing.T) {
	e := newEnv(t, memstore.New())

	w := e.do(t, "POST", "/messages", "u1", map[string]any{
		"content": "too late", "timing_strategy": "specific_date", "scheduled_for": t0.Add(-time.Minute),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
	got := decode[map[string]string](t, w)
	require.Equal(t, "validation_failed", got["error"])
	require.Equal(t, "scheduled_for", got["field"])
	require.Equal(t, core.ReasonPastDate, got["reason"])

	req := httptest.NewRequest("POST", "/messages", bytes.NewBufferString(`{"content":`))
	req.Header.Set("X-User-ID", "u1")
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	w = e.do(t, "GET", "/messages", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct{ Items []core.Message }](t, w)
	require.Empty(t, list.Items)
}

func TestRequiresIdentity(t *testing.T) {
	e := newEnv(t, memstore.New())
	w := e.do(t, "GET", "/messages", "", nil)
	require.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, "GET", "/healthz", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestJWTAuth(t *testing.T) {
	e := newEnv(t, memstore.New())
	e.srv.Auth = httpapi.NewAuthenticator("s3cret")
	h := e.srv.Router()

	sign := func(key string, claims jwt.MapClaims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(key))
		require.NoError(t, err)
		return s
	}
	call := func(token string) int {
		req := httptest.NewRequest("GET", "/delivery/my-stats", nil)
		req.Header.Set("X-User-ID", "spoofed")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	exp := time.Now().Add(time.Hour).Unix()
	require.Equal(t, http.StatusOK, call(sign("s3cret", jwt.MapClaims{"sub": "u1", "exp": exp})))
	require.Equal(t, http.StatusUnauthorized, call(sign("other", jwt.MapClaims{"sub": "u1", "exp": exp})))
	require.Equal(t, http.StatusUnauthorized, call(sign("s3cret", jwt.MapClaims{"sub": "u1"})))
	require.Equal(t, http.StatusUnauthorized, call(""))
}

func TestMessageLifecycleOverHTTP(t *testing.T) {
	e := newEnv(t, memstore.New())
	due := t0.Add(time.Hour)

	w := e.do(t, "POST", "/messages", "u1", map[string]any{
		"content": "Graduation day", "timing_strategy": "specific_date", "scheduled_for": due,
	})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[messageBody](t, w).ID

	w = e.do(t, "GET", "/messages/"+id, "u2", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = e.do(t, "POST", "/messages/"+id+"/read", "u1", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	require.Equal(t, "precondition_failed", decode[map[string]string](t, w)["error"])

	e.clock.Set(due.Add(time.Minute))
	res, err := e.scheduler.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Delivered)

	e.clock.Set(due.Add(time.Hour))
	w = e.do(t, "POST", "/messages/"+id+"/read", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[core.Message](t, w)
	require.Equal(t, core.StatusRead, m.Status)
	require.True(t, m.ReadAt.Equal(due.Add(time.Hour)))

	w = e.do(t, "GET", "/messages?q=graduation&status=read", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Items []core.Message `json:"items"`
		Limit int            `json:"limit"`
	}](t, w)
	require.Len(t, list.Items, 1)
	require.Equal(t, 50, list.Limit)

	w = e.do(t, "GET", "/delivery/performance", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	perf := decode[analytics.Performance](t, w)
	require.Equal(t, 1, perf.TotalRead)
	require.Equal(t, 1.0, perf.ReadRate)

	w = e.do(t, "DELETE", "/messages/"+id, "u1", nil)
	require.Equal(t, http.StatusNoContent, w.Code)
	w = e.do(t, "DELETE", "/messages/"+id, "u1", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestMilestoneEndpoint(t *testing.T) {
	e := newEnv(t, memstore.New())

	w := e.do(t, "POST", "/messages", "u1", map[string]any{
		"content": "you did it", "timing_strategy": "milestone", "milestone_key": "marathon",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	m := decode[messageBody](t, w)
	require.Equal(t, core.StatusDraft, m.Status)
	require.Contains(t, m.Explanation, `"marathon"`)

	occurred := t0.Add(48 * time.Hour)
	w = e.do(t, "POST", "/milestones", "u1", map[string]any{"milestone_key": "marathon", "occurred_at": occurred})
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, decode[map[string]int](t, w)["scheduled"])

	w = e.do(t, "POST", "/milestones", "u1", map[string]any{"milestone_key": " "})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "GET", "/delivery/upcoming?days=3", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	up := decode[[]analytics.UpcomingItem](t, w)
	require.Len(t, up, 1)
	require.Equal(t, m.ID, up[0].MessageID)
	require.Equal(t, 2, up[0].DaysUntil)
}

func TestAnalyticsEndpoints(t *testing.T) {
	e := newEnv(t, memstore.New())

	w := e.do(t, "POST", "/users", "", map[string]any{"id": "u1", "name": "Ada", "tier": "premium"})
	require.Equal(t, http.StatusCreated, w.Code)
	w = e.do(t, "POST", "/users", "", map[string]any{"id": "u1", "name": "Ada"})
	require.Equal(t, http.StatusConflict, w.Code)
	w = e.do(t, "POST", "/users", "", map[string]any{"name": "Bob", "tier": "gold"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = e.do(t, "POST", "/messages", "u1", map[string]any{"content": "hi", "timing_strategy": "random"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = e.do(t, "GET", "/analytics/platform", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	p := decode[analytics.PlatformAnalytics](t, w)
	require.Equal(t, 1, p.Users.Premium)
	require.Equal(t, 9.99, p.Revenue.MRR)
	require.Equal(t, 1, p.Messages.ByStatus[core.StatusScheduled])

	w = e.do(t, "GET", "/analytics/growth", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	g := decode[[]analytics.GrowthPoint](t, w)
	require.Len(t, g, 30)
	require.Equal(t, 1, g[29].MessageCount)

	w = e.do(t, "GET", "/delivery/timeline?days=nope", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, decode[[]analytics.TimelinePoint](t, w), 30)

	for _, path := range []string{"/analytics/me", "/analytics/retention", "/delivery/stats", "/delivery/overdue", "/delivery/my-stats"} {
		w = e.do(t, "GET", path, "u1", nil)
		require.Equal(t, http.StatusOK, w.Code, path)
	}

	me := decode[analytics.UserDeliveryStats](t, e.do(t, "GET", "/delivery/my-stats", "u1", nil))
	require.Equal(t, 1, me.Scheduled)
	require.NotNil(t, me.NextDelivery)

	w = e.do(t, "GET", "/analytics/timeline", "u1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NotContains(t, w.Body.String(), `"content"`)
	tl := decode[[]analytics.MessageTimelineItem](t, w)
	require.Len(t, tl, 1)
	require.Equal(t, core.StrategyRandom, tl[0].Strategy)
	require.Empty(t, decode[[]analytics.MessageTimelineItem](t, e.do(t, "GET", "/analytics/timeline", "someone-else", nil)))
}

func TestReadiness(t *testing.T) {
	e := newEnv(t, memstore.New())
	e.srv.Ready = func(context.Context) error { return errors.New("db down") }
	h := e.srv.Router()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", api.SpecPath, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "title: "+api.Title)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/docs", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "<title>"+api.Title+"</title>")
	require.Contains(t, w.Body.String(), `spec-url="`+api.SpecPath+`"`)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestPostgresEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("container test")
	}
	pg := db.StartTestPostgres(t)
	e := newEnv(t, db.NewStore(pg))
	e.srv.Ready = pg.Pool.Ping
	h := e.srv.Router()

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/readyz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, "POST", "/users", "", map[string]any{"id": "acme", "name": "Acme", "email": "a@example.com"})
	require.Equal(t, http.StatusCreated, w.Code)

	due := t0.Add(2 * time.Hour)
	w = e.do(t, "POST", "/messages", "acme", map[string]any{"content": "hello later", "timing_strategy": "specific_date", "scheduled_for": due})
	require.Equal(t, http.StatusCreated, w.Code)
	id := decode[messageBody](t, w).ID

	e.clock.Set(due)
	_, err := e.scheduler.Sweep(context.Background())
	require.NoError(t, err)

	w = e.do(t, "GET", "/messages/"+id, "acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[messageBody](t, w)
	require.Equal(t, core.StatusDelivered, m.Status)
	require.True(t, m.DeliveredAt.Equal(due))

	w = e.do(t, "GET", "/delivery/stats", "acme", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 1, decode[analytics.DeliveryStats](t, w).DeliveredToday)
}
