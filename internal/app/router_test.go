package app

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-webinar/capacity/config"
	"github.com/aura-webinar/capacity/internal/auth"
	"github.com/aura-webinar/capacity/internal/models"
	"github.com/aura-webinar/capacity/internal/storage/memory"
)

func init() { gin.SetMode(gin.TestMode) }

type testAPI struct {
	t          *testing.T
	router     *gin.Engine
	core       *Core
	mr         *miniredis.Miniredis
	adminToken string
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := &config.Config{
		Server: config.ServerConfig{CORSAllowedOrigins: "*"},
		Capacity: config.CapacityConfig{
			StorageDriver:             config.StorageDriverMemory,
			SweepInterval:             time.Minute,
			ReconcileInterval:         time.Minute,
			DefaultReservationTimeout: 15,
		},
	}
	core := NewCore(MemoryStores(memory.NewStore()), rdb, cfg.Capacity, nil)
	jwtService := auth.NewJWTService("test-secret", 1)
	token, err := jwtService.Generate(uuid.New(), models.RoleAdmin)
	require.NoError(t, err)

	return &testAPI{t: t, router: NewRouter(core, jwtService, cfg, nil), core: core, mr: mr, adminToken: token}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (a *testAPI) do(method, path string, body interface{}, admin bool) (int, envelope) {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if admin {
		req.Header.Set("Authorization", "Bearer "+a.adminToken)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func register(userID uuid.UUID, name string) gin.H {
	return gin.H{"user_id": userID, "full_name": name, "email": name + "@example.com"}
}

func TestAPI_RegistrationFlow(t *testing.T) {
	a := newTestAPI(t)
	event := uuid.New()
	base := "/events/" + event.String()

	code, _ := a.do(http.MethodPut, base+"/capacity", gin.H{"max_capacity": 1}, false)
	assert.Equal(t, http.StatusUnauthorized, code)
	code, env := a.do(http.MethodPut, base+"/capacity", gin.H{"max_capacity": 1}, true)
	require.Equal(t, http.StatusOK, code, env.Error)

	first, second := uuid.New(), uuid.New()
	code, env = a.do(http.MethodPost, base+"/registrations", register(first, "ann"), false)
	require.Equal(t, http.StatusCreated, code, env.Error)
	assert.Equal(t, models.OutcomeConfirmed, decode[map[string]interface{}](t, env)["status"])

	code, env = a.do(http.MethodPost, base+"/registrations", register(first, "ann"), false)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, models.KindConflict.String(), env.Code)

	code, env = a.do(http.MethodPost, base+"/registrations", register(second, "bob"), false)
	require.Equal(t, http.StatusAccepted, code, env.Error)
	waitlisted := decode[map[string]interface{}](t, env)
	assert.Equal(t, models.OutcomeWaitlisted, waitlisted["status"])
	assert.EqualValues(t, 1, waitlisted["position"])

	code, env = a.do(http.MethodGet, base+"/waitlist/"+second.String(), nil, false)
	require.Equal(t, http.StatusOK, code, env.Error)
	assert.Zero(t, decode[models.WaitlistPosition](t, env).UsersAhead)

	code, env = a.do(http.MethodGet, base+"/capacity", nil, false)
	require.Equal(t, http.StatusOK, code)
	info := decode[models.CapacityInfo](t, env)
	assert.Equal(t, 1, info.ConfirmedCount)
	assert.Zero(t, info.Available)
	assert.Equal(t, 1, info.WaitlistSize)

	code, _ = a.do(http.MethodDelete, base+"/registrations/"+first.String(), nil, false)
	require.Equal(t, http.StatusOK, code)

	code, env = a.do(http.MethodGet, base+"/registrations/"+second.String(), nil, false)
	require.Equal(t, http.StatusOK, code, env.Error)
	reg := decode[models.Registration](t, env)
	assert.Equal(t, models.RegistrationStatusConfirmed, reg.Status)
	assert.Equal(t, models.RegistrationSourceWaitlist, reg.Source)

	code, env = a.do(http.MethodGet, base+"/registrations?status=confirmed", nil, true)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]models.Registration](t, env), 1)
}

func TestAPI_BadInput(t *testing.T) {
	a := newTestAPI(t)

	code, env := a.do(http.MethodPost, "/events/not-a-uuid/registrations", register(uuid.New(), "ann"), false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, models.KindValidation.String(), env.Code)

	code, _ = a.do(http.MethodPost, "/events/"+uuid.NewString()+"/registrations", gin.H{"user_id": "x"}, false)
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = a.do(http.MethodGet, "/events/"+uuid.NewString()+"/capacity", nil, false)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, models.KindNotFound.String(), env.Code)

	code, _ = a.do(http.MethodDelete, "/events/"+uuid.NewString()+"/waitlist/"+uuid.NewString(), nil, false)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAPI_GroupFlow(t *testing.T) {
	a := newTestAPI(t)
	event := uuid.New()
	code, env := a.do(http.MethodPut, "/events/"+event.String()+"/capacity", gin.H{"max_capacity": 10}, true)
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = a.do(http.MethodPost, "/events/"+event.String()+"/groups", gin.H{
		"leader_id":        uuid.New(),
		"leader_email":     "lead@example.com",
		"group_name":       "Team",
		"min_size":         2,
		"max_size":         3,
		"price_per_person": 19.99,
	}, false)
	require.Equal(t, http.StatusCreated, code, env.Error)
	groupID := decode[map[string]interface{}](t, env)["group_id"].(string)
	base := "/groups/" + groupID

	member := func(name string) gin.H {
		return gin.H{"user_id": uuid.New(), "name": name, "email": name + "@example.com"}
	}
	code, env = a.do(http.MethodPost, base+"/members", member("ann"), false)
	require.Equal(t, http.StatusCreated, code, env.Error)

	code, env = a.do(http.MethodPost, base+"/confirm", nil, false)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, models.KindValidation.String(), env.Code)

	code, env = a.do(http.MethodPost, base+"/members", member("bob"), false)
	require.Equal(t, http.StatusCreated, code, env.Error)

	code, env = a.do(http.MethodPost, base+"/confirm", nil, false)
	require.Equal(t, http.StatusOK, code, env.Error)
	confirmed := decode[map[string]interface{}](t, env)
	assert.Equal(t, models.GroupStatusConfirmed, confirmed["status"])
	assert.InDelta(t, 39.98, confirmed["total_amount"], 0.001)

	code, env = a.do(http.MethodPost, base+"/members", member("cat"), false)
	assert.Equal(t, http.StatusConflict, code)

	code, env = a.do(http.MethodGet, "/events/"+event.String()+"/capacity", nil, false)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, 2, decode[models.CapacityInfo](t, env).ConfirmedCount)
}

func TestAPI_Ready(t *testing.T) {
	a := newTestAPI(t)
	code, _ := a.do(http.MethodGet, "/ready", nil, false)
	assert.Equal(t, http.StatusOK, code)

	a.mr.Close()
	code, _ = a.do(http.MethodGet, "/ready", nil, false)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAPI_ReconcileRequiresAdmin(t *testing.T) {
	a := newTestAPI(t)
	event := uuid.New()
	code, _ := a.do(http.MethodPut, "/events/"+event.String()+"/capacity", gin.H{"max_capacity": 5}, true)
	require.Equal(t, http.StatusOK, code)

	code, _ = a.do(http.MethodPost, "/events/"+event.String()+"/capacity/reconcile", nil, false)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, env := a.do(http.MethodPost, "/events/"+event.String()+"/capacity/reconcile", nil, true)
	require.Equal(t, http.StatusOK, code, env.Error)
	res := decode[models.ReconcileResult](t, env)
	assert.Equal(t, event, res.EventID)
	assert.Zero(t, res.Drift)
}
