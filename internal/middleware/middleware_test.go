package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/aura-webinar/capacity/internal/auth"
	"github.com/aura-webinar/capacity/internal/models"
)

func init() { gin.SetMode(gin.TestMode) }

func newRouter(jwtService *auth.JWTService, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(Logger(logger))
	admin := r.Group("/admin", JWT(jwtService), RequireRole(logger, models.RoleAdmin))
	admin.GET("/ping", func(c *gin.Context) {
		id, _ := CallerID(c)
		c.String(http.StatusOK, id.String())
	})
	return r
}

func do(r http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAndRole(t *testing.T) {
	jwtService := auth.NewJWTService("secret", 1)
	r := newRouter(jwtService, zap.NewNop())

	adminID := uuid.New()
	adminToken, err := jwtService.Generate(adminID, models.RoleAdmin)
	require.NoError(t, err)
	organizerToken, err := jwtService.Generate(uuid.New(), models.RoleOrganizer)
	require.NoError(t, err)
	foreignToken, err := auth.NewJWTService("other", 1).Generate(uuid.New(), models.RoleAdmin)
	require.NoError(t, err)

	w := do(r, adminToken)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, adminID.String(), w.Body.String())

	assert.Equal(t, http.StatusUnauthorized, do(r, "").Code)
	assert.Equal(t, http.StatusUnauthorized, do(r, foreignToken).Code)
	assert.Equal(t, http.StatusForbidden, do(r, organizerToken).Code)
}

func TestLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	jwtService := auth.NewJWTService("secret", 1)
	r := newRouter(jwtService, zap.New(core))

	do(r, "")
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Equal(t, int64(http.StatusUnauthorized), entry.ContextMap()["status"])
}

func TestRequireRoleLogsDenial(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	jwtService := auth.NewJWTService("secret", 1)
	r := newRouter(jwtService, zap.New(core))

	organizerID := uuid.New()
	token, err := jwtService.Generate(organizerID, models.RoleOrganizer)
	require.NoError(t, err)
	w := do(r, token)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "requires role admin")

	denied := logs.FilterMessage("role denied").All()
	require.Len(t, denied, 1)
	fields := denied[0].ContextMap()
	assert.Equal(t, models.RoleOrganizer, fields["role"])
	assert.Equal(t, organizerID.String(), fields["caller_id"])
	assert.Equal(t, "/admin/ping", fields["route"])
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS("http://localhost:3000/, https://app.example.com"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
