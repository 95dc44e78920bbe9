package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	iauth "github.com/objectwire/objectwire/internal/auth"
	"github.com/objectwire/objectwire/internal/database"
	"github.com/objectwire/objectwire/internal/models"
	"github.com/objectwire/objectwire/internal/schema"
	"github.com/objectwire/objectwire/internal/store"
)

// postAccess gates the test Post entity: everyone with a session may read,
// only user-authenticated sessions may edit text, the "secret" attribute is
// visible to first-party clients only, and "like" increments the counter.
type postAccess struct {
	schema.OpenAccess
}

func (postAccess) PermissionForResource(_ *schema.Resource, session *models.Session) schema.Permission {
	if session == nil {
		return schema.NoAccess
	}
	return schema.Edit
}

func (postAccess) PermissionForProperty(_ *schema.Resource, name string, session *models.Session) schema.Permission {
	switch name {
	case "secret":
		if session != nil && session.Client != nil && session.Client.FirstParty {
			return schema.Edit
		}
		return schema.NoAccess
	case "text":
		if session.Authenticated() {
			return schema.Edit
		}
		return schema.ReadOnly
	default:
		return schema.Edit
	}
}

func (postAccess) ValidateValue(name string, value any) bool {
	switch name {
	case "text":
		s, ok := value.(string)
		return ok && s != ""
	case "views":
		n, ok := schema.NormalizeID(value)
		return ok && n >= 0
	default:
		return true
	}
}

func (postAccess) CanPerformFunction(name string, session *models.Session) bool {
	return name != "purge" || session.Authenticated()
}

func (postAccess) PerformFunction(ctx context.Context, res *schema.Resource, name string, payload map[string]any, mutator schema.Mutator) (schema.FunctionCode, map[string]any) {
	switch name {
	case "like":
		likes, _ := schema.NormalizeID(res.Value("likes"))
		if err := mutator.Apply(ctx, res, map[string]any{"likes": likes + 1}); err != nil {
			return schema.FunctionInternalError, nil
		}
		return schema.FunctionSuccess, map[string]any{"likes": likes + 1}
	case "purge":
		return schema.FunctionSuccess, nil
	default:
		return schema.FunctionInvalidInput, nil
	}
}

func testServerRegistry(t *testing.T) *schema.Registry {
	t.Helper()

	registry := schema.NewRegistry()
	require.NoError(t, registry.Register(&schema.Entity{
		Name:                      "Post",
		Path:                      "posts",
		IdentityAttribute:         "id",
		RequiresSession:           true,
		RequiredInitialProperties: []string{"text"},
		Attributes: map[string]schema.Attribute{
			"text":   {Type: schema.String},
			"slug":   {Type: schema.String, Unique: true},
			"views":  {Type: schema.Integer},
			"likes":  {Type: schema.Integer},
			"secret": {Type: schema.String},
		},
		Functions: []string{"like", "purge"},
	}, postAccess{}))

	require.NoError(t, registry.Register(&schema.Entity{
		Name:              "Note",
		Path:              "notes",
		IdentityAttribute: "id",
		Attributes: map[string]schema.Attribute{
			"body": {Type: schema.String},
		},
	}, schema.OpenAccess{}))

	return registry
}

type testEnv struct {
	router   http.Handler
	db       *gorm.DB
	store    *store.ObjectStore
	events   *[]schema.Event
	client   *models.Client
	partner  *models.Client
	user     *models.User
	registry *schema.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	registry := testServerRegistry(t)

	objects, err := store.Open(db, registry, filepath.Join(t.TempDir(), "lastids.json"))
	require.NoError(t, err)

	sessions, err := iauth.NewSessionService(db, iauth.Config{})
	require.NoError(t, err)

	events := &[]schema.Event{}
	srv, err := New(registry, objects, sessions, Config{
		Observer: schema.ObserverFunc(func(ev schema.Event) {
			*events = append(*events, ev)
		}),
	})
	require.NoError(t, err)

	client := &models.Client{Name: "first-party", Secret: "fp-secret", FirstParty: true}
	require.NoError(t, db.Create(client).Error)
	partner := &models.Client{Name: "partner", Secret: "partner-secret"}
	require.NoError(t, db.Create(partner).Error)

	user := &models.User{Username: "alice"}
	require.NoError(t, user.SetPassword("password123"))
	require.NoError(t, db.Create(user).Error)

	return &testEnv{
		router:   srv.Router(),
		db:       db,
		store:    objects,
		events:   events,
		client:   client,
		partner:  partner,
		user:     user,
		registry: registry,
	}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) login(t *testing.T, client *models.Client, username, password string) string {
	t.Helper()

	body := map[string]any{"client_id": client.ID, "client_secret": client.Secret}
	if username != "" {
		body["username"] = username
		body["password"] = password
	}

	rec := e.do(t, http.MethodPost, "/login", "", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["token"])
	return resp["token"]
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestLoginRejectsWrongSecret(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/login", "", map[string]any{
		"client_id":     env.client.ID,
		"client_secret": "wrong",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var count int64
	require.NoError(t, env.db.Model(&models.Session{}).Count(&count).Error)
	require.Zero(t, count)
}

func TestGetRequiresSession(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/posts/5", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCreateAndGetFiltered(t *testing.T) {
	env := newTestEnv(t)
	fpToken := env.login(t, env.client, "alice", "password123")
	partnerToken := env.login(t, env.partner, "", "")

	rec := env.do(t, http.MethodPost, "/posts", fpToken, map[string]any{
		"text":   "hello",
		"views":  1,
		"secret": "internal",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	require.EqualValues(t, 1, created["id"])

	// First-party sessions see every field.
	rec = env.do(t, http.MethodGet, "/posts/1", fpToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "hello", body["text"])
	require.Equal(t, "internal", body["secret"])

	// Partner sessions get the secret attribute omitted, not nulled.
	rec = env.do(t, http.MethodGet, "/posts/1", partnerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	require.Equal(t, "hello", body["text"])
	_, present := body["secret"]
	require.False(t, present)
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "alice", "password123")

	// Missing required property.
	rec := env.do(t, http.MethodPost, "/posts", token, map[string]any{"views": 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// One invalid value rejects the whole payload; nothing is persisted.
	rec = env.do(t, http.MethodPost, "/posts", token, map[string]any{
		"text":  "ok",
		"views": -3,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	count, err := env.store.Count(context.Background(), "Post")
	require.NoError(t, err)
	require.Zero(t, count)

	// Unknown properties are rejected, not silently ignored.
	rec = env.do(t, http.MethodPost, "/posts", token, map[string]any{
		"text":  "ok",
		"bogus": true,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateConflictOnUniqueAttribute(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "alice", "password123")

	rec := env.do(t, http.MethodPost, "/posts", token, map[string]any{"text": "a", "slug": "dup"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/posts", token, map[string]any{"text": "b", "slug": "dup"})
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestEditForbiddenFieldLeavesValueUnchanged(t *testing.T) {
	env := newTestEnv(t)
	userToken := env.login(t, env.client, "alice", "password123")
	clientToken := env.login(t, env.partner, "", "")

	rec := env.do(t, http.MethodPost, "/posts", userToken, map[string]any{"text": "original"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Client-only sessions hold ReadOnly on text; the edit is forbidden.
	rec = env.do(t, http.MethodPut, "/posts/1", clientToken, map[string]any{"text": "hijacked"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	res, err := env.store.Fetch(context.Background(), "Post", 1)
	require.NoError(t, err)
	require.Equal(t, "original", res.Value("text"))
}

func TestEditAllOrNothing(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "alice", "password123")

	rec := env.do(t, http.MethodPost, "/posts", token, map[string]any{"text": "v1", "views": 0})
	require.Equal(t, http.StatusOK, rec.Code)

	// views=-1 is invalid; the valid text change must not be applied either.
	rec = env.do(t, http.MethodPut, "/posts/1", token, map[string]any{
		"text":  "v2",
		"views": -1,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	res, err := env.store.Fetch(context.Background(), "Post", 1)
	require.NoError(t, err)
	require.Equal(t, "v1", res.Value("text"))
	views, _ := schema.NormalizeID(res.Value("views"))
	require.Zero(t, views)
}

func TestEditApplied(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "alice", "password123")

	rec := env.do(t, http.MethodPost, "/posts", token, map[string]any{"text": "v1"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/posts/1", token, map[string]any{"text": "v2", "views": 7})
	require.Equal(t, http.StatusOK, rec.Code)

	res, err := env.store.Fetch(context.Background(), "Post", 1)
	require.NoError(t, err)
	require.Equal(t, "v2", res.Value("text"))
}

func TestDelete(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "alice", "password123")

	rec := env.do(t, http.MethodPost, "/posts", token, map[string]any{"text": "bye"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/posts/1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/posts/1", token, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFunctionLikeIncrementsExactlyOnce(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "alice", "password123")

	rec := env.do(t, http.MethodPost, "/posts", token, map[string]any{"text": "likeable", "likes": 0})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/posts/1/like", token, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.EqualValues(t, 1, body["likes"])

	res, err := env.store.Fetch(context.Background(), "Post", 1)
	require.NoError(t, err)
	likes, _ := schema.NormalizeID(res.Value("likes"))
	require.Equal(t, int64(1), likes)
}

func TestFunctionErrors(t *testing.T) {
	env := newTestEnv(t)
	userToken := env.login(t, env.client, "alice", "password123")
	clientToken := env.login(t, env.partner, "", "")

	rec := env.do(t, http.MethodPost, "/posts", userToken, map[string]any{"text": "x"})
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown function name.
	rec = env.do(t, http.MethodPost, "/posts/1/explode", userToken, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Declared but denied for client-only sessions.
	rec = env.do(t, http.MethodPost, "/posts/1/purge", clientToken, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	// Unknown resource.
	rec = env.do(t, http.MethodPost, "/posts/99/like", userToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchReturnsVisibleIDsOnly(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "alice", "password123")

	for i := 0; i < 4; i++ {
		rec := env.do(t, http.MethodPost, "/posts", token, map[string]any{
			"text":  fmt.Sprintf("post %d", i),
			"views": i * 10,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/search/posts", token, map[string]any{
		"key":      "views",
		"operator": ">=",
		"value":    10,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var ids []int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	require.Equal(t, []int64{2, 3, 4}, ids)

	// Limit and offset apply after permission filtering.
	rec = env.do(t, http.MethodPost, "/search/posts", token, map[string]any{
		"key":          "views",
		"operator":     ">=",
		"value":        0,
		"fetch_offset": 1,
		"fetch_limit":  2,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ids))
	require.Equal(t, []int64{2, 3}, ids)
}

func TestSearchRejectsDisallowedOperator(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "", "")

	rec := env.do(t, http.MethodPost, "/search/posts", token, map[string]any{
		"key":      "text",
		"operator": "regex",
		"value":    ".*",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnonymousEntityAllowsRequestsWithoutToken(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/notes", "", map[string]any{"body": "anyone"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/notes/1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	require.Equal(t, "anyone", body["body"])
}

func TestLifecycleEventsEmitted(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "alice", "password123")

	rec := env.do(t, http.MethodPost, "/posts", token, map[string]any{"text": "observed"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/posts/1", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, "/posts/1", token, map[string]any{"text": "observed twice"})
	require.Equal(t, http.StatusOK, rec.Code)

	kinds := make(map[schema.EventKind]int)
	for _, ev := range *env.events {
		kinds[ev.Kind]++
	}
	require.Equal(t, 1, kinds[schema.EventCreated])
	require.Equal(t, 1, kinds[schema.EventAccessed])
	require.Equal(t, 1, kinds[schema.EventEdited])
	require.Equal(t, 1, kinds[schema.EventPropertyEdited])
	require.GreaterOrEqual(t, kinds[schema.EventPropertyAccessed], 1)
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, env.client, "", "")

	rec := env.do(t, http.MethodPost, "/logout", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The token no longer resolves; the entity requires a session.
	rec = env.do(t, http.MethodGet, "/posts/1", token, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
