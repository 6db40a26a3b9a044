package matching

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxg56/matcha/internal/cache"
)

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

const testAdminToken = "test-admin-token-0123"

func newTestRouter(t *testing.T) *mux.Router {
	t.Helper()
	repo := NewMemoryRepository()
	seedScenario(repo)
	mem := cache.NewMemory(time.Hour)
	t.Cleanup(func() { mem.Close() })

	cfg := DefaultConfig()
	cfg.Random = fixedRandom(0.5)

	router := mux.NewRouter()
	RegisterRoutes(router, NewHandler(NewService(repo, mem, cfg)), NewAdminMiddleware(testAdminToken))
	return router
}

func doRequest(t *testing.T, router http.Handler, method, target, userID, body string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestPotentialMatchesEndpoint(t *testing.T) {
	router := newTestRouter(t)

	code, resp := doRequest(t, router, "GET", "/api/v1/matches/potential?limit=5&max_distance=50", "1", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	assert.True(t, resp.Success)

	var body PotentialMatchesResponse
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, []int64{2}, candidateIDs(body.Matches))

	code, resp = doRequest(t, router, "GET", "/api/v1/matches/potential?min_age=18&max_age=45", "1", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, &body))
	assert.Equal(t, 3, body.Count)
}

func TestPotentialMatchesBadInput(t *testing.T) {
	router := newTestRouter(t)

	cases := map[string]int{
		"/api/v1/matches/potential?limit=abc":               http.StatusBadRequest,
		"/api/v1/matches/potential?limit=1000":              http.StatusBadRequest,
		"/api/v1/matches/potential?max_distance=-4":         http.StatusBadRequest,
		"/api/v1/matches/potential?min_age=20":              http.StatusBadRequest,
		"/api/v1/matches/potential?min_age=40&max_age=30":   http.StatusBadRequest,
		"/api/v1/matches/potential?min_age=x&max_age=30":    http.StatusBadRequest,
		"/api/v1/matches/potential?max_distance=far&limit=": http.StatusBadRequest,
	}
	for target, want := range cases {
		code, resp := doRequest(t, router, "GET", target, "1", "")
		assert.Equalf(t, want, code, "%s: %s", target, resp.Error)
		assert.False(t, resp.Success)
	}

	code, _ := doRequest(t, router, "GET", "/api/v1/matches/potential", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = doRequest(t, router, "GET", "/api/v1/matches/potential", "99", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestInteractionEndpoints(t *testing.T) {
	router := newTestRouter(t)

	code, resp := doRequest(t, router, "POST", "/api/v1/interactions", "1", `{"target_user_id":2,"interaction_type":"like"}`)
	require.Equal(t, http.StatusOK, code, resp.Error)
	var result InteractionResult
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.False(t, result.Match)

	code, resp = doRequest(t, router, "POST", "/api/v1/interactions", "2", `{"target_user_id":1,"interaction_type":"like"}`)
	require.Equal(t, http.StatusOK, code, resp.Error)
	require.NoError(t, json.Unmarshal(resp.Data, &result))
	assert.True(t, result.Match)
	assert.True(t, result.Created)

	code, resp = doRequest(t, router, "GET", "/api/v1/matches", "1", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	var matches MatchesResponse
	require.NoError(t, json.Unmarshal(resp.Data, &matches))
	require.Equal(t, 1, matches.Count)
	assert.Equal(t, int64(2), matches.Matches[0].UserID)

	code, resp = doRequest(t, router, "GET", "/api/v1/preferences", "1", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	var pref Preference
	require.NoError(t, json.Unmarshal(resp.Data, &pref))
	assert.Equal(t, 1, pref.TotalLikes)
	assert.Len(t, pref.Vector, 20)
}

func TestInteractionEndpointRejectsBadPayloads(t *testing.T) {
	router := newTestRouter(t)

	cases := map[string]int{
		`{"target_user_id":"two","interaction_type":"like"}`:  http.StatusBadRequest,
		`{"target_user_id":2,"interaction_type":"superlike"}`: http.StatusBadRequest,
		`{"interaction_type":"like"}`:                         http.StatusBadRequest,
		`{"target_user_id":1,"interaction_type":"like"}`:      http.StatusBadRequest,
		`{"target_user_id":99,"interaction_type":"pass"}`:     http.StatusNotFound,
	}
	for body, want := range cases {
		code, resp := doRequest(t, router, "POST", "/api/v1/interactions", "1", body)
		assert.Equalf(t, want, code, "%s: %s", body, resp.Error)
	}
}

func TestCompatibilityEndpoint(t *testing.T) {
	router := newTestRouter(t)

	code, resp := doRequest(t, router, "GET", "/api/v1/compatibility/2", "1", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	var compat Compatibility
	require.NoError(t, json.Unmarshal(resp.Data, &compat))
	assert.Equal(t, int64(1), compat.UserID)
	assert.Equal(t, int64(2), compat.TargetUserID)
	assert.GreaterOrEqual(t, compat.Score, 0.0)
	assert.LessOrEqual(t, compat.Score, 1.0)

	code, _ = doRequest(t, router, "GET", "/api/v1/compatibility/abc", "1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, router, "GET", "/api/v1/compatibility/1", "1", "")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = doRequest(t, router, "GET", "/api/v1/compatibility/99", "1", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReceivedLikesAndUnlikeEndpoints(t *testing.T) {
	router := newTestRouter(t)

	code, resp := doRequest(t, router, "POST", "/api/v1/interactions", "2", `{"target_user_id":1,"interaction_type":"like"}`)
	require.Equal(t, http.StatusOK, code, resp.Error)
	code, resp = doRequest(t, router, "POST", "/api/v1/interactions", "1", `{"target_user_id":2,"interaction_type":"like"}`)
	require.Equal(t, http.StatusOK, code, resp.Error)

	code, resp = doRequest(t, router, "GET", "/api/v1/matches/received-likes", "1", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	var likes ReceivedLikesResponse
	require.NoError(t, json.Unmarshal(resp.Data, &likes))
	require.Equal(t, 1, likes.Count)
	assert.Equal(t, int64(2), likes.Likes[0].UserID)
	assert.True(t, likes.Likes[0].IsMutual)

	code, resp = doRequest(t, router, "POST", "/api/v1/matches/2/unlike", "1", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	var unliked UnlikeResult
	require.NoError(t, json.Unmarshal(resp.Data, &unliked))
	assert.True(t, unliked.Unmatched)

	code, resp = doRequest(t, router, "GET", "/api/v1/matches", "2", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	var matches MatchesResponse
	require.NoError(t, json.Unmarshal(resp.Data, &matches))
	assert.Zero(t, matches.Count)

	code, _ = doRequest(t, router, "POST", "/api/v1/matches/2/unlike", "1", "")
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = doRequest(t, router, "POST", "/api/v1/matches/abc/unlike", "1", "")
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doRequest(t, router, "GET", "/api/v1/matches/received-likes", "", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCompatibleMatrixEndpoint(t *testing.T) {
	router := newTestRouter(t)

	code, resp := doRequest(t, router, "GET", "/api/v1/matrix/compatible", "1", "")
	require.Equal(t, http.StatusOK, code, resp.Error)
	var matrix CompatibleMatrix
	require.NoError(t, json.Unmarshal(resp.Data, &matrix))
	assert.Equal(t, int64(1), matrix.UserID)
	assert.Len(t, matrix.Vector, 20)
	assert.Len(t, matrix.Vectors, len(matrix.UserIDs))
	assert.ElementsMatch(t, []int64{2, 5, 7}, matrix.UserIDs)

	code, _ = doRequest(t, router, "GET", "/api/v1/matrix/compatible", "99", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func doAdminRequest(t *testing.T, router http.Handler, method, target, token string) (int, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set(AdminTokenHeader, token)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return rec.Code, resp
}

func TestAdminEndpoints(t *testing.T) {
	router := newTestRouter(t)

	code, _ := doAdminRequest(t, router, "GET", "/api/v1/admin/stats", "")
	assert.Equal(t, http.StatusForbidden, code)
	code, _ = doAdminRequest(t, router, "POST", "/api/v1/admin/cache/clear", "wrong-token")
	assert.Equal(t, http.StatusForbidden, code)

	code, resp := doRequest(t, router, "POST", "/api/v1/interactions", "1", `{"target_user_id":2,"interaction_type":"pass"}`)
	require.Equal(t, http.StatusOK, code, resp.Error)

	code, resp = doAdminRequest(t, router, "GET", "/api/v1/admin/stats", testAdminToken)
	require.Equal(t, http.StatusOK, code, resp.Error)
	var stats PerformanceStats
	require.NoError(t, json.Unmarshal(resp.Data, &stats))
	require.NotNil(t, stats.Store)
	assert.Equal(t, int64(1), stats.Store.Interactions)
	assert.Equal(t, "memory", stats.CacheBackend)
	assert.Equal(t, AlgorithmVectorBased, stats.Algorithm)
	assert.Equal(t, 20, stats.Dimensions)

	code, resp = doAdminRequest(t, router, "POST", "/api/v1/admin/cache/clear", testAdminToken)
	require.Equal(t, http.StatusOK, code, resp.Error)
}

func TestAdminRoutesDisabledWithoutToken(t *testing.T) {
	repo := NewMemoryRepository()
	seedScenario(repo)
	router := mux.NewRouter()
	RegisterRoutes(router, NewHandler(NewService(repo, nil, DefaultConfig())), NewAdminMiddleware(""))

	req := httptest.NewRequest("GET", "/api/v1/admin/stats", nil)
	req.Header.Set(AdminTokenHeader, "")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
