package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-meetup/internal/clock"
	"github.com/npezzotti/go-meetup/internal/config"
	"github.com/npezzotti/go-meetup/internal/coordinator"
	"github.com/npezzotti/go-meetup/internal/database"
	"github.com/npezzotti/go-meetup/internal/store"
	"github.com/npezzotti/go-meetup/internal/testutil"
	"github.com/npezzotti/go-meetup/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var (
	testStart  = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	testKey    = []byte("test-signing-key")
	testOrigin = "http://localhost:3000"
)

type fakeWs struct {
	users chan types.User
}

func (f *fakeWs) Serve(conn *websocket.Conn, user types.User) {
	f.users <- user
	conn.Close()
}

type testApp struct {
	app    *GoMeetupApp
	repo   *store.RoomRepository
	ws     *fakeWs
	roomId string
}

func newTestApp(t *testing.T, history database.CallHistoryRepository) *testApp {
	t.Helper()
	logger := testutil.TestLogger(t)
	s := store.NewMemoryStore()
	t.Cleanup(func() { s.Close() })
	repo := store.NewRoomRepository(s, clock.NewMock(testStart))
	coord := coordinator.New(coordinator.Config{}, repo, nil, coordinator.WithLogger(logger))

	cfg := &config.Config{
		Server:     config.ServerConfig{Addr: ":0", AllowedOrigins: []string{testOrigin}},
		SigningKey: testKey,
	}
	ws := &fakeWs{users: make(chan types.User, 1)}

	ta := &testApp{
		app:  NewGoMeetupApp(http.NewServeMux(), logger, repo, coord, ws, history, cfg),
		repo: repo,
		ws:   ws,
	}

	room, err := repo.CreateRoom(context.Background(), store.CreateRoomParams{
		Name:         "standup",
		OwnerId:      "u1",
		OwnerDisplay: types.DisplayInfo{Name: "Ada"},
		Invitees:     []store.Invitee{{UserId: "u2", Display: types.DisplayInfo{Name: "Grace"}}},
	})
	require.NoError(t, err)
	ta.roomId = room.Id
	return ta
}

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func userToken(t *testing.T, userId string) string {
	return signToken(t, testKey, jwt.MapClaims{
		subjectClaim: userId,
		nameClaim:    "user " + userId,
		pictureClaim: "https://example.com/" + userId + ".png",
		"exp":        time.Now().Add(time.Hour).Unix(),
	})
}

func (ta *testApp) do(t *testing.T, method, target, userId string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	if userId != "" {
		req.Header.Set("Authorization", "Bearer "+userToken(t, userId))
	}
	rr := httptest.NewRecorder()
	ta.app.Handler().ServeHTTP(rr, req)
	return rr
}

func TestErrorHandler_PanicRecovery(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &GoMeetupApp{log: zerolog.New(buf)}

	panicHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(errors.New("test panic"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	app.errorHandler(panicHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "close", rr.Header().Get("Connection"))
	assert.Contains(t, buf.String(), "test panic")
}

func Test_errorHandler_NoPanic(t *testing.T) {
	app := &GoMeetupApp{log: zerolog.Nop()}

	called := false
	okHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	app.errorHandler(okHandler).ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", rr.Body.String())
	assert.True(t, called, "expected handler to be called")
}

func Test_authMiddleware(t *testing.T) {
	app := &GoMeetupApp{log: testutil.TestLogger(t), signingKey: testKey}

	var got types.User
	tokenHandler := func(w http.ResponseWriter, r *http.Request) {
		user, ok := UserFromContext(r.Context())
		if !ok {
			return
		}
		got = user
		w.WriteHeader(http.StatusOK)
	}

	expired := signToken(t, testKey, jwt.MapClaims{subjectClaim: "u1", "exp": time.Now().Add(-time.Minute).Unix()})
	wrongKey := signToken(t, []byte("other"), jwt.MapClaims{subjectClaim: "u1"})
	noSubject := signToken(t, testKey, jwt.MapClaims{nameClaim: "Ada"})

	tcases := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{
			name:   "bearer token",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+userToken(t, "u1")) },
			status: http.StatusOK,
		},
		{
			name:   "cookie token",
			setup:  func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: userToken(t, "u1")}) },
			status: http.StatusOK,
		},
		{
			name:   "missing token",
			setup:  func(r *http.Request) {},
			status: http.StatusUnauthorized,
		},
		{
			name:   "invalid token",
			setup:  func(r *http.Request) { r.AddCookie(&http.Cookie{Name: tokenCookieKey, Value: "invalid-token"}) },
			status: http.StatusUnauthorized,
		},
		{
			name:   "unsupported scheme",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Basic dTE6cHc=") },
			status: http.StatusUnauthorized,
		},
		{
			name:   "expired token",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+expired) },
			status: http.StatusUnauthorized,
		},
		{
			name:   "wrong signing key",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+wrongKey) },
			status: http.StatusUnauthorized,
		},
		{
			name:   "missing subject",
			setup:  func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+noSubject) },
			status: http.StatusUnauthorized,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			got = types.User{}
			rr := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)

			app.authMiddleware(tokenHandler).ServeHTTP(rr, req)

			assert.Equal(t, tc.status, rr.Code)
			if tc.status == http.StatusOK {
				assert.Equal(t, "u1", got.Id)
				assert.Equal(t, "user u1", got.Name)
				assert.Equal(t, "https://example.com/u1.png", got.PhotoURL)
				assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
			} else {
				assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Bearer")
				assert.Empty(t, got.Id, "expected handler not to run")
			}
		})
	}
}

func TestLogRequests(t *testing.T) {
	buf := &bytes.Buffer{}
	app := &GoMeetupApp{log: zerolog.New(buf)}

	h := app.logRequests(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("down"))
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/rooms?id=r1", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "GET", entry["method"])
	assert.Equal(t, "/api/rooms", entry["path"])
	assert.EqualValues(t, http.StatusServiceUnavailable, entry["status"])
	assert.EqualValues(t, 4, entry["size"])
}

func TestUserFromContext(t *testing.T) {
	_, ok := UserFromContext(context.Background())
	assert.False(t, ok)

	user, ok := UserFromContext(WithUser(context.Background(), types.User{Id: "u1"}))
	assert.True(t, ok)
	assert.Equal(t, "u1", user.Id)
}

func TestCreateRoom(t *testing.T) {
	ta := newTestApp(t, nil)

	t.Run("creates room with invitees", func(t *testing.T) {
		rr := ta.do(t, http.MethodPost, "/api/rooms", "u1", CreateRoomRequest{
			Name:     "planning",
			Invitees: []InviteeRequest{{UserId: "u2", Name: "Grace"}, {UserId: "u3"}},
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

		var room types.Room
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&room))
		assert.NotEmpty(t, room.Id)
		assert.Equal(t, "planning", room.Name)
		assert.Equal(t, "u1", room.OwnerId)
		assert.Equal(t, "user u1", room.OwnerName)
		require.Len(t, room.Members, 3)
		assert.True(t, room.Members["u1"].Accepted, "expected owner to be accepted")
		assert.True(t, room.Members["u2"].Invited)
		assert.False(t, room.Members["u2"].Accepted)

		stored, err := ta.repo.GetRoom(context.Background(), room.Id)
		require.NoError(t, err)
		assert.Len(t, stored.Members, 3)
	})

	tcases := []struct {
		name   string
		userId string
		body   any
		status int
	}{
		{name: "unauthenticated", body: CreateRoomRequest{Name: "x"}, status: http.StatusUnauthorized},
		{name: "invalid body", userId: "u1", body: "nope", status: http.StatusBadRequest},
		{name: "missing name", userId: "u1", body: CreateRoomRequest{}, status: http.StatusBadRequest},
		{name: "invitee without id", userId: "u1", body: CreateRoomRequest{Name: "x", Invitees: []InviteeRequest{{Name: "Bob"}}}, status: http.StatusBadRequest},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodPost, "/api/rooms", tc.userId, tc.body)
			assert.Equal(t, tc.status, rr.Code)

			var errResp ApiError
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&errResp))
			assert.Equal(t, tc.status, errResp.StatusCode)
		})
	}
}

func TestGetRoom(t *testing.T) {
	ta := newTestApp(t, nil)

	tcases := []struct {
		name   string
		target string
		userId string
		status int
	}{
		{name: "owner", target: "/api/rooms?id=" + ta.roomId, userId: "u1", status: http.StatusOK},
		{name: "invitee", target: "/api/rooms?id=" + ta.roomId, userId: "u2", status: http.StatusOK},
		{name: "stranger", target: "/api/rooms?id=" + ta.roomId, userId: "u9", status: http.StatusForbidden},
		{name: "unknown room", target: "/api/rooms?id=missing", userId: "u1", status: http.StatusNotFound},
		{name: "missing id", target: "/api/rooms", userId: "u1", status: http.StatusBadRequest},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			rr := ta.do(t, http.MethodGet, tc.target, tc.userId, nil)
			assert.Equal(t, tc.status, rr.Code)
			if tc.status == http.StatusOK {
				var room types.Room
				require.NoError(t, json.NewDecoder(rr.Body).Decode(&room))
				assert.Equal(t, ta.roomId, room.Id)
			}
		})
	}
}

func TestGetMembers(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()
	_, err := ta.repo.InviteMember(ctx, ta.roomId, store.Invitee{UserId: "u3"})
	require.NoError(t, err)
	require.NoError(t, ta.repo.SetMemberAccepted(ctx, ta.roomId, "u3", true))
	require.NoError(t, ta.repo.SetMemberInCall(ctx, ta.roomId, "u3", true))

	tcases := []struct {
		filter   string
		expected []string
	}{
		{filter: filterInvited, expected: []string{"u2"}},
		{filter: filterAccepted, expected: []string{"u1", "u3"}},
		{filter: filterInCall, expected: []string{"u3"}},
		{filter: filterAbsent, expected: []string{"u2"}},
	}

	for _, tc := range tcases {
		t.Run(tc.filter, func(t *testing.T) {
			rr := ta.do(t, http.MethodGet, "/api/rooms/members?id="+ta.roomId+"&filter="+tc.filter, "u2", nil)
			require.Equal(t, http.StatusOK, rr.Code)

			var members []types.Member
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&members))
			ids := make([]string, 0, len(members))
			for _, m := range members {
				ids = append(ids, m.UserId)
			}
			assert.Equal(t, tc.expected, ids)
		})
	}

	t.Run("full snapshot", func(t *testing.T) {
		rr := ta.do(t, http.MethodGet, "/api/rooms/members?id="+ta.roomId, "u1", nil)
		require.Equal(t, http.StatusOK, rr.Code)

		var snap types.MemberSnapshot
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&snap))
		assert.Equal(t, ta.roomId, snap.RoomId)
		assert.Len(t, snap.Accepted, 2)
		assert.Len(t, snap.InCall, 1)
	})

	t.Run("unknown filter", func(t *testing.T) {
		rr := ta.do(t, http.MethodGet, "/api/rooms/members?id="+ta.roomId+"&filter=everyone", "u1", nil)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("stranger", func(t *testing.T) {
		rr := ta.do(t, http.MethodGet, "/api/rooms/members?id="+ta.roomId, "u9", nil)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}

func TestGetHistoryFromStore(t *testing.T) {
	ta := newTestApp(t, nil)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		leftAt := testStart.Add(time.Duration(i) * time.Minute)
		require.NoError(t, ta.repo.FinalizeCallSession(ctx, types.CallSession{
			RoomId:          ta.roomId,
			UserId:          "u2",
			JoinedAt:        testStart,
			LeftAt:          &leftAt,
			DurationSeconds: uint64(i * 60),
		}))
	}

	rr := ta.do(t, http.MethodGet, "/api/rooms/history?room_id="+ta.roomId+"&limit=2", "u2", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var entries []types.CallHistoryEntry
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&entries))
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(180), entries[0].DurationSeconds, "expected newest first")
	assert.Equal(t, uint64(120), entries[1].DurationSeconds)

	rr = ta.do(t, http.MethodGet, "/api/rooms/history?room_id="+ta.roomId+"&user_id=u1", "u2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&entries))
	assert.Empty(t, entries)

	rr = ta.do(t, http.MethodGet, "/api/rooms/history?room_id="+ta.roomId+"&limit=abc", "u2", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestGetHistoryFromDatabase(t *testing.T) {
	history := &database.MockCallHistoryRepository{}
	defer history.AssertExpectations(t)
	ta := newTestApp(t, history)

	leftAt := testStart.Add(5 * time.Minute)
	history.On("ListCallRecords", mock.Anything, ta.roomId, "", 10).Return([]database.CallRecord{
		{Id: 1, RoomId: ta.roomId, UserId: "u2", JoinedAt: testStart, LeftAt: leftAt, DurationSeconds: 300},
	}, nil).Once()
	history.On("ListCallRecords", mock.Anything, ta.roomId, "u1", 0).Return(nil, errors.New("db down")).Once()

	rr := ta.do(t, http.MethodGet, "/api/rooms/history?room_id="+ta.roomId+"&limit=10", "u1", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var entries []types.CallHistoryEntry
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "u2", entries[0].UserId)
	assert.Equal(t, uint64(300), entries[0].DurationSeconds)
	assert.True(t, leftAt.Equal(entries[0].EndedAt))

	rr = ta.do(t, http.MethodGet, "/api/rooms/history?room_id="+ta.roomId+"&user_id=u1", "u1", nil)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		history := &database.MockCallHistoryRepository{}
		history.On("Ping", mock.Anything).Return(nil).Once()
		ta := newTestApp(t, history)

		rr := ta.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "OK", rr.Body.String())
		history.AssertExpectations(t)
	})

	t.Run("database down", func(t *testing.T) {
		history := &database.MockCallHistoryRepository{}
		history.On("Ping", mock.Anything).Return(errors.New("db error")).Once()
		ta := newTestApp(t, history)

		rr := ta.do(t, http.MethodGet, "/healthz", "", nil)
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})

	t.Run("store down", func(t *testing.T) {
		ms := &store.MockStore{}
		ms.On("Ping", mock.Anything).Return(errors.New("redis error")).Once()
		app := &GoMeetupApp{
			log:   testutil.TestLogger(t),
			rooms: store.NewRoomRepository(ms, clock.NewMock(testStart)),
		}

		rr := httptest.NewRecorder()
		app.healthCheck(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		ms.AssertExpectations(t)
	})
}

func TestServeWs(t *testing.T) {
	ta := newTestApp(t, nil)
	ts := httptest.NewServer(ta.app.Handler())
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	t.Run("authenticated", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+userToken(t, "u2"))
		header.Set("Origin", testOrigin)

		conn, _, err := websocket.DefaultDialer.Dial(url, header)
		require.NoError(t, err)
		defer conn.Close()

		select {
		case user := <-ta.ws.users:
			assert.Equal(t, "u2", user.Id)
			assert.Equal(t, "user u2", user.Name)
		case <-time.After(time.Second):
			t.Fatal("expected connection to be handed to the websocket server")
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+userToken(t, "u2"))
		header.Set("Origin", "https://evil.example")

		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})

	t.Run("unauthenticated", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestCORSPreflight(t *testing.T) {
	ta := newTestApp(t, nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/rooms", nil)
	req.Header.Set("Origin", testOrigin)
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr := httptest.NewRecorder()
	ta.app.Handler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, testOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
}
