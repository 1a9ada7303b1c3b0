package server

import (
	"bytes"
	"chatline/internal/auth"
	"chatline/internal/chat"
	"chatline/internal/storage"
	mytesting "chatline/internal/testing"
	"chatline/internal/testing/memstore"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

type fixture struct {
	t        *testing.T
	srv      *Server
	store    *memstore.Store
	svc      *chat.Service
	resolver *auth.Resolver
}

func bootstrapServer(t *testing.T, opts ...Option) *fixture {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	store := memstore.New()
	svc := chat.NewService(logger.Sugar(), store, chat.NewRegistry(logger.Sugar(), 64))
	resolver, err := auth.NewResolver(mytesting.RandString(), time.Hour)
	require.NoError(t, err)

	srv, err := NewServer(logger.Sugar(), svc, resolver, opts...)
	require.NoError(t, err)

	return &fixture{t: t, srv: srv, store: store, svc: svc, resolver: resolver}
}

func (f *fixture) user() (storage.User, string) {
	u, err := f.store.CreateUser(context.Background(), mytesting.RandString(), "")
	require.NoError(f.t, err)
	return u, f.token(u.ID)
}

func (f *fixture) token(id int64) string {
	token, err := f.resolver.Issue(id)
	require.NoError(f.t, err)
	return token
}

func (f *fixture) post(path, token, body string) *httptest.ResponseRecorder {
	req, err := http.NewRequest("POST", path, bytes.NewBufferString(body))
	require.NoError(f.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rr := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rr, req)
	return rr
}

func parse(t *testing.T, rr *httptest.ResponseRecorder) *fastjson.Value {
	require.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	v, err := fastjson.ParseBytes(rr.Body.Bytes())
	require.NoError(t, err)
	return v
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func statusOkHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func TestEnforcePOSTJSON(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestEnforcePOSTJSON_NotPOST(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("GET", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusMethodNotAllowed, rr.Code)
	require.Equal(t, "POST", rr.Header().Get("Allow"))
	require.Equal(t, http.StatusText(http.StatusMethodNotAllowed)+"\n", rr.Body.String())
}

func TestEnforcePOSTJSON_MalformedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "1:2\n+/-")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed Content-Type header\n", rr.Body.String())
}

func TestEnforcePOSTJSON_UnsupportedContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "text/plain")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	require.Equal(t, "Content-Type header must be application/json\n", rr.Body.String())
}

func TestEnforcePOSTJSON_NoContentType(t *testing.T) {
	t.Parallel()

	payload := bytes.NewBuffer([]byte(`{"username":"` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "application/json", req.Header.Get("Content-Type"))
}

func TestEnforcePOSTJSON_NoBody(t *testing.T) {
	t.Parallel()

	req, err := http.NewRequest("POST", "/", bytes.NewBuffer(nil))
	require.NoError(t, err)

	rr := httptest.NewRecorder()
	enforcePOSTJSON(http.HandlerFunc(statusOkHandler)).ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "No body provided\n", rr.Body.String())
}

func TestEnforcePOSTJSON_MalformedJSON(t *testing.T) {
	t.Parallel()

	// missing opening quotation mark after colon
	payload := bytes.NewBuffer([]byte(`{"username":` + mytesting.RandString() + `"}`))
	req, err := http.NewRequest("POST", "/", payload)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	handler := enforcePOSTJSON(http.HandlerFunc(statusOkHandler))

	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Malformed JSON\n", rr.Body.String())
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()

	resolver, err := auth.NewResolver("secret", time.Hour)
	require.NoError(t, err)

	var got int64
	handler := authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = identityFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}), resolver)

	token, err := resolver.Issue(5)
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.EqualValues(t, 5, got)
}

func TestAuthenticate_BadToken(t *testing.T) {
	t.Parallel()

	resolver, err := auth.NewResolver("secret", time.Hour)
	require.NoError(t, err)
	handler := authenticate(http.HandlerFunc(statusOkHandler), resolver)

	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	rr := f.post("/users/add", "", `{"username":"alice","avatar":"/a.png"}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	v := parse(t, rr)
	id := v.GetInt64("id")
	require.NotZero(t, id)
	require.NotEmpty(t, v.GetStringBytes("code"))

	uid, err := f.resolver.Verify(string(v.GetStringBytes("token")))
	require.NoError(t, err)
	require.Equal(t, id, uid)

	u, err := f.store.UserByID(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)
	require.Equal(t, "/a.png", u.AvatarRef)
}

func TestCreateUserNoUsernameField(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	rr := f.post("/users/add", "", `{"name":"alice"}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"username\"\n", rr.Body.String())
}

func TestCreateUserBlankUsername(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	rr := f.post("/users/add", "", `{"username":""}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"username\" must have non-zero length\n", rr.Body.String())
}

func TestCreateUserNullUsername(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	rr := f.post("/users/add", "", `{"username":null}`)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"username\" must be a string\n", rr.Body.String())
}

func TestCreateUserInternalOnCreateUserCall(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	f.store.SetFail(errors.New("connection refused"))
	rr := f.post("/users/add", "", `{"username":"alice"}`)

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.Equal(t, http.StatusText(http.StatusInternalServerError)+"\n", rr.Body.String())
}

func TestMe(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	a, token := f.user()
	b, _ := f.user()
	_, err := f.store.CreateFriendRequest(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.NoError(t, f.store.AcceptFriendRequest(context.Background(), a.ID, b.ID))

	rr := f.post("/users/me", token, `{}`)
	require.Equal(t, http.StatusOK, rr.Code)

	v := parse(t, rr)
	require.Equal(t, a.ID, v.GetInt64("user", "id"))
	require.Equal(t, a.Code, string(v.GetStringBytes("user", "code")))
	friends := v.GetArray("friends")
	require.Len(t, friends, 1)
	require.Equal(t, b.ID, friends[0].GetInt64("id"))
	require.False(t, friends[0].GetBool("online"))
}

func TestMeUnauthorized(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)

	rr := f.post("/users/me", "", `{}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// token for identity that does not exist
	rr = f.post("/users/me", f.token(999), `{}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateGroup(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	a, token := f.user()
	b, _ := f.user()

	rr := f.post("/groups/add", token, `{"name":"team","members":[`+itoa(b.ID)+`]}`)
	require.Equal(t, http.StatusCreated, rr.Code)

	id := parse(t, rr).GetInt64("id")
	members, err := f.store.GroupMembers(context.Background(), id)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{a.ID, b.ID}, members)
}

func TestCreateGroupBadMembers(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	_, token := f.user()

	tests := []struct {
		body string
		msg  string
	}{
		{`{"members":[]}`, "Missing Field \"name\"\n"},
		{`{"name":"team"}`, "Missing Field \"members\"\n"},
		{`{"name":"team","members":1}`, "Field \"members\" must be an array\n"},
		{`{"name":"team","members":["1"]}`, "Each item in \"members\" array field must be a 64-bit integer value\n"},
		{`{"name":"team","members":[-1]}`, "Each integer in \"members\" array must be a valid user id grater than zero\n"},
		{`{"name":"team","members":[4242]}`, "Bad member list\n"},
	}
	for _, tt := range tests {
		rr := f.post("/groups/add", token, tt.body)
		require.Equal(t, http.StatusBadRequest, rr.Code, tt.body)
		require.Equal(t, tt.msg, rr.Body.String(), tt.body)
	}
}

func TestFriendRequestFlow(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	a, tokenA := f.user()
	b, tokenB := f.user()

	rr := f.post("/friends/requests/add", tokenA, `{"code":"`+b.Code+`"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	require.NotZero(t, parse(t, rr).GetInt64("id"))

	rr = f.post("/friends/requests/add", tokenA, `{"code":"`+b.Code+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Friend request already pending\n", rr.Body.String())

	rr = f.post("/friends/requests/get", tokenB, `{}`)
	require.Equal(t, http.StatusOK, rr.Code)
	pending := parse(t, rr).GetArray()
	require.Len(t, pending, 1)
	require.Equal(t, a.ID, pending[0].GetInt64("requester_id"))
	require.Equal(t, a.Username, string(pending[0].GetStringBytes("requester", "username")))

	// only the target may respond
	rr = f.post("/friends/requests/respond", tokenA, `{"requester":`+itoa(a.ID)+`,"accept":true}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.post("/friends/requests/respond", tokenB, `{"requester":`+itoa(a.ID)+`,"accept":true}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "accepted", string(parse(t, rr).GetStringBytes("status")))

	ok, err := f.store.AreFriends(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	rr = f.post("/friends/requests/add", tokenB, `{"code":"`+a.Code+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Already friends\n", rr.Body.String())
}

func TestCreateFriendRequestErrors(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	a, token := f.user()

	rr := f.post("/friends/requests/add", token, `{"code":"`+a.Code+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Can not send friend request to yourself\n", rr.Body.String())

	rr = f.post("/friends/requests/add", token, `{"code":"NOBODY"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "User with provided code does not exist\n", rr.Body.String())

	rr = f.post("/friends/requests/add", token, `{"code":5}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Field \"code\" must be a string\n", rr.Body.String())
}

func TestFindUser(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	a, token := f.user()
	b, err := f.store.CreateUser(context.Background(), mytesting.RandString(), "/avatars/b.png")
	require.NoError(t, err)

	rr := f.post("/users/find", token, `{"code":" `+strings.ToLower(b.Code)+` "}`)
	require.Equal(t, http.StatusOK, rr.Code)

	v := parse(t, rr)
	require.Equal(t, b.ID, v.GetInt64("id"))
	require.Equal(t, b.Username, string(v.GetStringBytes("username")))
	require.Equal(t, "/avatars/b.png", string(v.GetStringBytes("avatar_ref")))
	require.False(t, v.Exists("code"))

	// lookup creates no request
	pending, err := f.store.PendingFriendRequestsTo(context.Background(), b.ID)
	require.NoError(t, err)
	require.Empty(t, pending)

	rr = f.post("/users/find", token, `{"code":"`+a.Code+`"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Can not add yourself\n", rr.Body.String())

	rr = f.post("/users/find", token, `{"code":"NOBODY"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "User with provided code does not exist\n", rr.Body.String())

	rr = f.post("/users/find", token, `{}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "Missing Field \"code\"\n", rr.Body.String())

	rr = f.post("/users/find", "", `{"code":"`+b.Code+`"}`)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestRespondFriendRequestBadFields(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	_, token := f.user()

	tests := []struct {
		body string
		msg  string
	}{
		{`{"accept":true}`, "Missing Field \"requester\"\n"},
		{`{"requester":"1","accept":true}`, "Field \"requester\" must be a 64-bit integer value\n"},
		{`{"requester":0,"accept":true}`, "Field \"requester\" must be a valid id grater than zero\n"},
		{`{"requester":1}`, "Missing Field \"accept\"\n"},
		{`{"requester":1,"accept":"yes"}`, "Field \"accept\" must be a boolean\n"},
	}
	for _, tt := range tests {
		rr := f.post("/friends/requests/respond", token, tt.body)
		require.Equal(t, http.StatusBadRequest, rr.Code, tt.body)
		require.Equal(t, tt.msg, rr.Body.String(), tt.body)
	}
}

func TestRespondFriendRequestDecline(t *testing.T) {
	t.Parallel()

	f := bootstrapServer(t)
	a, _ := f.user()
	b, tokenB := f.user()
	_, err := f.store.CreateFriendRequest(context.Background(), a.ID, b.ID)
	require.NoError(t, err)

	rr := f.post("/friends/requests/respond", tokenB, `{"requester":`+itoa(a.ID)+`,"accept":false}`)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "declined", string(parse(t, rr).GetStringBytes("status")))

	ok, err := f.store.AreFriends(context.Background(), a.ID, b.ID)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewServerRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := NewServer(zap.NewNop().Sugar(), nil, nil)
	require.Error(t, err)
}
