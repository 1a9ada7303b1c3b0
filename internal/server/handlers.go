package server

import (
	"chatline/internal/auth"
	"chatline/internal/chat"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/valyala/fastjson"
	"go.uber.org/zap"
)

type parsers struct {
	createUserPool     fastjson.ParserPool
	findUserPool       fastjson.ParserPool
	createGroupPool    fastjson.ParserPool
	createRequestPool  fastjson.ParserPool
	respondRequestPool fastjson.ParserPool
}

type handler struct {
	logger   *zap.SugaredLogger
	svc      *chat.Service
	resolver *auth.Resolver
	parsers  parsers
}

// respond writes payload as JSON response with provided status code
func (h *handler) respond(w http.ResponseWriter, status int, payload []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(payload)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// respondJSON marshals v and writes it with provided status code
func (h *handler) respondJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	h.respond(w, status, payload)
}

// fail maps chat errors to HTTP status codes; unexpected ones are logged and hidden
func (h *handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, chat.ErrUnauthenticated):
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, chat.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, chat.ErrForbidden), errors.Is(err, chat.ErrNotMember), errors.Is(err, chat.ErrNotFriend):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, chat.ErrDuplicateRequest):
		http.Error(w, "Friend request already pending", http.StatusBadRequest)
	case errors.Is(err, chat.ErrAlreadyFriends):
		http.Error(w, "Already friends", http.StatusBadRequest)
	case errors.Is(err, chat.ErrSelfRequest):
		http.Error(w, "Can not send friend request to yourself", http.StatusBadRequest)
	default:
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// stringField reads required non-blank string field
func stringField(w http.ResponseWriter, v *fastjson.Value, field string) (string, bool) {
	if !v.Exists(field) {
		http.Error(w, "Missing Field \""+field+"\"", http.StatusBadRequest)
		return "", false
	}

	b, err := v.Get(field).StringBytes()
	if err != nil {
		http.Error(w, "Field \""+field+"\" must be a string", http.StatusBadRequest)
		return "", false
	}

	if len(b) == 0 {
		http.Error(w, "Field \""+field+"\" must have non-zero length", http.StatusBadRequest)
		return "", false
	}
	return string(b), true
}

// idField reads required positive 64-bit integer field
func idField(w http.ResponseWriter, v *fastjson.Value, field string) (int64, bool) {
	if !v.Exists(field) {
		http.Error(w, "Missing Field \""+field+"\"", http.StatusBadRequest)
		return 0, false
	}

	id, err := v.Get(field).Int64()
	if err != nil {
		http.Error(w, "Field \""+field+"\" must be a 64-bit integer value", http.StatusBadRequest)
		return 0, false
	}

	if id < 1 {
		http.Error(w, "Field \""+field+"\" must be a valid id grater than zero", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

// createUser handles HTTP requests on "/users/add" endpoint
func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.createUserPool.Get()
	defer h.parsers.createUserPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	username, ok := stringField(w, v, "username")
	if !ok {
		return
	}

	avatar := ""
	if v.Exists("avatar") {
		b, err := v.Get("avatar").StringBytes()
		if err != nil {
			http.Error(w, "Field \"avatar\" must be a string", http.StatusBadRequest)
			return
		}
		avatar = string(b)
	}

	u, err := h.svc.CreateUser(r.Context(), username, avatar)
	if err != nil {
		h.fail(w, err)
		return
	}

	token, err := h.resolver.Issue(u.ID)
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, struct {
		ID    int64  `json:"id"`
		Code  string `json:"code"`
		Token string `json:"token"`
	}{u.ID, u.Code, token})
}

// findUser handles HTTP requests on "/users/find" endpoint
func (h *handler) findUser(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.findUserPool.Get()
	defer h.parsers.findUserPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	code, ok := stringField(w, v, "code")
	if !ok {
		return
	}

	u, err := h.svc.FindUser(r.Context(), identityFrom(r.Context()), code)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrSelfRequest):
			http.Error(w, "Can not add yourself", http.StatusBadRequest)
		case errors.Is(err, chat.ErrNotFound):
			http.Error(w, "User with provided code does not exist", http.StatusNotFound)
		default:
			h.fail(w, err)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, struct {
		ID        int64  `json:"id"`
		Username  string `json:"username"`
		AvatarRef string `json:"avatar_ref"`
	}{u.ID, u.Username, u.AvatarRef})
}

// me handles HTTP requests on "/users/me" endpoint
func (h *handler) me(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Profile(r.Context(), identityFrom(r.Context()))
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			err = chat.ErrUnauthenticated
		}
		h.fail(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, p)
}

// createGroup handles HTTP requests on "/groups/add" endpoint
func (h *handler) createGroup(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.createGroupPool.Get()
	defer h.parsers.createGroupPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	name, ok := stringField(w, v, "name")
	if !ok {
		return
	}

	if !v.Exists("members") {
		http.Error(w, "Missing Field \"members\"", http.StatusBadRequest)
		return
	}

	memberValues, err := v.Get("members").Array()
	if err != nil {
		http.Error(w, "Field \"members\" must be an array", http.StatusBadRequest)
		return
	}

	members := make([]int64, 0, len(memberValues))
	for _, mv := range memberValues {
		id, err := mv.Int64()
		if err != nil {
			http.Error(w, "Each item in \"members\" array field must be a 64-bit integer value", http.StatusBadRequest)
			return
		}

		if id < 1 {
			http.Error(w, "Each integer in \"members\" array must be a valid user id grater than zero", http.StatusBadRequest)
			return
		}
		members = append(members, id)
	}

	g, err := h.svc.CreateGroup(r.Context(), identityFrom(r.Context()), name, members)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			http.Error(w, "Bad member list", http.StatusBadRequest)
			return
		}
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusCreated, []byte(`{"id":`+strconv.FormatInt(g.ID, 10)+`}`))
}

// createFriendRequest handles HTTP requests on "/friends/requests/add" endpoint
func (h *handler) createFriendRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.createRequestPool.Get()
	defer h.parsers.createRequestPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	code, ok := stringField(w, v, "code")
	if !ok {
		return
	}

	fr, err := h.svc.CreateRequest(r.Context(), identityFrom(r.Context()), code)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			http.Error(w, "User with provided code does not exist", http.StatusNotFound)
			return
		}
		h.fail(w, err)
		return
	}

	h.respond(w, http.StatusCreated, []byte(`{"id":`+strconv.FormatInt(fr.ID, 10)+`}`))
}

// respondFriendRequest handles HTTP requests on "/friends/requests/respond" endpoint
func (h *handler) respondFriendRequest(w http.ResponseWriter, r *http.Request) {
	body, _ := ioutil.ReadAll(r.Body)

	parser := h.parsers.respondRequestPool.Get()
	defer h.parsers.respondRequestPool.Put(parser)
	v, _ := parser.ParseBytes(body)

	requester, ok := idField(w, v, "requester")
	if !ok {
		return
	}

	if !v.Exists("accept") {
		http.Error(w, "Missing Field \"accept\"", http.StatusBadRequest)
		return
	}

	accept, err := v.Get("accept").Bool()
	if err != nil {
		http.Error(w, "Field \"accept\" must be a boolean", http.StatusBadRequest)
		return
	}

	err = h.svc.Respond(r.Context(), requester, identityFrom(r.Context()), accept)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			http.Error(w, "Pending friend request does not exist", http.StatusNotFound)
			return
		}
		h.fail(w, err)
		return
	}

	status := "declined"
	if accept {
		status = "accepted"
	}
	h.respond(w, http.StatusOK, []byte(`{"status":"`+status+`"}`))
}

// pendingFriendRequests handles HTTP requests on "/friends/requests/get" endpoint
func (h *handler) pendingFriendRequests(w http.ResponseWriter, r *http.Request) {
	requests, err := h.svc.PendingRequests(r.Context(), identityFrom(r.Context()))
	if err != nil {
		h.fail(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, requests)
}
