package server

import (
	"chatline/internal/chat"
	"chatline/internal/protocol"
	"chatline/internal/storage"
	"chatline/internal/storage/zapadapter"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsHandler upgrades authenticated requests on "/ws" and runs one session per connection
type wsHandler struct {
	logger   *zap.SugaredLogger
	svc      *chat.Service
	decoder  *protocol.Decoder
	upgrader websocket.Upgrader
	cfg      wsConfig

	// tracks live connections so shutdown can wait for their teardown;
	// closing is set under mu before wait so no connection is added afterwards
	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

func newWSHandler(logger *zap.SugaredLogger, svc *chat.Service, cfg wsConfig) *wsHandler {
	return &wsHandler{
		logger:  logger,
		svc:     svc,
		decoder: protocol.NewDecoder(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// clients authenticate with a token, cookies are never consulted
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		cfg: cfg,
	}
}

func (h *wsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Websocket upgrade expected", http.StatusBadRequest)
		return
	}

	if !h.track() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}
	defer h.wg.Done()

	sess, err := h.svc.Connect(r.Context(), identityFrom(r.Context()))
	if err != nil {
		if errors.Is(err, chat.ErrUnauthenticated) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.logger.Errorf("Connecting user (id: %d): %v", identityFrom(r.Context()), err)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	// sessions registered before stop are kicked by Registry.CloseAll, later ones are dropped here
	if h.stopped() {
		h.svc.Disconnect(sess)
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error
		h.logger.Warnf("Upgrading connection of user (id: %d): %v", sess.Identity.ID, err)
		h.svc.Disconnect(sess)
		return
	}

	ctx, cancel := context.WithCancel(zapadapter.NewContextWithSessionID(context.Background(), sess.ID))
	c := &connection{
		logger:  h.logger.With("session", sess.ID, "user", sess.Identity.ID),
		ws:      ws,
		sess:    sess,
		svc:     h.svc,
		decoder: h.decoder,
		cfg:     h.cfg,
		ctx:     ctx,
		cancel:  cancel,
	}

	done := make(chan struct{})
	go func() {
		c.writePump()
		close(done)
	}()
	c.readPump()
	<-done
}

// track registers a connection with the wait group unless shutdown has begun
func (h *wsHandler) track() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closing {
		return false
	}
	h.wg.Add(1)
	return true
}

// stop makes the handler refuse new connections
func (h *wsHandler) stop() {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
}

func (h *wsHandler) stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closing
}

// wait blocks until every connection is torn down or ctx expires
func (h *wsHandler) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type connection struct {
	logger  *zap.SugaredLogger
	ws      *websocket.Conn
	sess    *chat.Session
	svc     *chat.Service
	decoder *protocol.Decoder
	cfg     wsConfig

	// cancelled when the read side stops so in-flight store calls give up
	ctx    context.Context
	cancel context.CancelFunc
}

// readPump handles inbound frames in order until the connection fails,
// then unregisters the session which in turn stops writePump
func (c *connection) readPump() {
	defer func() {
		c.cancel()
		c.svc.Disconnect(c.sess)
	}()

	c.ws.SetReadLimit(c.cfg.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.pongWait))
	})

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warnf("Reading frame: %v", err)
			}
			return
		}

		c.handle(frame)
	}
}

// writePump is the only writer of ws
func (c *connection) writePump() {
	ticker := time.NewTicker(c.cfg.pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.sess.Outbound():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warnf("Writing frame: %v", err)
				return
			}

		case <-c.sess.Kicked():
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
			return

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handle decodes frame and dispatches it to the chat service.
// Failures are reported to this session only as error events.
func (c *connection) handle(frame []byte) {
	req, err := c.decoder.Decode(frame)
	if err != nil {
		var de *protocol.DecodeError
		requestID := ""
		if errors.As(err, &de) {
			requestID = de.RequestID
		}
		c.replyError(requestID, err)
		return
	}

	ctx := c.ctx
	if req.ID() != "" {
		ctx = zapadapter.NewContextWithID(ctx, req.ID())
	}

	var ev protocol.Event
	switch r := req.(type) {
	case protocol.LoadHistory:
		var page []storage.Message
		page, err = c.svc.LoadHistory(ctx, c.sess, chat.Conversation{Kind: r.Kind, ID: r.ConversationRef}, r.Cursor, r.Limit)
		if err == nil {
			messages := make([]protocol.Message, 0, len(page))
			for _, m := range page {
				messages = append(messages, chat.ToProtocol(m))
			}
			ev = protocol.HistoryPage{Messages: messages}
		}
	case protocol.SendDirect:
		_, err = c.svc.SendDirect(ctx, c.sess, r.RecipientID, chat.Body{Text: r.Text, ImageRef: r.ImageRef})
	case protocol.SendGroup:
		_, err = c.svc.SendGroup(ctx, c.sess, r.GroupID, chat.Body{Text: r.Text, ImageRef: r.ImageRef})
	case protocol.Recall:
		err = c.svc.Recall(ctx, c.sess, r.MessageID)
	case protocol.MarkRead:
		_, err = c.svc.MarkRead(ctx, c.sess, r.PeerID)
	default:
		err = &protocol.DecodeError{RequestID: req.ID(), Reason: "unsupported message type: " + req.RequestType()}
	}

	if err != nil {
		c.replyError(req.ID(), err)
		return
	}
	if ev != nil {
		c.svc.Reply(c.sess, req.ID(), ev)
	}
}

func (c *connection) replyError(requestID string, err error) {
	code := chat.ErrorCode(err)
	msg := err.Error()

	switch code {
	case protocol.ErrorCodeInternal:
		c.logger.Errorf("Handling request %q: %v", requestID, err)
		msg = "internal error"
	case protocol.ErrorCodePersistence:
		c.logger.Warnf("Handling request %q: %v", requestID, err)
	default:
		c.logger.Debugf("Rejected request %q: %v", requestID, err)
	}

	c.svc.Reply(c.sess, requestID, protocol.Error{Code: code, Message: msg})
}
