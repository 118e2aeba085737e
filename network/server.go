package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"chatsync/models"
	"chatsync/remote"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Backend answers requests and feeds subscriptions.
	Backend remote.Service
	// Uploader stores uploaded images. Uploads are refused when nil.
	Uploader  remote.Uploader
	Authorize AuthorizeFunc

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration

	// ConnectionRatePerIP limits new sessions per second from one address.
	// Zero disables the limit.
	ConnectionRatePerIP  float64
	ConnectionBurstPerIP int
	OnConnectionLimited  func(remoteIP string)

	CheckOrigin func(r *http.Request) bool
}

// Server exposes a remote.Service over the envelope protocol. It is an
// http.Handler that upgrades every request to a websocket session.
type Server struct {
	options  ServerOptions
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[*session]struct{}
	limiters map[string]*rate.Limiter
	closed   bool

	errs chan error
	wg   sync.WaitGroup
}

type session struct {
	id     string
	userID string
	conn   *connection
	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]remote.Subscription
}

// NewServer creates a server for options.Backend.
func NewServer(options ServerOptions) (*Server, error) {
	if options.Backend == nil {
		return nil, errors.New("network: backend is required")
	}
	if options.ConnectionTimeout <= 0 {
		options.ConnectionTimeout = DefaultConnectionTimeout
	}
	if options.ConnectionRatePerIP > 0 && options.ConnectionBurstPerIP <= 0 {
		options.ConnectionBurstPerIP = 1
	}

	return &Server{
		options: options,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: options.ConnectionTimeout,
			CheckOrigin:      options.CheckOrigin,
		},
		sessions: make(map[*session]struct{}),
		limiters: make(map[string]*rate.Limiter),
		errs:     make(chan error, 16),
	}, nil
}

// Errors returns asynchronous session errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Sessions returns the number of live sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every session and refuses new ones.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		_ = sess.conn.Close()
	}
	s.wg.Wait()
	return nil
}

func (s *Server) report(err error) {
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Server) allowConnection(r *http.Request) bool {
	if s.options.ConnectionRatePerIP <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}

	s.mu.Lock()
	limiter, ok := s.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(s.options.ConnectionRatePerIP), s.options.ConnectionBurstPerIP)
		s.limiters[host] = limiter
	}
	s.mu.Unlock()

	if limiter.Allow() {
		return true
	}
	if s.options.OnConnectionLimited != nil {
		s.options.OnConnectionLimited(host)
	}
	return false
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return
	}
	if !s.allowConnection(r) {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.report(fmt.Errorf("upgrade: %w", err))
		return
	}
	conn := newConnection(ws, connectionOptions{
		KeepAliveInterval: s.options.KeepAliveInterval,
		KeepAliveTimeout:  s.options.KeepAliveTimeout,
	})

	sessionID := uuid.NewString()
	_, userID, err := serverHandshake(conn, sessionID, s.options.Authorize, s.options.ConnectionTimeout)
	if err != nil {
		s.report(fmt.Errorf("handshake: %w", err))
		conn.closeWithError(err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &session{
		id:     sessionID,
		userID: userID,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]remote.Subscription),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	s.sessions[sess] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	conn.start()
	glog.V(1).Infof("[ws]session %s opened for %s\n", sessionID, userID)
	s.serveSession(sess)
}

func (s *Server) serveSession(sess *session) {
	defer s.wg.Done()
	defer func() {
		sess.cancel()
		sess.subsMu.Lock()
		for id, sub := range sess.subs {
			_ = sub.Close()
			delete(sess.subs, id)
		}
		sess.subsMu.Unlock()
		s.mu.Lock()
		delete(s.sessions, sess)
		s.mu.Unlock()
		glog.V(1).Infof("[ws]session %s closed\n", sess.id)
	}()

	var requests sync.WaitGroup
	defer requests.Wait()

	for {
		payload, err := sess.conn.receive(0)
		if err != nil {
			sess.conn.closeWithError(err)
			return
		}
		envelope, err := DecodeEnvelope(payload)
		if err != nil {
			s.reply(sess, "", nil, remote.Rejected("decode", err))
			continue
		}

		switch envelope.Type {
		case TypeRequest:
			requests.Add(1)
			go func() {
				defer requests.Done()
				result, err := s.dispatch(sess.ctx, envelope)
				s.reply(sess, envelope.ID, result, err)
			}()
		case TypeSubscribe:
			err := s.subscribe(sess, envelope)
			s.reply(sess, envelope.ID, nil, err)
		case TypeUnsubscribe:
			sess.subsMu.Lock()
			sub, ok := sess.subs[envelope.ID]
			delete(sess.subs, envelope.ID)
			sess.subsMu.Unlock()
			if ok {
				_ = sub.Close()
			}
		default:
			s.reply(sess, envelope.ID, nil, remote.Rejected(envelope.Type, ErrInvalidMessageType))
		}
	}
}

func (s *Server) reply(sess *session, id string, result any, err error) {
	envelope, encodeErr := newEnvelope(TypeResponse, id, result)
	if encodeErr != nil {
		err = encodeErr
	}
	if err != nil {
		envelope = Envelope{
			Type:      TypeError,
			ID:        id,
			Error:     errorToMessage(err),
			Timestamp: time.Now().UnixMilli(),
		}
	}
	if sendErr := sess.conn.send(envelope); sendErr != nil {
		s.report(fmt.Errorf("reply %s: %w", id, sendErr))
	}
}

func errorToMessage(err error) *ErrorMessage {
	message := &ErrorMessage{Code: CodeUnavailable, Message: err.Error()}
	switch {
	case errors.Is(err, remote.ErrNoData):
		message.Code = CodeNoData
	case errors.Is(err, ErrInvalidMessageType):
		message.Code = CodeBadRequest
	case remote.IsRejected(err):
		message.Code = CodeRejected
	}
	return message
}

func decodeParams(op string, raw json.RawMessage, out any) error {
	if emptyPayload(raw) {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return remote.Rejected(op, fmt.Errorf("decode params: %w", err))
	}
	return nil
}

func (s *Server) dispatch(ctx context.Context, envelope Envelope) (any, error) {
	backend := s.options.Backend
	op := envelope.Op
	raw := envelope.Payload

	switch op {
	case OpFetchConversations:
		conversations, err := backend.FetchConversations(ctx)
		if err == nil && conversations == nil {
			conversations = []models.Conversation{}
		}
		return conversations, err
	case OpFetchMessages:
		var params FetchMessagesParams
		if err := decodeParams(op, raw, &params); err != nil {
			return nil, err
		}
		messages, err := backend.FetchMessages(ctx, params.Target, params.Limit)
		if err == nil && messages == nil {
			messages = []models.Message{}
		}
		return messages, err
	case OpSendMessage:
		var input remote.SendMessageInput
		if err := decodeParams(op, raw, &input); err != nil {
			return nil, err
		}
		return backend.SendMessage(ctx, input)
	case OpStartTyping, OpStopTyping:
		var params ConversationParams
		if err := decodeParams(op, raw, &params); err != nil {
			return nil, err
		}
		if op == OpStartTyping {
			return nil, backend.StartTyping(ctx, params.ConversationID)
		}
		return nil, backend.StopTyping(ctx, params.ConversationID)
	case OpAddReaction:
		var params ReactionParams
		if err := decodeParams(op, raw, &params); err != nil {
			return nil, err
		}
		reaction := models.ReactionType(params.Type)
		if !reaction.Valid() {
			return nil, remote.Rejected(op, fmt.Errorf("unknown reaction %q", params.Type))
		}
		return nil, backend.AddReaction(ctx, params.PostID, reaction)
	case OpRemoveReaction:
		var params ReactionParams
		if err := decodeParams(op, raw, &params); err != nil {
			return nil, err
		}
		return nil, backend.RemoveReaction(ctx, params.PostID)
	case OpFetchPostComments:
		var query remote.CommentsQuery
		if err := decodeParams(op, raw, &query); err != nil {
			return nil, err
		}
		return backend.FetchPostComments(ctx, query)
	case OpCreateComment:
		var input remote.CreateCommentInput
		if err := decodeParams(op, raw, &input); err != nil {
			return nil, err
		}
		return backend.CreateComment(ctx, input)
	case OpUploadImage:
		if s.options.Uploader == nil {
			return nil, remote.Rejected(op, errors.New("uploads are not supported"))
		}
		var params UploadParams
		if err := decodeParams(op, raw, &params); err != nil {
			return nil, err
		}
		url, err := s.options.Uploader.UploadImage(ctx, remote.File{
			Name:        params.Name,
			ContentType: params.ContentType,
			Data:        params.Data,
		}, nil)
		if err != nil {
			return nil, err
		}
		return UploadResult{URL: url}, nil
	default:
		return nil, remote.Rejected(op, fmt.Errorf("%w: unknown op %q", ErrInvalidMessageType, op))
	}
}

// emitter forwards backend events of one subscription to the session.
func emitter[T any](s *Server, sess *session, id, topic string) func(T) {
	return func(value T) {
		envelope, err := newEnvelope(TypeEvent, id, value)
		if err != nil {
			s.report(err)
			return
		}
		envelope.Topic = topic
		if err := sess.conn.send(envelope); err != nil {
			s.report(fmt.Errorf("emit %s: %w", topic, err))
		}
	}
}

func (s *Server) subscribe(sess *session, envelope Envelope) error {
	backend := s.options.Backend
	topic := envelope.Topic
	raw := envelope.Payload
	id := envelope.ID
	if id == "" {
		return remote.Rejected(topic, errors.New("subscription id is required"))
	}

	var sub remote.Subscription
	var err error
	switch topic {
	case TopicNewMessage:
		var filter remote.NewMessageFilter
		if err := decodeParams(topic, raw, &filter); err != nil {
			return err
		}
		sub, err = backend.SubscribeNewMessage(sess.ctx, filter, emitter[models.Message](s, sess, id, topic))
	case TopicConversationCreated, TopicUserAddedToConversation:
		var params UserParams
		if err := decodeParams(topic, raw, &params); err != nil {
			return err
		}
		if topic == TopicConversationCreated {
			sub, err = backend.SubscribeConversationCreated(sess.ctx, params.UserID, emitter[models.ConversationCreated](s, sess, id, topic))
		} else {
			sub, err = backend.SubscribeUserAddedToConversation(sess.ctx, params.UserID, emitter[models.UserAddedToConversation](s, sess, id, topic))
		}
	case TopicTypingStarted, TopicTypingStopped:
		var filter remote.TypingFilter
		if err := decodeParams(topic, raw, &filter); err != nil {
			return err
		}
		if topic == TopicTypingStarted {
			sub, err = backend.SubscribeTypingStarted(sess.ctx, filter, emitter[models.TypingSignal](s, sess, id, topic))
		} else {
			sub, err = backend.SubscribeTypingStopped(sess.ctx, filter, emitter[models.TypingSignal](s, sess, id, topic))
		}
	case TopicOnline, TopicOffline:
		var params UserParams
		if err := decodeParams(topic, raw, &params); err != nil {
			return err
		}
		if topic == TopicOnline {
			sub, err = backend.SubscribeOnline(sess.ctx, params.UserID, emitter[models.PresenceEvent](s, sess, id, topic))
		} else {
			sub, err = backend.SubscribeOffline(sess.ctx, params.UserID, emitter[models.PresenceEvent](s, sess, id, topic))
		}
	default:
		return remote.Rejected(topic, fmt.Errorf("%w: unknown topic %q", ErrInvalidMessageType, topic))
	}
	if err != nil {
		return err
	}

	sess.subsMu.Lock()
	if previous, ok := sess.subs[id]; ok {
		_ = previous.Close()
	}
	sess.subs[id] = sub
	sess.subsMu.Unlock()
	return nil
}
