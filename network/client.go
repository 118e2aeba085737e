package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
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

const (
	// DefaultRequestRate is the sustained request rate per second.
	DefaultRequestRate = 20
	// DefaultRequestBurst is the request burst allowance.
	DefaultRequestBurst = 40

	eventQueueSize = 256
)

// ClientOptions configures Dial.
type ClientOptions struct {
	URL      string
	ClientID string
	UserID   string
	Token    string
	Header   http.Header

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	RequestTimeout    time.Duration
	RequestRate       float64
	RequestBurst      int

	Dialer *websocket.Dialer
}

func (o ClientOptions) withDefaults() ClientOptions {
	out := o
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}
	if out.RequestRate <= 0 {
		out.RequestRate = DefaultRequestRate
	}
	if out.RequestBurst <= 0 {
		out.RequestBurst = DefaultRequestBurst
	}
	if out.Dialer == nil {
		out.Dialer = websocket.DefaultDialer
	}
	return out
}

type clientSubscription struct {
	topic   string
	deliver func(payload json.RawMessage)
}

// Client speaks the envelope protocol to a chat server. It implements
// remote.Service and remote.Uploader.
type Client struct {
	conn    *connection
	options ClientOptions
	welcome WelcomeMessage
	limiter *rate.Limiter

	pendingMu sync.Mutex
	pending   map[string]chan Envelope

	subsMu sync.RWMutex
	subs   map[string]*clientSubscription

	events chan func()
	errs   chan error
	wg     sync.WaitGroup
}

var (
	_ remote.Service  = (*Client)(nil)
	_ remote.Uploader = (*Client)(nil)
)

// Dial connects, performs the hello handshake and starts the read loop.
func Dial(ctx context.Context, options ClientOptions) (*Client, error) {
	opts := options.withDefaults()
	if opts.URL == "" {
		return nil, errors.New("network: url is required")
	}

	dialCtx, cancel := context.WithTimeout(ctx, opts.ConnectionTimeout)
	defer cancel()
	ws, _, err := opts.Dialer.DialContext(dialCtx, opts.URL, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", opts.URL, err)
	}

	conn := newConnection(ws, connectionOptions{
		KeepAliveInterval: opts.KeepAliveInterval,
		KeepAliveTimeout:  opts.KeepAliveTimeout,
	})
	welcome, err := clientHandshake(conn, HelloMessage{
		ClientID: opts.ClientID,
		UserID:   opts.UserID,
		Token:    opts.Token,
	}, opts.ConnectionTimeout)
	if err != nil {
		conn.closeWithError(err)
		return nil, err
	}

	c := &Client{
		conn:    conn,
		options: opts,
		welcome: welcome,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestRate), opts.RequestBurst),
		pending: make(map[string]chan Envelope),
		subs:    make(map[string]*clientSubscription),
		events:  make(chan func(), eventQueueSize),
		errs:    make(chan error, 16),
	}
	conn.start()
	c.wg.Add(2)
	go c.readLoop()
	go c.dispatchLoop()

	glog.V(1).Infof("[ws]connected to %s as %s (session %s)\n", opts.URL, welcome.UserID, welcome.SessionID)
	return c, nil
}

// Session returns the welcome the server answered with.
func (c *Client) Session() WelcomeMessage {
	return c.welcome
}

// Errors returns asynchronous connection and decoding errors.
func (c *Client) Errors() <-chan error {
	return c.errs
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.conn.closed
}

// Close disconnects and waits for the background loops.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) report(err error) {
	glog.Warningf("[ws]%v", err)
	select {
	case c.errs <- err:
	default:
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		payload, err := c.conn.receive(0)
		if err != nil {
			select {
			case <-c.conn.closed:
			default:
				c.report(fmt.Errorf("read: %w", err))
			}
			c.conn.closeWithError(err)
			return
		}

		envelope, err := DecodeEnvelope(payload)
		if err != nil {
			c.report(err)
			continue
		}

		switch envelope.Type {
		case TypeResponse, TypeError:
			c.pendingMu.Lock()
			ch, ok := c.pending[envelope.ID]
			c.pendingMu.Unlock()
			if ok {
				select {
				case ch <- envelope:
				default:
				}
			}
		case TypeEvent:
			c.subsMu.RLock()
			sub, ok := c.subs[envelope.ID]
			c.subsMu.RUnlock()
			if !ok {
				continue
			}
			deliver := func() { sub.deliver(envelope.Payload) }
			select {
			case c.events <- deliver:
			case <-c.conn.closed:
				return
			}
		default:
			c.report(fmt.Errorf("%w: %q", ErrInvalidMessageType, envelope.Type))
		}
	}
}

// dispatchLoop runs event handlers in arrival order, off the read loop, so
// a handler may issue requests of its own.
func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case deliver := <-c.events:
			deliver()
		case <-c.conn.closed:
			return
		}
	}
}

// roundTrip sends envelope and waits for the response with the same id.
func (c *Client) roundTrip(ctx context.Context, op string, envelope Envelope) (Envelope, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return Envelope{}, remote.Transport(op, err)
	}

	ch := make(chan Envelope, 1)
	c.pendingMu.Lock()
	c.pending[envelope.ID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, envelope.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.conn.send(envelope); err != nil {
		if c.conn.State() == StateDisconnected {
			err = remote.ErrClosed
		}
		return Envelope{}, remote.Transport(op, err)
	}

	timer := time.NewTimer(c.options.RequestTimeout)
	defer timer.Stop()

	select {
	case response := <-ch:
		if response.Error != nil {
			return Envelope{}, errorFromMessage(op, response.Error)
		}
		return response, nil
	case <-timer.C:
		return Envelope{}, remote.Transport(op, ErrRequestTimeout)
	case <-ctx.Done():
		return Envelope{}, remote.Transport(op, ctx.Err())
	case <-c.conn.closed:
		return Envelope{}, remote.Transport(op, remote.ErrClosed)
	}
}

func errorFromMessage(op string, message *ErrorMessage) error {
	switch message.Code {
	case CodeNoData:
		return remote.Rejected(op, remote.ErrNoData)
	case CodeUnavailable:
		return remote.Transport(op, message)
	default:
		return remote.Rejected(op, message)
	}
}

// call issues one request. A nil out ignores the response payload.
func (c *Client) call(ctx context.Context, op string, params any, out any) error {
	envelope, err := newEnvelope(TypeRequest, uuid.NewString(), params)
	if err != nil {
		return remote.Rejected(op, err)
	}
	envelope.Op = op

	response, err := c.roundTrip(ctx, op, envelope)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if emptyPayload(response.Payload) {
		return remote.Rejected(op, remote.ErrNoData)
	}
	if err := json.Unmarshal(response.Payload, out); err != nil {
		return remote.Rejected(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// subscribe opens a topic stream whose events are decoded as T.
func subscribe[T any](ctx context.Context, c *Client, topic string, params any, handle func(T)) (remote.Subscription, error) {
	id := uuid.NewString()
	envelope, err := newEnvelope(TypeSubscribe, id, params)
	if err != nil {
		return nil, remote.Rejected(topic, err)
	}
	envelope.Topic = topic

	c.subsMu.Lock()
	c.subs[id] = &clientSubscription{
		topic: topic,
		deliver: func(payload json.RawMessage) {
			var value T
			if err := json.Unmarshal(payload, &value); err != nil {
				c.report(fmt.Errorf("decode %s event: %w", topic, err))
				return
			}
			handle(value)
		},
	}
	c.subsMu.Unlock()

	forget := func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
	}
	if _, err := c.roundTrip(ctx, topic, envelope); err != nil {
		forget()
		return nil, err
	}
	glog.V(2).Infof("[ws]subscribed %s %s\n", topic, id)

	var once sync.Once
	return remote.SubscriptionFunc(func() error {
		var closeErr error
		once.Do(func() {
			forget()
			unsubscribe, _ := newEnvelope(TypeUnsubscribe, id, nil)
			unsubscribe.Topic = topic
			if c.conn.State() != StateDisconnected {
				closeErr = c.conn.send(unsubscribe)
			}
		})
		return closeErr
	}), nil
}

// OpenSubscriptions returns the number of live streams on this client.
func (c *Client) OpenSubscriptions() int {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return len(c.subs)
}

func (c *Client) FetchConversations(ctx context.Context) ([]models.Conversation, error) {
	var out []models.Conversation
	if err := c.call(ctx, OpFetchConversations, struct{}{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubscribeConversationCreated(ctx context.Context, userID string, handle func(models.ConversationCreated)) (remote.Subscription, error) {
	return subscribe(ctx, c, TopicConversationCreated, UserParams{UserID: userID}, handle)
}

func (c *Client) SubscribeUserAddedToConversation(ctx context.Context, userID string, handle func(models.UserAddedToConversation)) (remote.Subscription, error) {
	return subscribe(ctx, c, TopicUserAddedToConversation, UserParams{UserID: userID}, handle)
}

func (c *Client) FetchMessages(ctx context.Context, otherUserOrConversationID string, limit int) ([]models.Message, error) {
	var out []models.Message
	params := FetchMessagesParams{Target: otherUserOrConversationID, Limit: limit}
	if err := c.call(ctx, OpFetchMessages, params, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SendMessage(ctx context.Context, input remote.SendMessageInput) (models.Message, error) {
	var out models.Message
	if err := c.call(ctx, OpSendMessage, input, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

func (c *Client) SubscribeNewMessage(ctx context.Context, filter remote.NewMessageFilter, handle func(models.Message)) (remote.Subscription, error) {
	return subscribe(ctx, c, TopicNewMessage, filter, handle)
}

func (c *Client) StartTyping(ctx context.Context, conversationID string) error {
	return c.call(ctx, OpStartTyping, ConversationParams{ConversationID: conversationID}, nil)
}

func (c *Client) StopTyping(ctx context.Context, conversationID string) error {
	return c.call(ctx, OpStopTyping, ConversationParams{ConversationID: conversationID}, nil)
}

func (c *Client) SubscribeTypingStarted(ctx context.Context, filter remote.TypingFilter, handle func(models.TypingSignal)) (remote.Subscription, error) {
	return subscribe(ctx, c, TopicTypingStarted, filter, handle)
}

func (c *Client) SubscribeTypingStopped(ctx context.Context, filter remote.TypingFilter, handle func(models.TypingSignal)) (remote.Subscription, error) {
	return subscribe(ctx, c, TopicTypingStopped, filter, handle)
}

func (c *Client) SubscribeOnline(ctx context.Context, userID string, handle func(models.PresenceEvent)) (remote.Subscription, error) {
	return subscribe(ctx, c, TopicOnline, UserParams{UserID: userID}, handle)
}

func (c *Client) SubscribeOffline(ctx context.Context, userID string, handle func(models.PresenceEvent)) (remote.Subscription, error) {
	return subscribe(ctx, c, TopicOffline, UserParams{UserID: userID}, handle)
}

func (c *Client) AddReaction(ctx context.Context, postID string, reaction models.ReactionType) error {
	return c.call(ctx, OpAddReaction, ReactionParams{PostID: postID, Type: string(reaction)}, nil)
}

func (c *Client) RemoveReaction(ctx context.Context, postID string) error {
	return c.call(ctx, OpRemoveReaction, ReactionParams{PostID: postID}, nil)
}

func (c *Client) FetchPostComments(ctx context.Context, query remote.CommentsQuery) (models.CommentPage, error) {
	var out models.CommentPage
	if err := c.call(ctx, OpFetchPostComments, query, &out); err != nil {
		return models.CommentPage{}, err
	}
	return out, nil
}

func (c *Client) CreateComment(ctx context.Context, input remote.CreateCommentInput) (models.CommentNode, error) {
	var out models.CommentNode
	if err := c.call(ctx, OpCreateComment, input, &out); err != nil {
		return models.CommentNode{}, err
	}
	return out, nil
}

// UploadImage sends the file inline. Progress is reported when the request
// is handed to the connection and when the server confirms it.
func (c *Client) UploadImage(ctx context.Context, file remote.File, onProgress remote.ProgressFunc) (string, error) {
	total := int64(len(file.Data))
	if onProgress != nil {
		onProgress(0, total)
	}
	var out UploadResult
	params := UploadParams{Name: file.Name, ContentType: file.ContentType, Data: file.Data}
	if err := c.call(ctx, OpUploadImage, params, &out); err != nil {
		return "", err
	}
	if onProgress != nil {
		onProgress(total, total)
	}
	return out.URL, nil
}
