// Package relay is the fieldhq server: a small realtime document store
// reached over websocket by the relay storage backend.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/comandos-hq/fieldlink/internal/dispatcher"
	"github.com/comandos-hq/fieldlink/internal/logging"
	"github.com/comandos-hq/fieldlink/internal/storage"
	"github.com/comandos-hq/fieldlink/pkg/streaming"
)

const (
	tokenIssuer  = "fieldhq"
	storeTimeout = 5 * time.Second
)

// ErrRateLimited is returned in the ack of a throttled envelope.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config holds relay server settings.
type Config struct {
	Listen    string
	JWTSecret string
	TokenTTL  time.Duration
	RateLimit float64 // envelopes per second per connection
	RateBurst int
}

// Server serves the document store over HTTP and websocket.
type Server struct {
	cfg      Config
	store    *Store
	hub      *hub
	disp     *dispatcher.Dispatcher
	metrics  *metrics
	logger   zerolog.Logger
	engine   *gin.Engine
	upgrader ws.Upgrader

	// writeMu orders store mutations with the snapshots they produce, and
	// initial subscription snapshots with concurrent writes.
	writeMu sync.Mutex

	mu      sync.Mutex
	clients map[string]*client
}

// NewServer builds the HTTP routes and envelope handlers.
func NewServer(cfg Config, store *Store, logger zerolog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, errors.New("relay: jwt secret is required")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 100
	}

	disp, err := dispatcher.New(logging.NewDispatcherLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("create dispatcher: %w", err)
	}

	s := &Server{
		cfg:     cfg,
		store:   store,
		hub:     newHub(),
		disp:    disp,
		metrics: newMetrics(),
		logger:  logger,
		upgrader: ws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// field devices are not browsers; the token authenticates
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
	s.registerHandlers()
	s.engine = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": s.connectionCount()})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{})))
	r.POST("/auth/anonymous", s.handleAnonymous)
	r.GET("/ws", s.handleWebsocket)
	return r
}

func (s *Server) registerHandlers() {
	s.disp.Register(streaming.TypeSubscribeDoc, s.handleSubscribeDoc, dispatcher.Logged())
	s.disp.Register(streaming.TypeSubscribeColl, s.handleSubscribeColl, dispatcher.Logged())
	s.disp.Register(streaming.TypeUnsubscribe, s.handleUnsubscribe)
	s.disp.Register(streaming.TypeWrite, s.handleWrite, dispatcher.Logged())
	s.disp.Register(streaming.TypeDelete, s.handleDelete, dispatcher.Logged())
	s.disp.Register(streaming.TypeCommit, s.handleCommit, dispatcher.Logged())
}

// Handler exposes the routes, mostly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.cfg.Listen).Msg("fieldhq listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.Close()
	return err
}

// Close disconnects every websocket client.
func (s *Server) Close() {
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (s *Server) connectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleAnonymous(c *gin.Context) {
	uid := uuid.NewString()
	token, exp, err := s.issueToken(uid)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not issue token"})
		return
	}
	s.metrics.tokens.Inc()
	c.JSON(http.StatusOK, streaming.TokenResponse{Token: token, UID: uid, ExpiresAt: exp.Unix()})
}

func (s *Server) issueToken(uid string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(s.cfg.TokenTTL)
	claims := jwt.RegisteredClaims{
		Subject:   uid,
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// verifyToken returns the subject of a valid session token.
func (s *Server) verifyToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}
	if !token.Valid || claims.Subject == "" {
		return "", errors.New("invalid token")
	}
	return claims.Subject, nil
}

func (s *Server) handleWebsocket(c *gin.Context) {
	uid, err := s.verifyToken(c.Query("token"))
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		s.logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	cl := newClient(uuid.NewString(), uid, conn, rate.Limit(s.cfg.RateLimit), s.cfg.RateBurst, s.logger)
	s.mu.Lock()
	s.clients[cl.id] = cl
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.connections.Set(float64(n))
	cl.logger.Info().Msg("Client connected")

	go cl.writeLoop()
	go func() {
		cl.readLoop(s.handleEnvelope)
		s.disconnect(cl)
	}()
}

func (s *Server) disconnect(cl *client) {
	dropped := s.hub.drop(cl)
	s.mu.Lock()
	delete(s.clients, cl.id)
	n := len(s.clients)
	s.mu.Unlock()
	s.metrics.connections.Set(float64(n))
	s.metrics.subscriptions.Set(float64(s.hub.count()))
	cl.logger.Info().Int("subscriptions", dropped).Msg("Client disconnected")
}

func (s *Server) lookup(id string) (*client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cl, ok := s.clients[id]
	if !ok {
		return nil, fmt.Errorf("unknown connection %s", id)
	}
	return cl, nil
}

// handleEnvelope routes one envelope and acks it. Unsubscribe is fire and
// forget.
func (s *Server) handleEnvelope(cl *client, env streaming.Envelope) {
	if !cl.limiter.Allow() {
		s.metrics.rateLimited.Inc()
		s.metrics.messages.WithLabelValues(env.Type, "limited").Inc()
		if env.Type != streaming.TypeUnsubscribe {
			cl.send(streaming.TypeAck, env.ID, streaming.AckPayload{Error: ErrRateLimited.Error()})
		}
		return
	}

	_, err := s.disp.Dispatch(dispatcher.Event{
		Command: env.Type,
		ID:      env.ID,
		Source:  cl.id,
		Payload: env.Payload,
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.messages.WithLabelValues(env.Type, status).Inc()

	if env.Type == streaming.TypeUnsubscribe {
		return
	}
	var ack streaming.AckPayload
	if err != nil {
		ack.Error = err.Error()
	}
	cl.send(streaming.TypeAck, env.ID, ack)
}

func decodePayload(raw []byte, v any) error {
	if len(raw) == 0 {
		return errors.New("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

func (s *Server) handleSubscribeDoc(e dispatcher.Event) (any, error) {
	return nil, s.subscribe(e, false)
}

func (s *Server) handleSubscribeColl(e dispatcher.Event) (any, error) {
	return nil, s.subscribe(e, true)
}

// subscribe registers the subscription and queues its initial snapshot
// ahead of the ack.
func (s *Server) subscribe(e dispatcher.Event, coll bool) error {
	cl, err := s.lookup(e.Source)
	if err != nil {
		return err
	}
	var p streaming.PathPayload
	if err := decodePayload(e.Payload, &p); err != nil {
		return err
	}
	if coll {
		err = storage.ValidCollection(p.Path)
	} else {
		_, _, err = storage.SplitPath(p.Path)
	}
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var snap any
	msgType := streaming.TypeDocSnapshot
	if coll {
		msgType = streaming.TypeCollSnapshot
		snap, err = s.store.List(ctx, p.Path)
	} else {
		snap, err = s.store.Get(ctx, p.Path)
	}
	if err != nil {
		return err
	}
	s.hub.subscribe(cl, e.ID, p.Path, coll)
	s.metrics.subscriptions.Set(float64(s.hub.count()))
	if cl.send(msgType, e.ID, snap) {
		s.metrics.broadcasts.Inc()
	}
	return nil
}

func (s *Server) handleUnsubscribe(e dispatcher.Event) (any, error) {
	cl, err := s.lookup(e.Source)
	if err != nil {
		return nil, err
	}
	if s.hub.unsubscribe(cl, e.ID) {
		s.metrics.subscriptions.Set(float64(s.hub.count()))
	}
	return nil, nil
}

func (s *Server) handleWrite(e dispatcher.Event) (any, error) {
	var p streaming.WritePayload
	if err := decodePayload(e.Payload, &p); err != nil {
		return nil, err
	}
	op := opSet
	if p.Merge {
		op = opMerge
	}
	return nil, s.apply([]streaming.BatchOp{{Op: op, Path: p.Path, Data: p.Data}})
}

func (s *Server) handleDelete(e dispatcher.Event) (any, error) {
	var p streaming.PathPayload
	if err := decodePayload(e.Payload, &p); err != nil {
		return nil, err
	}
	return nil, s.apply([]streaming.BatchOp{{Op: opDelete, Path: p.Path}})
}

func (s *Server) handleCommit(e dispatcher.Event) (any, error) {
	var p streaming.CommitPayload
	if err := decodePayload(e.Payload, &p); err != nil {
		return nil, err
	}
	for _, op := range p.Ops {
		if op.Op != opDelete && op.Op != opMerge {
			return nil, fmt.Errorf("unsupported batch op %q", op.Op)
		}
	}
	return nil, s.apply(p.Ops)
}

// apply stores ops and pushes fresh snapshots of every touched document and
// collection to their subscribers.
func (s *Server) apply(ops []streaming.BatchOp) error {
	if len(ops) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.store.Apply(ctx, ops); err != nil {
		return err
	}
	s.metrics.writes.Add(float64(len(ops)))

	var paths, colls []string
	seen := make(map[string]bool)
	for _, op := range ops {
		coll, _, _ := storage.SplitPath(op.Path)
		if !seen[op.Path] {
			seen[op.Path] = true
			paths = append(paths, op.Path)
		}
		if !seen[coll+"/"] {
			seen[coll+"/"] = true
			colls = append(colls, coll)
		}
	}

	for _, path := range paths {
		subs := s.hub.docSubscribers(path)
		if len(subs) == 0 {
			continue
		}
		snap, err := s.store.Get(ctx, path)
		if err != nil {
			s.failSubscribers(subs, err)
			continue
		}
		s.fanOut(subs, streaming.TypeDocSnapshot, snap)
	}
	for _, coll := range colls {
		subs := s.hub.collSubscribers(coll)
		if len(subs) == 0 {
			continue
		}
		snap, err := s.store.List(ctx, coll)
		if err != nil {
			s.failSubscribers(subs, err)
			continue
		}
		s.fanOut(subs, streaming.TypeCollSnapshot, snap)
	}
	return nil
}

func (s *Server) fanOut(subs []subscriber, msgType string, snap any) {
	for _, sub := range subs {
		if sub.client.send(msgType, sub.id, snap) {
			s.metrics.broadcasts.Inc()
		}
	}
}

// failSubscribers ends subscriptions whose snapshot could not be read.
func (s *Server) failSubscribers(subs []subscriber, err error) {
	s.logger.Error().Err(err).Int("subscribers", len(subs)).Msg("Failed to load snapshot")
	for _, sub := range subs {
		s.hub.unsubscribe(sub.client, sub.id)
		sub.client.send(streaming.TypeSubError, sub.id, streaming.SubErrorPayload{Error: err.Error()})
	}
	s.metrics.subscriptions.Set(float64(s.hub.count()))
}
