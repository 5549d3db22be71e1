package websocket

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/adwski/sharefeed/backend/codec"
	"github.com/adwski/sharefeed/backend/model"
	"github.com/adwski/sharefeed/backend/service"
)

const (
	DefaultMaxFrameSize = 64 * 1024 * 1024

	defaultWebsocketReadBufferSize     = 64 * 1024
	defaultWebsocketWriteBufferSize    = 64 * 1024
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketPingWriteDeadline  = 5 * time.Second

	// how long the peer has to answer a ping before the read fails
	defaultPongGrace = 2 * time.Second
)

var (
	ErrBadFrame = errors.New("bad frame")
)

type (
	FeedService interface {
		SubscribeWithSnapshot() (model.Subscription, []model.FeedEntry)
		Lookup(id int32) (model.FeedEntry, bool)
		PostText(text string) (model.FeedEntry, error)
		PostFile(ctx context.Context, name string, size int64, r io.Reader) (model.FeedEntry, error)
		Announce(id int32)
	}

	Config struct {
		Logger      *zerolog.Logger
		FeedService FeedService
		// CheckOrigin defaults to accepting every origin.
		CheckOrigin  func(r *http.Request) bool
		// MaxFrameSize bounds a client message and every length field in it.
		MaxFrameSize int64
		// PingInterval enables keepalive pings when positive.
		PingInterval time.Duration
	}

	// Server upgrades requests to feed sessions. Each session runs
	// a receiver and a sender goroutine; whichever ends first
	// tears the whole session down.
	Server struct {
		svc    FeedService
		ws     *websocket.Upgrader
		logger zerolog.Logger

		maxFrameSize int64
		pingInterval time.Duration

		sessions sync.WaitGroup
		seq      atomic.Uint64
		active   atomic.Int64
	}
)

func NewServer(cfg Config) *Server {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	maxFrameSize := cfg.MaxFrameSize
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.FeedService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      checkOrigin,
		},
		maxFrameSize: maxFrameSize,
		pingInterval: cfg.PingInterval,
	}
}

func (srv *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Error().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	logger := srv.logger.With().
		Uint64("session", srv.seq.Add(1)).
		Str("remote", r.RemoteAddr).
		Logger()

	srv.sessions.Add(1)
	go func() {
		defer srv.sessions.Done()
		srv.handleWSConn(conn, &logger)
	}()
}

// Active returns number of running sessions.
func (srv *Server) Active() int {
	return int(srv.active.Load())
}

// Wait blocks until every session has ended or ctx is done.
func (srv *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		srv.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (srv *Server) handleWSConn(conn *websocket.Conn, logger *zerolog.Logger) {
	srv.active.Add(1)
	defer srv.active.Add(-1)

	sub, snapshot := srv.svc.SubscribeWithSnapshot()
	defer sub.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, codec.AppendAllFeed(nil, snapshot)); err != nil {
		logger.Error().Err(err).Msg("failed to send feed snapshot")
		webSocketCloser(conn, logger)
		return
	}
	logger.Debug().Int("entries", len(snapshot)).Msg("session started")

	var (
		ctx, cancel = context.WithCancel(context.Background())
		wg          = &sync.WaitGroup{}
	)
	wg.Add(2)
	go func() {
		srv.webSocketReceiver(ctx, wg, conn, logger)
		cancel()
	}()
	go func() {
		srv.webSocketSender(ctx, wg, conn, sub, logger)
		cancel()
	}()

	<-ctx.Done()
	// Closing the connection unblocks a receiver stuck in a read.
	webSocketCloser(conn, logger)
	wg.Wait()
	logger.Debug().Msg("session ended")
}

func (srv *Server) webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	sub model.Subscription,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	var pingC <-chan time.Time
	if srv.pingInterval > 0 {
		pingTicker := time.NewTicker(srv.pingInterval)
		defer pingTicker.Stop()
		pingC = pingTicker.C
	}

	var dropped uint64
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingC:
			wsErr := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(defaultWebSocketPingWriteDeadline))
			if wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case evt, ok := <-sub.Events():
			if !ok {
				logger.Debug().Msg("subscription closed")
				break SendLoop
			}
			if d := sub.Dropped(); d != dropped {
				logger.Warn().Uint64("lost", d-dropped).Msg("session is lagging, events were dropped")
				dropped = d
			}

			frame := srv.encodeEvent(evt)
			if frame == nil {
				continue
			}
			if wsErr := conn.WriteMessage(websocket.BinaryMessage, frame); wsErr != nil {
				logger.Error().Err(wsErr).Msg("failed to write outgoing frame")
				break SendLoop
			}
			logger.Trace().
				Stringer("type", evt.Type).
				Int32("id", evt.ID).
				Msg("event relayed")
		}
	}
}

// encodeEvent resolves a create event to the current entry. An entry
// removed in the meantime is sent as an empty Created frame.
func (srv *Server) encodeEvent(evt model.Event) []byte {
	switch evt.Type {
	case model.EventCreate:
		entry, ok := srv.svc.Lookup(evt.ID)
		if !ok {
			return codec.AppendCreated(nil, nil)
		}
		return codec.AppendCreated(nil, &entry)
	case model.EventDelete:
		return codec.AppendDeleted(nil, evt.ID)
	default:
		return nil
	}
}

func (srv *Server) webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(srv.maxFrameSize)
	if srv.pingInterval > 0 {
		pongWait := srv.pingInterval + defaultPongGrace
		readDeadLineFunc := func() error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		conn.SetPongHandler(func(string) error {
			logger.Trace().Msg("got pong")
			return readDeadLineFunc()
		})
		if err := readDeadLineFunc(); err != nil {
			logger.Error().Err(err).Msg("failed to set websocket read deadline")
			return
		}
	}

	for {
		mt, r, wsErr := conn.NextReader()
		if wsErr != nil {
			switch {
			case websocket.IsCloseError(wsErr, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Warn().Err(wsErr).Msg("connection closed")
			case ctx.Err() != nil:
				logger.Debug().Err(wsErr).Msg("receiver stopped")
			default:
				logger.Error().Err(wsErr).Msg("unexpected error during receive")
			}
			return
		}
		if mt != websocket.BinaryMessage {
			logger.Debug().Msg("ignoring non-binary message")
			continue
		}
		if err := srv.dispatch(ctx, r, logger); err != nil {
			logger.Error().Err(err).Msg("closing session")
			return
		}
	}
}

// dispatch decodes one frame and applies it. Returned error is fatal
// for the session; rejected posts are only logged.
func (srv *Server) dispatch(ctx context.Context, r io.Reader, logger *zerolog.Logger) error {
	frame, err := codec.NewDecoder(r, srv.maxFrameSize).Next()
	if err != nil {
		return errors.Join(ErrBadFrame, err)
	}
	if e := logger.Trace(); e.Enabled() {
		header := frame
		header.Data = nil
		e.Str("frame", spew.Sdump(header)).Msg("frame received")
	}

	switch frame.Op {
	case codec.OpQueryAll:
		// reserved

	case codec.OpQuerySingle:
		srv.svc.Announce(frame.ID)

	case codec.OpSendText:
		if _, err = srv.svc.PostText(frame.Text); err != nil {
			logger.Debug().Err(err).Msg("text rejected")
		}

	case codec.OpSendFile:
		_, err = srv.svc.PostFile(ctx, frame.Name, frame.DataLen, frame.Data)
		switch {
		case err == nil:
		case errors.Is(err, codec.ErrTruncated):
			return errors.Join(ErrBadFrame, err)
		case errors.Is(err, context.Canceled):
			return err
		case errors.Is(err, service.ErrFeedIsFull), errors.Is(err, service.ErrUploadTooLarge),
			errors.Is(err, service.ErrFileExists):
			logger.Debug().Err(err).Str("name", frame.Name).Msg("upload rejected")
		default:
			logger.Error().Err(err).Str("name", frame.Name).Msg("upload failed")
		}

	default:
		logger.Debug().Stringer("op", frame.Op).Msg("ignoring unknown opcode")
	}
	return nil
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
		logger.Debug().Err(wsErr).Msg("failed to send close message")
	}
	if wsErr = conn.Close(); wsErr != nil {
		logger.Debug().Err(wsErr).Msg("failed to close websocket connection")
	}
}
