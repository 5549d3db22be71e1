package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/adwski/sharefeed/backend/model"
	"github.com/adwski/sharefeed/backend/service"
)

const (
	defaultShutdownDeadline  = 10 * time.Second
	defaultReadHeaderTimeout = 10 * time.Second

	fallbackContentType = "text/plain"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type FeedService interface {
	Snapshot() []model.FeedEntry
	Delete(id int32) error
}

type FileSource interface {
	Open(name string) (*os.File, error)
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type EntryResponse struct {
	ID        int32     `json:"id"`
	Kind      string    `json:"kind"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type Server struct {
	logger zerolog.Logger
	svc    FeedService
	files  FileSource
	*http.Server
}

type Config struct {
	Logger      *zerolog.Logger
	FeedService FeedService
	Files       FileSource
	// WebSocket serves feed sessions at /ws.
	WebSocket      http.Handler
	ListenAddr     string
	StaticDir      string
	AllowedOrigins []string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "http-server").Logger(),
		svc:    cfg.FeedService,
		files:  cfg.Files,
	}

	r := mux.NewRouter()
	r.Handle("/ws", cfg.WebSocket).Methods(http.MethodGet)
	r.HandleFunc("/queryfile/{path:.*}", srv.queryFile).Methods(http.MethodGet)
	r.HandleFunc("/api/feed", srv.listFeed).Methods(http.MethodGet)
	r.HandleFunc("/api/feed/{id}", srv.deleteEntry).Methods(http.MethodDelete)
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	if cfg.StaticDir != "" {
		r.PathPrefix("/").Handler(http.FileServer(http.Dir(cfg.StaticDir)))
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:         86400,
	})

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           c.Handler(r),
		ReadHeaderTimeout: defaultReadHeaderTimeout,
	}
	return srv
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = io.WriteString(w, "ok")
}

// queryFile returns a shared file by its path relative to the share
// directory, or 204 when there is no such file.
func (srv *Server) queryFile(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["path"]

	f, err := srv.files.Open(name)
	if err != nil {
		srv.logger.Debug().Err(err).Str("name", name).Msg("file not served")
		w.WriteHeader(http.StatusNoContent)
		return
	}
	defer func() {
		_ = f.Close()
	}()

	info, err := f.Stat()
	if err != nil || !info.Mode().IsRegular() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	contentType := fallbackContentType
	if mt, errD := mimetype.DetectReader(f); errD == nil {
		contentType = mt.String()
	}
	if _, err = f.Seek(0, io.SeekStart); err != nil {
		srv.logger.Error().Err(err).Str("name", name).Msg("failed to rewind file")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
}

func (srv *Server) listFeed(w http.ResponseWriter, _ *http.Request) {
	entries := lo.Map(srv.svc.Snapshot(), func(e model.FeedEntry, _ int) EntryResponse {
		return EntryResponse{
			ID:        e.ID,
			Kind:      e.Kind.String(),
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		}
	})
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: entries})
}

func (srv *Server) deleteEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 32)
	if err != nil {
		srv.writeJSON(w, http.StatusBadRequest, &GenericResponse{Error: "invalid id"})
		return
	}

	err = srv.svc.Delete(int32(id))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, service.ErrNotFound):
		srv.writeJSON(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
	default:
		srv.logger.Error().Err(err).Int64("id", id).Msg("failed to delete entry")
		srv.writeJSON(w, http.StatusInternalServerError, &GenericResponse{Error: ErrUnexpected.Error()})
	}
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Debug().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
