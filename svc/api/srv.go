package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"

	"takobin/cfg"
	"takobin/metrics"
	"takobin/svc/db"
	"takobin/svc/lim"
	"takobin/svc/svc"
	"takobin/svc/util"
)

type Server struct {
	router     *chi.Mux
	paste      *svc.Paste
	files      *svc.Files
	lim        *lim.Limiter
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

type Deps struct {
	Cfg     *cfg.Cfg
	Paste   *svc.Paste
	Files   *svc.Files
	Limiter *lim.Limiter
	Mw      *Mw
	DB      *db.SQLite
	Redis   *db.Redis
}

func NewServer(d Deps) *Server {
	r := chi.NewRouter()
	mw := d.Mw
	s := &Server{
		router: r,
		paste:  d.Paste,
		files:  d.Files,
		lim:    d.Limiter,
		cfg:    d.Cfg,
		db:     d.DB,
		rdb:    d.Redis,
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			metrics.RequestDuration.
				WithLabelValues(req.Method, req.URL.Path, strconv.Itoa(status)).
				Observe(dur.Seconds())
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(d.Cfg.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.Authenticate)
		r.Use(mw.AnomalyDetection)

		hdl := &Hdl{paste: d.Paste, cfg: d.Cfg}
		fhdl := &FilesHdl{files: d.Files, cfg: d.Cfg}

		r.Group(func(r chi.Router) {
			r.Use(mw.JSONContentType)
			r.With(mw.RateLimit("create")).Post("/pastes", hdl.CreatePaste)
			r.With(mw.RateLimit("read")).Get("/pastes/{id}", hdl.GetPaste)
			r.With(mw.RateLimit("write")).Patch("/pastes/{id}", hdl.UpdatePaste)
			r.With(mw.RateLimit("write")).Delete("/pastes/{id}", hdl.DeletePaste)
			r.With(mw.RateLimit("read")).Get("/users/me/pastes", hdl.ListMyPastes)
			r.With(mw.RateLimit("write")).Delete("/users/me/pastes", hdl.DeleteMyPastes)

			r.With(mw.RateLimit("upload")).Post("/pastes/{id}/files", fhdl.UploadFile)
			r.With(mw.RateLimit("read")).Get("/pastes/{id}/files", fhdl.ListFiles)
			r.With(mw.RateLimit("write")).Delete("/files/{id}", fhdl.DeleteFile)
			r.With(mw.RateLimit("write")).Delete("/users/me/files", fhdl.DeleteMyFiles)
		})
		// download streams raw bytes, so it skips the JSON content type
		r.With(mw.RateLimit("read")).Get("/files/{id}", fhdl.DownloadFile)
	})

	s.httpServer = &http.Server{
		Addr:           ":" + d.Cfg.Port,
		Handler:        r,
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 256 * 1024,
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}

func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
