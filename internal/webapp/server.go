// Package webapp serves the return desk page: the submission form, the summaries, the
// record table, and the export and download endpoints.
package webapp

import (
	"bytes"
	"context"
	"embed"
	"encoding/gob"
	"encoding/json"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/csrf"
	"github.com/gorilla/sessions"
	"github.com/phillip-england/returndesk/internal/desk"
	"github.com/phillip-england/returndesk/internal/imagestore"
	"github.com/phillip-england/returndesk/internal/middleware"
	"github.com/phillip-england/returndesk/internal/returns"
	"go.uber.org/zap"
)

//go:embed templates/index.html
var templatesFS embed.FS

const (
	sessionName   = "returndesk"
	csrfFieldName = "csrf_token"
	thumbnailSide = 160
)

func init() {
	gob.Register(Flash{})
}

type Flash struct {
	Type    string
	Message string
}

type HandlerOptions struct {
	CSRFKey       []byte
	SessionKey    []byte
	SecureCookies bool
	ExportDir     string
	// MaxBodyBytes caps request bodies ahead of the CSRF check; zero means maxSubmitBytes.
	MaxBodyBytes int64
}

type server struct {
	desk      *desk.Desk
	images    *imagestore.Store
	sessions  *sessions.CookieStore
	indexTmpl *template.Template
	exportDir string
	logger    *zap.Logger
	newID     func() string
}

func Run(ctx context.Context, cfg Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	services, err := OpenServices(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = services.Close() }()

	csrfKey, sessionKey, err := cfg.cookieKeys(logger)
	if err != nil {
		return err
	}
	handler := NewHandler(services.Desk, services.Images, HandlerOptions{
		CSRFKey:       csrfKey,
		SessionKey:    sessionKey,
		SecureCookies: cfg.SecureCookies,
		ExportDir:     cfg.ExportDir,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("return desk listening",
			zap.String("addr", cfg.Addr),
			zap.String("store", cfg.RecordStore),
			zap.String("records", services.Records.Path()),
			zap.String("images", services.Images.Dir()),
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// NewHandler wraps the routes with recovery, request logging, security headers, and
// CSRF protection.
func NewHandler(d *desk.Desk, images *imagestore.Store, opts HandlerOptions, logger *zap.Logger) http.Handler {
	s := newServer(d, images, opts, logger)

	csp := strings.Join([]string{
		"default-src 'self'",
		"style-src 'self' 'unsafe-inline'",
		"img-src 'self' data:",
		"form-action 'self'",
		"frame-ancestors 'none'",
	}, "; ")

	protect := csrf.Protect(
		opts.CSRFKey,
		csrf.Secure(opts.SecureCookies),
		csrf.Path("/"),
		csrf.FieldName(csrfFieldName),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("csrf check failed", zap.String("path", r.URL.Path), zap.Error(csrf.FailureReason(r)))
			http.Error(w, "forbidden", http.StatusForbidden)
		})),
	)

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = maxSubmitBytes
	}

	// The body cap runs before csrf.Protect, which parses the whole form.
	return middleware.Chain(
		s.routes(),
		middleware.Recover(logger),
		middleware.RequestLogger(logger),
		middleware.SecurityHeaders(middleware.SecurityHeadersConfig{ContentSecurityPolicy: csp}),
		middleware.MaxBody(maxBody),
		protect,
	)
}

func newServer(d *desk.Desk, images *imagestore.Store, opts HandlerOptions, logger *zap.Logger) *server {
	if logger == nil {
		logger = zap.NewNop()
	}
	store := sessions.NewCookieStore(opts.SessionKey)
	store.Options.HttpOnly = true
	store.Options.Secure = opts.SecureCookies
	store.Options.SameSite = http.SameSiteLaxMode
	store.Options.Path = "/"

	exportDir := opts.ExportDir
	if exportDir == "" {
		exportDir = "exports"
	}
	return &server{
		desk:      d,
		images:    images,
		sessions:  store,
		indexTmpl: template.Must(template.New("index.html").Funcs(templateFuncs).ParseFS(templatesFS, "templates/index.html")),
		exportDir: exportDir,
		logger:    logger,
		newID:     newExportID,
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.indexPage)
	mux.HandleFunc("POST /returns", s.submitReturn)
	mux.HandleFunc("POST /exports", s.exportRecords)
	mux.HandleFunc("GET /downloads/returns_display.csv", s.downloadDisplayCSV)
	mux.HandleFunc("GET /downloads/returns_raw.csv", s.downloadRawCSV)
	mux.HandleFunc("GET /images/{name}", s.imageFile)
	mux.HandleFunc("GET /health", s.health)
	return mux
}

var templateFuncs = template.FuncMap{
	"reasonLabel": func(r returns.Reason) string { return r.Label() },
	"countLabel": func(key string) string {
		if reason, err := returns.ParseReason(key); err == nil {
			return reason.Label()
		}
		return key
	},
	"imageURL": func(name string) string { return "/images/" + name },
}

func (s *server) session(r *http.Request) *sessions.Session {
	// A cookie signed with an old key yields an error and a fresh session, which is fine.
	session, _ := s.sessions.Get(r, sessionName)
	return session
}

func (s *server) redirectWithFlash(w http.ResponseWriter, r *http.Request, flashes ...Flash) {
	s.addFlashes(w, r, flashes...)
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// addFlashes stores flashes for the next page load. It must run before the body is written.
func (s *server) addFlashes(w http.ResponseWriter, r *http.Request, flashes ...Flash) {
	session := s.session(r)
	for _, f := range flashes {
		session.AddFlash(f)
	}
	if err := session.Save(r, w); err != nil {
		s.logger.Error("save session", zap.Error(err))
	}
}

func (s *server) takeFlashes(w http.ResponseWriter, r *http.Request) []Flash {
	session := s.session(r)
	raw := session.Flashes()
	if len(raw) == 0 {
		return nil
	}
	if err := session.Save(r, w); err != nil {
		s.logger.Error("save session", zap.Error(err))
	}
	flashes := make([]Flash, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(Flash); ok {
			flashes = append(flashes, f)
		}
	}
	return flashes
}

func renderHTMLTemplate(w http.ResponseWriter, tmpl *template.Template, data any) error {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return err
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, err := w.Write(buf.Bytes())
	return err
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
