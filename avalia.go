package avalia

import (
	"bytes"
	"context"
	"crypto/subtle"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

//go:embed templates
var embeddedTemplates embed.FS

const clientIDCookie = "avalia_cid"

type avalia struct {
	config  Config
	backend *Backend
	logger  *zap.Logger
	pages   map[string]*template.Template
	limiter *clientRateLimiter
	server  *http.Server

	mu     sync.RWMutex
	router *mux.Router
	routes []Route
}

func New(cfg Config, backend *Backend, logger *zap.Logger) (*avalia, error) {
	s := &avalia{
		config:  cfg,
		backend: backend,
		logger:  logger,
		limiter: newClientRateLimiter(cfg.SubmitRatePerMinute),
	}
	var templates fs.FS
	if cfg.TemplateRoot != "" {
		templates = os.DirFS(cfg.TemplateRoot)
	} else {
		sub, err := fs.Sub(embeddedTemplates, "templates")
		if err != nil {
			return nil, err
		}
		templates = sub
	}
	pages, err := ParsePages(templates)
	if err != nil {
		return nil, err
	}
	s.pages = pages
	routes := cfg.Routes
	if len(routes) == 0 {
		routes = DefaultRoutes()
	}
	err = s.LoadRouter(routes)
	if err != nil {
		return nil, err
	}
	s.server = &http.Server{
		Addr:              ":" + cfg.ListenPort,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// ParsePages parses base.go.html and one overlay per page from fsys. Each
// overlay lives at <page>/index.go.html.
func ParsePages(fsys fs.FS) (map[string]*template.Template, error) {
	funcMap := template.FuncMap{
		"stars": func(n int) string {
			n = min(max(n, 0), MaxRating)
			return strings.Repeat("★", n) + strings.Repeat("☆", MaxRating-n)
		},
		"date": func(t time.Time) string {
			return t.Format("02/01/2006 15:04")
		},
		"percent": func(n, total int) int {
			if total == 0 {
				return 0
			}
			return n * 100 / total
		},
	}
	base, err := template.New("base.go.html").Funcs(funcMap).ParseFS(fsys, "base.go.html")
	if err != nil {
		return nil, err
	}
	pages := make(map[string]*template.Template)
	for _, page := range []string{ComponentEvaluation, ComponentThanks, ComponentAdmin, "notfound"} {
		overlay, err := template.Must(base.Clone()).ParseFS(fsys, page+"/index.go.html")
		if err != nil {
			return nil, err
		}
		pages[page] = overlay
	}
	return pages, nil
}

func (s *avalia) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	router := s.router
	s.mu.RUnlock()
	router.ServeHTTP(w, r)
}

func (s *avalia) ListenAndServe() error {
	return s.server.ListenAndServe()
}

func (s *avalia) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// LoadRouter builds a router for routes and swaps it in. Requests already
// being served finish on the previous router.
func (s *avalia) LoadRouter(routes []Route) error {
	router, err := s.CreateRouter(routes)
	if err != nil {
		s.logger.Error("route table rejected", zap.Error(err))
		return err
	}
	s.mu.Lock()
	s.router = router
	s.routes = append([]Route(nil), routes...)
	s.mu.Unlock()
	for _, route := range routes {
		s.logger.Info("route loaded",
			zap.String("name", route.Name),
			zap.String("path", route.Path),
			zap.String("component", route.Component))
	}
	return nil
}

func (s *avalia) CreateRouter(routes []Route) (*mux.Router, error) {
	err := ValidateRoutes(routes)
	if err != nil {
		return nil, err
	}
	router := mux.NewRouter()
	router.Use(s.LogRequests)
	for _, r := range routes {
		switch r.Component {
		case ComponentEvaluation:
			router.HandleFunc(r.Path, s.EvaluationHandler).
				Name(r.Name).
				Methods(http.MethodGet, http.MethodHead)
			router.HandleFunc(r.Path, s.SubmitHandler).
				Name(r.Name + ".submit").
				Methods(http.MethodPost)
		case ComponentThanks:
			router.HandleFunc(r.Path, s.ThanksHandler).
				Name(r.Name).
				Methods(http.MethodGet, http.MethodHead)
		case ComponentAdmin:
			router.HandleFunc(r.Path, s.RequireAdmin(s.AdminHandler)).
				Name(r.Name).
				Methods(http.MethodGet, http.MethodHead)
		}
	}
	for endpoint, dir := range s.config.FileServers {
		router.PathPrefix(endpoint).Handler(http.StripPrefix(endpoint, http.FileServer(http.Dir(dir))))
	}
	router.NotFoundHandler = s.LogRequests(http.HandlerFunc(s.NotFoundHandler))
	return router, nil
}

// Resolve reports the name of the route a GET for path would render.
func (s *avalia) Resolve(path string) (string, bool) {
	s.mu.RLock()
	router := s.router
	s.mu.RUnlock()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	if err != nil {
		return "", false
	}
	var match mux.RouteMatch
	if !router.Match(req, &match) || match.MatchErr != nil || match.Route == nil {
		return "", false
	}
	return match.Route.GetName(), true
}

func (s *avalia) Routes() []Route {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Route(nil), s.routes...)
}

func (s *avalia) pathFor(component string) (string, bool) {
	route, ok := RouteFor(s.Routes(), component)
	return route.Path, ok
}

// ManagementRouter serves the route table, health and metrics endpoints on
// the management port.
func (s *avalia) ManagementRouter() *mux.Router {
	mgmtRouter := mux.NewRouter()
	mgmtRouter.HandleFunc("/routes", s.ListRoutesHandler).Methods(http.MethodGet)
	mgmtRouter.HandleFunc("/routes", s.LoadRoutesHandler).Methods(http.MethodPost)
	mgmtRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	mgmtRouter.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return mgmtRouter
}

func (s *avalia) FormatErr(err string) []byte {
	return []byte(fmt.Sprintf(`{"error":%q}`, err))
}

func (s *avalia) TeeError(w http.ResponseWriter, err error) {
	s.logger.Error("request failed", zap.Error(err))
	w.WriteHeader(http.StatusInternalServerError)
	if s.config.Debug {
		w.Write(s.FormatErr(err.Error()))
	}
}

func (s *avalia) writeRoutes(w http.ResponseWriter) {
	j, err := json.Marshal(s.Routes())
	if err != nil {
		s.TeeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(j)
}

func (s *avalia) ListRoutesHandler(w http.ResponseWriter, r *http.Request) {
	s.writeRoutes(w)
}

const maxRoutesBody = 1 << 20

// LoadRoutesHandler replaces the live route table with the JSON array in the
// request body. An empty body restores the default table.
func (s *avalia) LoadRoutesHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("loading routes")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRoutesBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			w.Write(s.FormatErr(err.Error()))
			return
		}
		s.TeeError(w, err)
		return
	}
	routes, err := GetRoutesFromBytes(body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write(s.FormatErr(err.Error()))
		return
	}
	err = s.LoadRouter(routes)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		w.Write(s.FormatErr(err.Error()))
		return
	}
	s.writeRoutes(w)
}

func GetRoutesFromBytes(b []byte) ([]Route, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return DefaultRoutes(), nil
	}
	var result []Route
	err := json.Unmarshal(b, &result)
	return result, err
}

// RequireAdmin gates wrapped behind basic auth when admin credentials are
// configured.
func (s *avalia) RequireAdmin(wrapped http.HandlerFunc) http.HandlerFunc {
	if !s.config.AdminProtected() {
		return wrapped
	}
	wantUser := []byte(s.config.AdminAuth["User"])
	wantPass := []byte(s.config.AdminAuth["Password"])
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		userOK := subtle.ConstantTimeCompare([]byte(user), wantUser) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), wantPass) == 1
		if !ok || !userOK || !passOK {
			s.logger.Warn("admin authorization failed", zap.String("remote", clientAddr(r)))
			w.Header().Set("WWW-Authenticate", `Basic realm="avalia", charset="UTF-8"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		wrapped(w, r)
	}
}

type pageData struct {
	Title          string
	Route          string
	Paths          map[string]string
	FirebaseConfig map[string]string
	MeasurementID  string
	Form           Evaluation
	FormError      string
	Evaluations    []Evaluation
	Summary        Summary
}

func (s *avalia) newPageData(r *http.Request, title string) pageData {
	data := pageData{
		Title:         title,
		Paths:         make(map[string]string),
		MeasurementID: s.config.Firebase.MeasurementID,
	}
	if route := mux.CurrentRoute(r); route != nil {
		data.Route = route.GetName()
	}
	for _, route := range s.Routes() {
		data.Paths[route.Component] = route.Path
	}
	if data.MeasurementID != "" {
		data.FirebaseConfig = s.config.Firebase.WebConfig()
	}
	return data
}

func (s *avalia) render(w http.ResponseWriter, r *http.Request, status int, page string, data pageData) {
	tmpl, ok := s.pages[page]
	if !ok {
		s.TeeError(w, fmt.Errorf("no template for page %s", page))
		return
	}
	var buf bytes.Buffer
	err := tmpl.ExecuteTemplate(&buf, "base.go.html", data)
	if err != nil {
		s.TeeError(w, err)
		return
	}
	cid := clientID(w, r)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		w.Write(buf.Bytes())
	}
	route := data.Route
	if route == "" {
		route = page
	}
	pageViewsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	if r.Method == http.MethodGet {
		s.logEvent(r, cid, "page_view", map[string]interface{}{
			"page_location": r.URL.Path,
			"page_title":    data.Title,
		})
	}
}

func (s *avalia) EvaluationHandler(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, ComponentEvaluation, s.newPageData(r, "Avaliação"))
}

func (s *avalia) SubmitHandler(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow(clientAddr(r)) {
		submissionsTotal.WithLabelValues("limited").Inc()
		w.Header().Set("Retry-After", "60")
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	err := r.ParseForm()
	if err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	eval, err := parseEvaluation(r)
	if err != nil {
		submissionsTotal.WithLabelValues("invalid").Inc()
		data := s.newPageData(r, "Avaliação")
		data.Form = eval
		data.FormError = formErrorMessage(err)
		s.render(w, r, http.StatusUnprocessableEntity, ComponentEvaluation, data)
		return
	}
	start := time.Now()
	id, err := s.backend.DB.AddEvaluation(r.Context(), eval)
	storeDuration.WithLabelValues("add").Observe(time.Since(start).Seconds())
	if err != nil {
		submissionsTotal.WithLabelValues("error").Inc()
		s.TeeError(w, err)
		return
	}
	submissionsTotal.WithLabelValues("ok").Inc()
	s.logger.Info("evaluation stored", zap.String("id", id), zap.Int("rating", eval.Rating))
	s.logEvent(r, clientID(w, r), "evaluation_submitted", map[string]interface{}{"rating": eval.Rating})
	next, ok := s.pathFor(ComponentThanks)
	if !ok {
		next = r.URL.Path
	}
	http.Redirect(w, r, next, http.StatusSeeOther)
}

func parseEvaluation(r *http.Request) (Evaluation, error) {
	eval := Evaluation{
		Comment: r.PostFormValue("comment"),
		Name:    r.PostFormValue("name"),
	}
	rating, err := strconv.Atoi(strings.TrimSpace(r.PostFormValue("rating")))
	if err != nil {
		return eval, fmt.Errorf("%w: %q", ErrInvalidRating, r.PostFormValue("rating"))
	}
	eval.Rating = rating
	return eval, eval.Validate()
}

func formErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRating):
		return "Escolha uma nota de 1 a 5."
	case errors.Is(err, ErrCommentTooLong):
		return fmt.Sprintf("O comentário pode ter no máximo %d caracteres.", MaxCommentLength)
	case errors.Is(err, ErrNameTooLong):
		return fmt.Sprintf("O nome pode ter no máximo %d caracteres.", MaxNameLength)
	}
	return "Não foi possível registrar a avaliação."
}

func (s *avalia) ThanksHandler(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusOK, ComponentThanks, s.newPageData(r, "Obrigado"))
}

type adminResponse struct {
	Summary     Summary      `json:"summary"`
	Evaluations []Evaluation `json:"evaluations"`
}

func (s *avalia) AdminHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	evals, err := s.backend.DB.ListEvaluations(r.Context(), s.config.AdminPageSize)
	storeDuration.WithLabelValues("list").Observe(time.Since(start).Seconds())
	if err != nil {
		s.TeeError(w, err)
		return
	}
	summary := Summarize(evals)
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		j, err := json.Marshal(adminResponse{Summary: summary, Evaluations: evals})
		if err != nil {
			s.TeeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(j)
		return
	}
	data := s.newPageData(r, "Administração")
	data.Evaluations = evals
	data.Summary = summary
	s.render(w, r, http.StatusOK, ComponentAdmin, data)
}

func (s *avalia) NotFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.render(w, r, http.StatusNotFound, "notfound", s.newPageData(r, "Página não encontrada"))
}

// logEvent reports to analytics without holding up the response.
func (s *avalia) logEvent(r *http.Request, cid string, name string, params map[string]interface{}) {
	if s.backend == nil || s.backend.Analytics == nil {
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		err := s.backend.Analytics.LogEvent(ctx, cid, name, params)
		if err != nil {
			s.logger.Warn("analytics event failed", zap.String("event", name), zap.Error(err))
		}
	}()
}

// clientID returns the analytics client id carried by r, issuing a new one
// in a cookie when there is none. Must run before the header is written.
func clientID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(clientIDCookie); err == nil && c.Value != "" {
		return c.Value
	}
	cid := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     clientIDCookie,
		Value:    cid,
		Path:     "/",
		MaxAge:   2 * 365 * 24 * 60 * 60,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return cid
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *avalia) LogRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}
