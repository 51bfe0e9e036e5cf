package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"zhihupub/internal/domain"
	"zhihupub/internal/eventbus"
	"zhihupub/internal/generator"
	"zhihupub/internal/pilot"
	"zhihupub/internal/ratelimit"
	"zhihupub/internal/storage"

	"github.com/gorilla/mux"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// Scheduler is the task API the handlers drive.
type Scheduler interface {
	ScheduleImmediate(ctx context.Context, articleID, accountID string) (domain.Task, error)
	ScheduleAt(ctx context.Context, articleID, accountID string, at time.Time) (domain.Task, error)
	ScheduleBatch(ctx context.Context, articleIDs []string, accountID string, interval time.Duration) ([]domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f storage.TaskFilter) ([]domain.Task, error)
	Attempts(ctx context.Context, taskID string) ([]domain.Attempt, error)
	Cancel(ctx context.Context, taskID string) (domain.Task, error)
	Reschedule(ctx context.Context, taskID string, at time.Time) (domain.Task, error)
	Requeue(ctx context.Context, taskID string) (domain.Task, error)
}

// Catalog stores accounts and articles. storage.Store implements it.
type Catalog interface {
	PutAccount(ctx context.Context, a domain.Account) error
	GetAccount(ctx context.Context, id string) (domain.Account, error)
	ListAccounts(ctx context.Context) ([]domain.Account, error)
	PutArticle(ctx context.Context, a domain.Article) error
	GetArticle(ctx context.Context, id string) (domain.Article, error)
}

type DraftCreator interface {
	Create(ctx context.Context, p generator.Prompt) (domain.Article, error)
}

type LimitChecker interface {
	Check(ctx context.Context, acct domain.Account, now time.Time) (ratelimit.Decision, error)
}

// Pilot runs content directions on demand. *pilot.Service implements it.
type Pilot interface {
	RunOnce(ctx context.Context) []pilot.Result
	Stats() pilot.Stats
}

// Deps are the services behind the routes. Drafts, Limits, Pilot, Metrics
// and Health are optional; their routes answer 404 or are omitted when nil.
type Deps struct {
	Scheduler Scheduler
	Catalog   Catalog
	Bus       *eventbus.Bus
	Drafts    DraftCreator
	Limits    LimitChecker
	Pilot     Pilot
	Metrics   http.Handler
	Health    func() map[string]any
	Now       func() time.Time
}

func (d Deps) validate() error {
	switch {
	case d.Scheduler == nil:
		return errors.New("httpapi: scheduler is required")
	case d.Catalog == nil:
		return errors.New("httpapi: catalog is required")
	case d.Bus == nil:
		return errors.New("httpapi: event bus is required")
	}
	return nil
}

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}
	s.mountPprof(r)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(withAuth(s.cfg.Token))

	api.HandleFunc("/publish/now", s.publishNow).Methods(http.MethodPost)
	api.HandleFunc("/publish/schedule", s.publishSchedule).Methods(http.MethodPost)
	api.HandleFunc("/publish/batch", s.publishBatch).Methods(http.MethodPost)

	api.HandleFunc("/tasks", s.listTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.getTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}", s.rescheduleTask).Methods(http.MethodPut)
	api.HandleFunc("/tasks/{id}/attempts", s.taskAttempts).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/cancel", s.cancelTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/requeue", s.requeueTask).Methods(http.MethodPost)

	api.HandleFunc("/accounts", s.listAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts", s.putAccount).Methods(http.MethodPost)
	api.HandleFunc("/accounts/{id}", s.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", s.putAccount).Methods(http.MethodPut)
	api.HandleFunc("/accounts/{id}/limit", s.accountLimit).Methods(http.MethodGet)

	api.HandleFunc("/articles", s.createArticle).Methods(http.MethodPost)
	api.HandleFunc("/articles/generate", s.generateArticle).Methods(http.MethodPost)
	api.HandleFunc("/articles/{id}", s.getArticle).Methods(http.MethodGet)

	api.HandleFunc("/pilot", s.pilotStatus).Methods(http.MethodGet)
	api.HandleFunc("/pilot/run", s.runPilot).Methods(http.MethodPost)

	api.HandleFunc("/events/stream", s.stream).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no such route", Code: "not_found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Error: "method not allowed", Code: "method_not_allowed"})
	})
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if s.deps.Health != nil {
		for k, v := range s.deps.Health() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type publishRequest struct {
	ArticleID   string     `json:"article_id"`
	AccountID   string     `json:"account_id"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (s *Server) publishNow(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	t, err := s.deps.Scheduler.ScheduleImmediate(r.Context(), req.ArticleID, req.AccountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) publishSchedule(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ScheduledAt == nil {
		s.writeError(w, r, domain.InvalidInput("scheduled_at is required"))
		return
	}
	t, err := s.deps.Scheduler.ScheduleAt(r.Context(), req.ArticleID, req.AccountID, *req.ScheduledAt)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

type batchRequest struct {
	ArticleIDs      []string `json:"article_ids"`
	AccountID       string   `json:"account_id"`
	IntervalMinutes int      `json:"interval_minutes"`
}

func (s *Server) publishBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.IntervalMinutes < 0 {
		s.writeError(w, r, domain.InvalidInput("interval_minutes must not be negative"))
		return
	}
	tasks, err := s.deps.Scheduler.ScheduleBatch(r.Context(), req.ArticleIDs, req.AccountID, time.Duration(req.IntervalMinutes)*time.Minute)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	f := storage.TaskFilter{AccountID: q.Get("account_id"), Limit: limit, Newest: true}
	for _, raw := range q["status"] {
		for _, st := range strings.Split(raw, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, domain.Status(st))
			}
		}
	}
	tasks, err := s.deps.Scheduler.List(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks, "count": len(tasks)})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.deps.Scheduler.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) rescheduleTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScheduledAt *time.Time `json:"scheduled_at"`
	}
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ScheduledAt == nil {
		s.writeError(w, r, domain.InvalidInput("scheduled_at is required"))
		return
	}
	s.taskOp(w, r, func(ctx context.Context, id string) (domain.Task, error) {
		return s.deps.Scheduler.Reschedule(ctx, id, *req.ScheduledAt)
	})
}

func (s *Server) taskAttempts(w http.ResponseWriter, r *http.Request) {
	as, err := s.deps.Scheduler.Attempts(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if as == nil {
		as = []domain.Attempt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attempts": as, "count": len(as)})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.taskOp(w, r, s.deps.Scheduler.Cancel)
}

func (s *Server) requeueTask(w http.ResponseWriter, r *http.Request) {
	s.taskOp(w, r, s.deps.Scheduler.Requeue)
}

func (s *Server) taskOp(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (domain.Task, error)) {
	t, err := op(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type accountRequest struct {
	ID            string            `json:"id"`
	Nickname      string            `json:"nickname"`
	ProfileHandle string            `json:"profile_handle"`
	Active        *bool             `json:"active"`
	LoginState    domain.LoginState `json:"login_state"`
	DailyLimit    int               `json:"daily_limit"`
}

// putAccount creates (POST) or replaces (PUT) an account. Active defaults to
// true and login_state to logged_out.
func (s *Server) putAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ctx := r.Context()
	acct := domain.Account{
		ID:            req.ID,
		Nickname:      strings.TrimSpace(req.Nickname),
		ProfileHandle: strings.TrimSpace(req.ProfileHandle),
		Active:        req.Active == nil || *req.Active,
		LoginState:    req.LoginState,
		DailyLimit:    req.DailyLimit,
		CreatedAt:     s.deps.Now().UTC(),
	}
	status := http.StatusCreated
	if id, ok := mux.Vars(r)["id"]; ok {
		prev, err := s.deps.Catalog.GetAccount(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		acct.ID, acct.CreatedAt, status = id, prev.CreatedAt, http.StatusOK
	}
	if acct.ID == "" {
		acct.ID = domain.NewID()
	}
	if acct.LoginState == "" {
		acct.LoginState = domain.LoginLoggedOut
	}
	switch acct.LoginState {
	case domain.LoginLoggedIn, domain.LoginLoggedOut, domain.LoginExpired:
	default:
		s.writeError(w, r, domain.InvalidInput("unknown login_state %q", acct.LoginState))
		return
	}
	if err := requireField("nickname", acct.Nickname); err != nil {
		s.writeError(w, r, err)
		return
	}
	if acct.DailyLimit < 0 {
		s.writeError(w, r, domain.InvalidInput("daily_limit must not be negative"))
		return
	}
	if err := s.deps.Catalog.PutAccount(ctx, acct); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, acct)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Catalog.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	as, err := s.deps.Catalog.ListAccounts(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if as == nil {
		as = []domain.Account{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": as, "count": len(as)})
}

// accountLimit reports what the limiter would decide for the account now.
func (s *Server) accountLimit(w http.ResponseWriter, r *http.Request) {
	if s.deps.Limits == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "rate limiter not available", Code: "not_found"})
		return
	}
	ctx := r.Context()
	acct, err := s.deps.Catalog.GetAccount(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dec, err := s.deps.Limits.Check(ctx, acct, s.deps.Now())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	body := map[string]any{"account_id": acct.ID, "allowed": dec.Allowed}
	if !dec.Allowed {
		body["gate"] = string(dec.Gate)
		body["reason"] = dec.Reason
		body["retry_at"] = dec.RetryAt.UTC()
	}
	writeJSON(w, http.StatusOK, body)
}

type articleRequest struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Tags  []string `json:"tags"`
}

func (s *Server) createArticle(w http.ResponseWriter, r *http.Request) {
	var req articleRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	title := strings.TrimSpace(req.Title)
	if err := requireField("title", title); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := requireField("body", strings.TrimSpace(req.Body)); err != nil {
		s.writeError(w, r, err)
		return
	}
	now := s.deps.Now().UTC()
	a := domain.Article{
		ID:        domain.NewID(),
		Title:     title,
		Body:      req.Body,
		Tags:      req.Tags,
		WordCount: generator.CountWords(req.Body),
		Status:    domain.ArticleDraft,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if a.Tags == nil {
		a.Tags = []string{}
	}
	if err := s.deps.Catalog.PutArticle(r.Context(), a); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) generateArticle(w http.ResponseWriter, r *http.Request) {
	if s.deps.Drafts == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "content generator not configured", Code: "not_found"})
		return
	}
	var p generator.Prompt
	if err := decode(r, &p); err != nil {
		s.writeError(w, r, err)
		return
	}
	a, err := s.deps.Drafts.Create(r.Context(), p)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) getArticle(w http.ResponseWriter, r *http.Request) {
	a, err := s.deps.Catalog.GetArticle(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) pilotStatus(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Pilot == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "pilot not enabled", Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Pilot.Stats())
}

func (s *Server) runPilot(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pilot == nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "pilot not enabled", Code: "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": s.deps.Pilot.RunOnce(r.Context())})
}
