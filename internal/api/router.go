package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/auth"
	"github.com/telemyapp/quorum-control-plane/internal/config"
	"github.com/telemyapp/quorum-control-plane/internal/ledger"
	"github.com/telemyapp/quorum-control-plane/internal/metrics"
	"github.com/telemyapp/quorum-control-plane/internal/model"
)

// Ledger is the set of engine operations exposed over HTTP.
type Ledger interface {
	Mode() ledger.Mode
	CreateInstance(ctx context.Context, tier model.Tier, recipient string) (*model.Instance, error)
	SetInstanceEnabled(ctx context.Context, instanceID uint64, enabled bool) (*model.Instance, error)
	Instance(ctx context.Context, id uint64) (*model.Instance, error)
	CreateSession(ctx context.Context, in ledger.CreateSessionInput) (*model.Session, error)
	Session(ctx context.Context, id uint64) (*model.Session, error)
	Participant(ctx context.Context, sessionID uint64, account string) (*model.Participant, error)
	Participants(ctx context.Context, sessionID uint64) ([]model.Participant, error)
	Settlement(ctx context.Context, sessionID uint64, account string) (*ledger.Settlement, error)
	Join(ctx context.Context, sessionID uint64, account string) (*model.Participant, error)
	Deposit(ctx context.Context, sessionID uint64, account string, amount uint64) (*model.Participant, error)
	WithdrawExcess(ctx context.Context, sessionID uint64, account string, amount uint64) (*model.Participant, error)
	Finalize(ctx context.Context, sessionID uint64) (*model.Session, error)
	CheckActivation(ctx context.Context, sessionID uint64) (*model.Session, error)
	CloseIfExpired(ctx context.Context, sessionID uint64) (*model.Session, error)
	ProviderWithdraw(ctx context.Context, sessionID uint64, caller string) (uint64, error)
	WithdrawIfNotStarted(ctx context.Context, sessionID uint64, account string) (uint64, error)
	RefundClosed(ctx context.Context, sessionID uint64, account string) (uint64, error)
}

// Funder credits accounts from outside the ledger.
type Funder interface {
	Credit(ctx context.Context, account string, amount uint64) (uint64, error)
	Balance(ctx context.Context, account string) (uint64, error)
}

type EventHistory interface {
	SessionEvents(ctx context.Context, sessionID uint64) ([]model.Event, error)
}

type Server struct {
	cfg     config.Config
	ledger  Ledger
	funder  Funder
	history EventHistory
	log     logrus.FieldLogger
}

func NewRouter(cfg config.Config, l Ledger, funder Funder, history EventHistory, log logrus.FieldLogger) http.Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &Server{cfg: cfg, ledger: l, funder: funder, history: history, log: log}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "activation_mode": string(l.Mode())})
	})
	r.Get("/metrics", metrics.Default().Handler().ServeHTTP)

	r.Route("/api/v1", func(v1 chi.Router) {
		v1.With(auth.Middleware(cfg.JWTSecret)).Group(func(authed chi.Router) {
			authed.Post("/instances", s.handleCreateInstance)
			authed.Get("/instances/{id}", s.handleGetInstance)

			authed.Post("/sessions", s.handleCreateSession)
			authed.Route("/sessions/{id}", func(sr chi.Router) {
				sr.Get("/", s.handleGetSession)
				sr.Get("/participants", s.handleListParticipants)
				sr.Get("/participants/{account}", s.handleGetParticipant)
				sr.Get("/settlement", s.handleSettlement)
				sr.Get("/events", s.handleSessionEvents)

				sr.Post("/join", s.handleJoin)
				sr.Post("/deposit", s.handleDeposit)
				sr.Post("/withdraw-excess", s.handleWithdrawExcess)
				sr.Post("/finalize", s.handleFinalize)
				sr.Post("/activate", s.handleActivate)
				sr.Post("/close", s.handleClose)
				sr.Post("/provider-withdraw", s.handleProviderWithdraw)
				sr.Post("/refund-not-started", s.handleRefundNotStarted)
				sr.Post("/refund-closed", s.handleRefundClosed)
			})
		})

		v1.With(auth.OperatorMiddleware(cfg.OperatorKey)).Group(func(op chi.Router) {
			op.Put("/instances/{id}/enabled", s.handleSetInstanceEnabled)
			op.Post("/accounts/{account}/credit", s.handleCredit)
			op.Get("/accounts/{account}/balance", s.handleBalance)
		})
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.WithFields(logrus.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Info("http request")
	})
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
