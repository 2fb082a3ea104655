package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/telemyapp/quorum-control-plane/internal/auth"
	"github.com/telemyapp/quorum-control-plane/internal/ledger"
	"github.com/telemyapp/quorum-control-plane/internal/model"
)

type createInstanceRequest struct {
	Tier            string `json:"tier"`
	PayoutRecipient string `json:"payout_recipient"`
}

type createSessionRequest struct {
	InstanceID      uint64 `json:"instance_id"`
	MaxParticipants uint32 `json:"max_participants"`
	StartAt         string `json:"start_at"`
	DurationSeconds uint64 `json:"duration_seconds"`
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// statusFor maps a ledger rejection code to an HTTP status.
func statusFor(code ledger.Code) int {
	switch code {
	case ledger.CodeNotFound:
		return http.StatusNotFound
	case ledger.CodeInvalidArgument, ledger.CodeZeroAmount, ledger.CodeZeroRecipient, ledger.CodeStartNotInFuture,
		ledger.CodeZeroPrice, ledger.CodeOverflow, ledger.CodeBelowRequirement:
		return http.StatusUnprocessableEntity
	case ledger.CodeNotJoined, ledger.CodeNotRecipient:
		return http.StatusForbidden
	case ledger.CodeTransferFailed, ledger.CodeInsufficientFunds:
		return http.StatusPaymentRequired
	case "":
		return http.StatusInternalServerError
	default:
		return http.StatusConflict
	}
}

func (s *Server) writeLedgerError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := ledger.CodeOf(err)
	status := statusFor(code)
	if status == http.StatusInternalServerError {
		s.log.WithFields(logrus.Fields{
			"op":         op,
			"request_id": middleware.GetReqID(r.Context()),
			"err":        err,
		}).Error("ledger call failed")
		writeAPIError(w, r, status, "internal_error", op+" failed")
		return
	}
	writeAPIError(w, r, status, string(code), err.Error())
}

func pathID(r *http.Request, name string) (uint64, error) {
	return strconv.ParseUint(chi.URLParam(r, name), 10, 64)
}

func (s *Server) caller(w http.ResponseWriter, r *http.Request) (string, bool) {
	account, ok := auth.AccountFromContext(r.Context())
	if !ok {
		writeAPIError(w, r, http.StatusUnauthorized, "unauthorized", "missing caller identity")
	}
	return account, ok
}

func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := pathID(r, "id")
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "session id must be a positive integer")
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return false
	}
	return true
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	var req createInstanceRequest
	if !decode(w, r, &req) {
		return
	}
	tier, err := model.ParseTier(req.Tier)
	if err != nil {
		writeAPIError(w, r, http.StatusUnprocessableEntity, string(ledger.CodeInvalidArgument), err.Error())
		return
	}
	inst, err := s.ledger.CreateInstance(r.Context(), tier, req.PayoutRecipient)
	if err != nil {
		s.writeLedgerError(w, r, "create_instance", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"instance": toInstanceResponse(inst)})
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "instance id must be a positive integer")
		return
	}
	inst, err := s.ledger.Instance(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, r, "get_instance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": toInstanceResponse(inst)})
}

func (s *Server) handleSetInstanceEnabled(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "instance id must be a positive integer")
		return
	}
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "enabled is required")
		return
	}
	inst, err := s.ledger.SetInstanceEnabled(r.Context(), id, *req.Enabled)
	if err != nil {
		s.writeLedgerError(w, r, "set_instance_enabled", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"instance": toInstanceResponse(inst)})
}

func (s *Server) handleCredit(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	if account == "" {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "account is required")
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Amount == 0 {
		writeAPIError(w, r, http.StatusUnprocessableEntity, string(ledger.CodeZeroAmount), "amount must be positive")
		return
	}
	balance, err := s.funder.Credit(r.Context(), account, req.Amount)
	if err != nil {
		s.writeLedgerError(w, r, "credit", err)
		return
	}
	s.log.WithFields(logrus.Fields{"account": account, "amount": req.Amount, "balance": balance}).Info("account credited")
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": balance})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")
	balance, err := s.funder.Balance(r.Context(), account)
	if err != nil {
		s.writeLedgerError(w, r, "balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": account, "balance": balance})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.caller(w, r); !ok {
		return
	}
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	startAt, err := time.Parse(time.RFC3339, req.StartAt)
	if err != nil {
		writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "start_at must be RFC3339")
		return
	}
	sess, err := s.ledger.CreateSession(r.Context(), ledger.CreateSessionInput{
		InstanceID:      req.InstanceID,
		MaxParticipants: req.MaxParticipants,
		StartAt:         startAt,
		DurationSeconds: req.DurationSeconds,
	})
	if err != nil {
		s.writeLedgerError(w, r, "create_session", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := s.ledger.Session(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, r, "get_session", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	parts, err := s.ledger.Participants(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, r, "list_participants", err)
		return
	}
	out := make([]map[string]any, 0, len(parts))
	for i := range parts {
		out = append(out, toParticipantResponse(&parts[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"participants": out})
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	part, err := s.ledger.Participant(r.Context(), id, chi.URLParam(r, "account"))
	if err != nil {
		s.writeLedgerError(w, r, "get_participant", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant": toParticipantResponse(part)})
}

func (s *Server) handleSettlement(w http.ResponseWriter, r *http.Request) {
	account, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	st, err := s.ledger.Settlement(r.Context(), id, account)
	if err != nil {
		s.writeLedgerError(w, r, "settlement", err)
		return
	}
	resp := map[string]any{
		"session":               toSessionResponse(&st.Session),
		"unlocked":              st.Unlocked,
		"provider_withdrawable": st.ProviderWithdrawable,
		"final_cost":            st.FinalCost,
		"refundable":            st.Refundable,
		"refund_share":          st.RefundShare,
		"not_started_refund":    st.NotStartedRefund,
	}
	if st.Participant != nil {
		resp["participant"] = toParticipantResponse(st.Participant)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	if s.history == nil {
		writeAPIError(w, r, http.StatusNotFound, "events_unavailable", "event history is not configured")
		return
	}
	if _, err := s.ledger.Session(r.Context(), id); err != nil {
		s.writeLedgerError(w, r, "session_events", err)
		return
	}
	events, err := s.history.SessionEvents(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, r, "session_events", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "events": events})
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	account, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	part, err := s.ledger.Join(r.Context(), id, account)
	if err != nil {
		s.writeLedgerError(w, r, "join", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant": toParticipantResponse(part)})
}

func (s *Server) handleDeposit(w http.ResponseWriter, r *http.Request) {
	s.handleAmount(w, r, "deposit", s.ledger.Deposit)
}

func (s *Server) handleWithdrawExcess(w http.ResponseWriter, r *http.Request) {
	s.handleAmount(w, r, "withdraw_excess", s.ledger.WithdrawExcess)
}

type amountOp func(ctx context.Context, sessionID uint64, account string, amount uint64) (*model.Participant, error)

func (s *Server) handleAmount(w http.ResponseWriter, r *http.Request, op string, fn amountOp) {
	account, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !decode(w, r, &req) {
		return
	}
	part, err := fn(r.Context(), id, account, req.Amount)
	if err != nil {
		s.writeLedgerError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant": toParticipantResponse(part)})
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "finalize", s.ledger.Finalize)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "check_activation", s.ledger.CheckActivation)
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	s.handleTransition(w, r, "close", s.ledger.CloseIfExpired)
}

type transitionOp func(ctx context.Context, sessionID uint64) (*model.Session, error)

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request, op string, fn transitionOp) {
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	sess, err := fn(r.Context(), id)
	if err != nil {
		s.writeLedgerError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": toSessionResponse(sess)})
}

func (s *Server) handleProviderWithdraw(w http.ResponseWriter, r *http.Request) {
	s.handlePayout(w, r, "provider_withdraw", s.ledger.ProviderWithdraw)
}

func (s *Server) handleRefundNotStarted(w http.ResponseWriter, r *http.Request) {
	s.handlePayout(w, r, "withdraw_if_not_started", s.ledger.WithdrawIfNotStarted)
}

func (s *Server) handleRefundClosed(w http.ResponseWriter, r *http.Request) {
	s.handlePayout(w, r, "refund_closed", s.ledger.RefundClosed)
}

type payoutOp func(ctx context.Context, sessionID uint64, account string) (uint64, error)

func (s *Server) handlePayout(w http.ResponseWriter, r *http.Request, op string, fn payoutOp) {
	account, ok := s.caller(w, r)
	if !ok {
		return
	}
	id, ok := s.sessionID(w, r)
	if !ok {
		return
	}
	amount, err := fn(r.Context(), id, account)
	if err != nil {
		s.writeLedgerError(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "account": account, "amount": amount})
}

func toInstanceResponse(inst *model.Instance) map[string]any {
	return map[string]any{
		"instance_id":      inst.ID,
		"tier":             string(inst.Tier),
		"payout_recipient": inst.PayoutRecipient,
		"enabled":          inst.Enabled,
		"created_at":       inst.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toSessionResponse(sess *model.Session) map[string]any {
	resp := map[string]any{
		"session_id":        sess.ID,
		"instance_id":       sess.InstanceID,
		"status":            string(sess.Status),
		"max_participants":  sess.MaxParticipants,
		"joined_count":      sess.JoinedCount,
		"ready_count":       sess.ReadyCount,
		"start_at":          sess.StartAt.UTC().Format(time.RFC3339),
		"duration_seconds":  sess.DurationSeconds,
		"price_per_second":  sess.PricePerSecond,
		"required_per_user": sess.RequiredPerUser,
		"total_required":    sess.TotalRequired(),
		"funds": map[string]any{
			"total_deposited": sess.TotalDeposited,
			"withdrawn_gross": sess.WithdrawnGross,
			"refunded_total":  sess.RefundedTotal,
		},
	}
	if sess.StartTime != nil {
		resp["start_time"] = sess.StartTime.UTC().Format(time.RFC3339)
		resp["stop_at"] = sess.StopAt().UTC().Format(time.RFC3339)
	}
	return resp
}

func toParticipantResponse(p *model.Participant) map[string]any {
	return map[string]any{
		"session_id":     p.SessionID,
		"account":        p.Account,
		"joined":         p.Joined,
		"deposited":      p.Deposited,
		"refund_claimed": p.RefundClaimed,
	}
}
