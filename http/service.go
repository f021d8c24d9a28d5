// Package http provides the HTTP API of a node: opening accounts, starting deposits and
// transfers and reading their state. It also provides the endpoint for other nodes to join
// an existing cluster.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/raft-saga-store/bank"
	"github.com/raft-saga-store/command"
	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/eventual2pc"
	"github.com/raft-saga-store/store"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// LeaderHeader carries the raft address of the leader when a write reaches a follower.
const LeaderHeader = "X-Raft-Leader"

// Bank is the API served under /accounts, /deposits and /transfers.
type Bank interface {
	OpenAccount(ctx context.Context, accountID, owner string) (string, error)
	Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (string, error)
	Transfer(ctx context.Context, info bank.TransferInfo) (string, error)
	Account(ctx context.Context, id string) (bank.AccountView, error)
	TransferStatus(ctx context.Context, id string) (bank.TransferView, error)
	DepositStatus(ctx context.Context, id string) (bank.DepositView, error)
}

// Cluster is implemented by the raft event store.
type Cluster interface {
	// Leader returns the raft address of the current leader of the cluster.
	Leader() string

	// Join joins the node, identitifed by nodeID and reachable at addr, to the cluster.
	Join(nodeID string, addr string) error
}

type OpenAccountRequest struct {
	ID    string `json:"id,omitempty"`
	Owner string `json:"owner"`
}

type DepositRequest struct {
	AccountID string          `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
}

// Created is the response to a request creating an account or starting a transaction.
type Created struct {
	ID string `json:"id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Service provides HTTP service.
type Service struct {
	addr   string
	ln     net.Listener
	server *http.Server

	bank    Bank
	cluster Cluster
	metrics http.Handler
	log     *log.Entry
}

// New returns an uninitialized HTTP service. cluster and metrics may be nil.
func New(logger *log.Logger, addr string, b Bank, cluster Cluster, metrics http.Handler) *Service {
	return &Service{
		addr:    addr,
		bank:    b,
		cluster: cluster,
		metrics: metrics,
		log:     logger.WithField("component", "http"),
	}
}

// Start starts the service.
func (s *Service) Start() error {
	s.server = &http.Server{
		Handler: s,
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln

	go func() {
		err := s.server.Serve(s.ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Fatalf("HTTP serve: %s", err)
		}
	}()

	return nil
}

// Close closes the service.
func (s *Service) Close() {
	if s.server != nil {
		s.server.Close()
	}
}

// ServeHTTP allows Service to serve HTTP requests.
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/accounts") {
		s.handleAccounts(w, r)
	} else if strings.HasPrefix(r.URL.Path, "/deposits") {
		s.handleDeposits(w, r)
	} else if strings.HasPrefix(r.URL.Path, "/transfers") {
		s.handleTransfers(w, r)
	} else if r.URL.Path == "/join" {
		s.handleJoin(w, r)
	} else if r.URL.Path == "/leader" {
		s.handleLeader(w, r)
	} else if r.URL.Path == "/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
	} else {
		w.WriteHeader(http.StatusNotFound)
	}
}

// resourceID returns the id in /{collection}/{id}, or "" for the collection itself.
func resourceID(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch len(parts) {
	case 1:
		return "", true
	case 2:
		return parts[1], parts[1] != ""
	}
	return "", false
}

func (s *Service) handleAccounts(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && id != "":
		view, err := s.bank.Account(r.Context(), id)
		s.respond(w, http.StatusOK, view, err)

	case r.Method == http.MethodPost && id == "":
		var req OpenAccountRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id, err := s.bank.OpenAccount(r.Context(), req.ID, req.Owner)
		s.respond(w, http.StatusCreated, Created{ID: id}, err)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleDeposits(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && id != "":
		view, err := s.bank.DepositStatus(r.Context(), id)
		s.respond(w, http.StatusOK, view, err)

	case r.Method == http.MethodPost && id == "":
		var req DepositRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id, err := s.bank.Deposit(r.Context(), req.AccountID, req.Amount)
		s.respond(w, http.StatusAccepted, Created{ID: id}, err)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleTransfers(w http.ResponseWriter, r *http.Request) {
	id, ok := resourceID(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch {
	case r.Method == http.MethodGet && id != "":
		view, err := s.bank.TransferStatus(r.Context(), id)
		s.respond(w, http.StatusOK, view, err)

	case r.Method == http.MethodPost && id == "":
		var req bank.TransferInfo
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id, err := s.bank.Transfer(r.Context(), req)
		s.respond(w, http.StatusAccepted, Created{ID: id}, err)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleJoin(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}

	m := map[string]string{}
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if len(m) != 2 {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	remoteAddr, ok := m["addr"]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	nodeID, ok := m["id"]
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := s.cluster.Join(nodeID, remoteAddr); err != nil {
		s.log.Errorf("join of %s at %s failed: %s", nodeID, remoteAddr, err)
		s.respond(w, 0, nil, err)
		return
	}
}

func (s *Service) handleLeader(w http.ResponseWriter, r *http.Request) {
	if s.cluster == nil {
		w.WriteHeader(http.StatusNotImplemented)
		return
	}
	w.Write([]byte(s.cluster.Leader()))
}

// respond writes body with status, or the error mapped onto a status.
func (s *Service) respond(w http.ResponseWriter, status int, body any, err error) {
	if err != nil {
		status = statusOf(err)
		if status == http.StatusServiceUnavailable && s.cluster != nil {
			w.Header().Set(LeaderHeader, s.cluster.Leader())
		}
		if status == http.StatusInternalServerError {
			s.log.Errorf("request failed: %s", err)
		}
		body = errorResponse{Error: err.Error()}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Warnf("write response: %s", err)
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, store.ErrAggregateNotFound):
		return http.StatusNotFound
	case errors.Is(err, command.ErrAggregateExists):
		return http.StatusConflict
	case errors.Is(err, store.ErrNotLeader):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrConcurrencyConflict), errors.Is(err, common.ErrLocked):
		return http.StatusConflict
	case errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrOwnerRequired),
		errors.Is(err, bank.ErrAccountRequired),
		errors.Is(err, bank.ErrSameAccount),
		errors.Is(err, eventual2pc.ErrInitiatorCannotBeParticipant),
		errors.Is(err, eventual2pc.ErrDuplicateParticipant):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Addr returns the address on which the Service is listening
func (s *Service) Addr() net.Addr {
	return s.ln.Addr()
}
