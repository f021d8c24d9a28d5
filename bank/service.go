package bank

import (
	"context"

	"github.com/raft-saga-store/bus"
	"github.com/raft-saga-store/common"
	"github.com/raft-saga-store/store"
	"github.com/rs/xid"
	"github.com/shopspring/decimal"
)

type AccountView struct {
	ID               string          `json:"id"`
	Owner            string          `json:"owner"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	Version          int             `json:"version"`
}

type TransferView struct {
	ID     string       `json:"id"`
	Info   TransferInfo `json:"info"`
	Status string       `json:"status"`
}

type DepositView struct {
	ID        string          `json:"id"`
	AccountID string          `json:"accountId"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
}

// Service is the entry point of the HTTP API. Starting commands run synchronously so that
// invalid requests fail right away; the rest of a transaction runs on the bus.
type Service struct {
	handlers *Handlers
	repo     *store.Repository
}

func NewService(h *Handlers, repo *store.Repository) *Service {
	return &Service{handlers: h, repo: repo}
}

func (s *Service) dispatch(ctx context.Context, topic, key string, payload any) error {
	msg, err := bus.NewMessage(common.CommandMessage, topic, key, payload, nil)
	if err != nil {
		return err
	}
	return s.handlers.Dispatch(ctx, msg)
}

// OpenAccount creates an account and returns its id, generated when accountID is empty.
func (s *Service) OpenAccount(ctx context.Context, accountID, owner string) (string, error) {
	if accountID == "" {
		accountID = xid.New().String()
	}
	err := s.dispatch(ctx, TopicCreateAccount, accountID, CreateAccount{AccountID: accountID, Owner: owner})
	return accountID, err
}

// Deposit starts a deposit and returns its transaction id.
func (s *Service) Deposit(ctx context.Context, accountID string, amount decimal.Decimal) (string, error) {
	id := xid.New().String()
	err := s.dispatch(ctx, TopicStartDeposit, id, StartDeposit{TransactionID: id, AccountID: accountID, Amount: amount})
	return id, err
}

// Transfer starts a transfer and returns its transaction id.
func (s *Service) Transfer(ctx context.Context, info TransferInfo) (string, error) {
	id := xid.New().String()
	err := s.dispatch(ctx, TopicStartTransfer, id, StartTransfer{TransactionID: id, Info: info})
	return id, err
}

func (s *Service) Account(ctx context.Context, id string) (AccountView, error) {
	a := NewAccount(id)
	if _, err := s.repo.Load(ctx, a); err != nil {
		return AccountView{}, err
	}
	return AccountView{
		ID:               a.ID(),
		Owner:            a.Owner(),
		Balance:          a.Balance(),
		AvailableBalance: a.AvailableBalance(),
		Version:          a.Version(),
	}, nil
}

func (s *Service) TransferStatus(ctx context.Context, id string) (TransferView, error) {
	t := NewTransfer(id)
	if _, err := s.repo.Load(ctx, t); err != nil {
		return TransferView{}, err
	}
	return TransferView{ID: t.ID(), Info: t.Info(), Status: t.Status().String()}, nil
}

func (s *Service) DepositStatus(ctx context.Context, id string) (DepositView, error) {
	d := NewDeposit(id)
	if _, err := s.repo.Load(ctx, d); err != nil {
		return DepositView{}, err
	}
	return DepositView{ID: d.ID(), AccountID: d.AccountID(), Amount: d.Amount(), Status: d.Status().String()}, nil
}
