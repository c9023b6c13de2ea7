package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/model"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/repository"
)

type ConsignmentService struct {
	repo   *repository.ConsignmentRepo
	ledger *InventoryLedger
	chains *chain.Registry
	now    func() time.Time
}

func NewConsignmentService(repo *repository.ConsignmentRepo, ledger *InventoryLedger, chains *chain.Registry) *ConsignmentService {
	return &ConsignmentService{repo: repo, ledger: ledger, chains: chains, now: utcNow}
}

// Create records a consignment whose escrow deposit is either relayed here
// (signedTx), already mined (txHash) or identified by contractConsignmentId.
// The on-chain id is the idempotency key: creating the same one twice
// returns the first record.
func (s *ConsignmentService) Create(ctx context.Context, c *model.Consignment, signedTx []byte, txHash string) (*model.Consignment, error) {
	a, err := s.chains.Get(c.Chain)
	if err != nil {
		return nil, err
	}
	c.RemainingAmount = c.TotalAmount
	if err := c.Validate(); err != nil {
		return nil, apperrors.NewInvalidRequest(err.Error())
	}
	if a.Family() == chain.FamilySolana && c.ContractConsignmentID == "" && len(signedTx) == 0 && txHash == "" {
		return nil, apperrors.NewInvalidRequest("contractConsignmentId is required on solana")
	}
	if existing, err := s.existing(ctx, c); existing != nil || err != nil {
		return existing, err
	}

	switch {
	case len(signedTx) > 0:
		h, err := a.Submit(ctx, createInstruction(c, signedTx))
		if err != nil {
			return nil, chain.ToAppError(err)
		}
		rcpt, err := a.WaitForConfirmation(ctx, h, s.chains.MinConfirmations(a.Name()))
		if err != nil {
			return nil, chain.ToAppError(err)
		}
		if err := s.applyReceipt(a, c, rcpt); err != nil {
			return nil, err
		}
	case txHash != "":
		rcpt, err := a.ReceiptOf(ctx, txHash)
		if err != nil {
			return nil, chain.ToAppError(err)
		}
		if rcpt == nil {
			return nil, apperrors.New(apperrors.ErrChainTransient, "consignment transaction not found yet", nil)
		}
		if err := s.applyReceipt(a, c, rcpt); err != nil {
			return nil, err
		}
	}
	if c.ContractConsignmentID == "" {
		return nil, apperrors.NewInvalidRequest("one of contractConsignmentId, signedTx or txHash is required")
	}
	if existing, err := s.existing(ctx, c); existing != nil || err != nil {
		return existing, err
	}

	now := s.now()
	c.ID = uuid.NewString()
	c.Status = model.ConsignmentActive
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	logger.Info("consignment created", "consignment_id", c.ID, "chain", c.Chain,
		"contract_id", c.ContractConsignmentID, "amount", c.TotalAmount.String())
	return c, nil
}

func (s *ConsignmentService) existing(ctx context.Context, c *model.Consignment) (*model.Consignment, error) {
	if c.ContractConsignmentID == "" {
		return nil, nil
	}
	found, err := s.repo.GetByContractID(ctx, c.Chain, c.ContractConsignmentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return found, err
}

func (s *ConsignmentService) applyReceipt(a chain.Adapter, c *model.Consignment, rcpt *chain.Receipt) error {
	if !rcpt.Success {
		return apperrors.Newf(apperrors.ErrStateConflict, "consignment transaction %s reverted", rcpt.TxHash)
	}
	ev, err := a.DecodeEvent(rcpt, chain.EventConsignmentCreated)
	if err != nil {
		return chain.ToAppError(err)
	}
	c.ContractConsignmentID = ev.ConsignmentID
	c.CreateTxHash = rcpt.TxHash
	return nil
}

func createInstruction(c *model.Consignment, signed []byte) chain.CreateConsignment {
	return chain.CreateConsignment{
		Call:                  chain.Call{SignedTx: signed},
		TokenID:               c.TokenID,
		Amount:                c.TotalAmount.Big(),
		IsNegotiable:          c.IsNegotiable,
		FixedDiscountBps:      uint16(c.FixedDiscountBps),
		FixedLockupDays:       uint32(c.FixedLockupDays),
		MinDiscountBps:        uint16(c.MinDiscountBps),
		MaxDiscountBps:        uint16(c.MaxDiscountBps),
		MinLockupDays:         uint32(c.MinLockupDays),
		MaxLockupDays:         uint32(c.MaxLockupDays),
		MinDealAmount:         c.MinDealAmount.Big(),
		MaxDealAmount:         c.MaxDealAmount.Big(),
		MaxPriceVolatilityBps: uint16(c.MaxPriceVolatilityBps),
	}
}

func (s *ConsignmentService) Get(ctx context.Context, id string) (*model.Consignment, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, lookupErr(err, "consignment")
	}
	return c, nil
}

func (s *ConsignmentService) List(ctx context.Context, f model.ConsignmentFilter) ([]model.Consignment, error) {
	return s.repo.List(ctx, f)
}

// Withdraw relays the consigner's withdrawal when given one, then takes the
// unreserved remainder out of the ledger.
func (s *ConsignmentService) Withdraw(ctx context.Context, id string, signedTx []byte) (*model.Consignment, model.Amount, error) {
	c, err := s.Get(ctx, id)
	if err != nil {
		return nil, model.Amount{}, err
	}
	if len(signedTx) > 0 && c.Status != model.ConsignmentWithdrawn {
		a, err := s.chains.Get(c.Chain)
		if err != nil {
			return nil, model.Amount{}, err
		}
		h, err := a.Submit(ctx, chain.WithdrawConsignment{Call: chain.Call{SignedTx: signedTx}, ConsignmentID: c.ContractConsignmentID})
		switch {
		case errors.Is(err, chain.ErrAlreadyDone):
		case err != nil:
			return nil, model.Amount{}, chain.ToAppError(err)
		default:
			rcpt, err := a.WaitForConfirmation(ctx, h, s.chains.MinConfirmations(a.Name()))
			if err != nil {
				return nil, model.Amount{}, chain.ToAppError(err)
			}
			if !rcpt.Success {
				return nil, model.Amount{}, apperrors.Newf(apperrors.ErrStateConflict, "withdrawal reverted in %s", h.Hash)
			}
		}
	}

	amount, err := s.ledger.Withdraw(ctx, id)
	if err != nil {
		return nil, model.Amount{}, err
	}
	c, err = s.Get(ctx, id)
	if err != nil {
		return nil, model.Amount{}, err
	}
	return c, amount, nil
}
