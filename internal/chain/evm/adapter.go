package evm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/manager"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pkg/metrics"
	"github.com/GoPolymarket/otcgate/internal/signer"
)

const gasLimitMultiplier = 1.2

// Adapter drives one EVM escrow deployment.
type Adapter struct {
	cfg     config.ChainConfig
	backend Backend
	escrow  common.Address
	abi     abi.ABI
	awaiter chain.Awaiter

	operator *signer.EVMSigner
	nonces   *manager.NonceManager

	// serializes nonce assignment and broadcast for the operator account
	sendMu sync.Mutex
}

// Dial connects to cfg.RPCURL and checks the node serves cfg.ChainID.
func Dial(ctx context.Context, cfg config.ChainConfig, awaiter chain.Awaiter) (*Adapter, error) {
	client, err := ethclient.DialContext(ctx, strings.TrimSpace(cfg.RPCURL))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Name, err)
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id %s: %w", cfg.Name, err)
	}
	if cfg.ChainID != 0 && id.Int64() != cfg.ChainID {
		return nil, fmt.Errorf("chain %s: node reports chain id %s, configured %d", cfg.Name, id, cfg.ChainID)
	}
	cfg.ChainID = id.Int64()
	return New(cfg, client, awaiter)
}

func New(cfg config.ChainConfig, backend Backend, awaiter chain.Awaiter) (*Adapter, error) {
	if !common.IsHexAddress(cfg.EscrowAddress) {
		return nil, fmt.Errorf("chain %s: invalid escrow address %q", cfg.Name, cfg.EscrowAddress)
	}
	parsed, err := parseEscrowABI()
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	a := &Adapter{
		cfg:     cfg,
		backend: backend,
		escrow:  common.HexToAddress(cfg.EscrowAddress),
		abi:     parsed,
		awaiter: awaiter,
		nonces:  manager.NewNonceManager(cfg.Name, backend),
	}
	if strings.TrimSpace(cfg.OperatorKey) != "" {
		a.operator, err = signer.NewEVMSigner(cfg.OperatorKey, cfg.ChainID)
		if err != nil {
			return nil, fmt.Errorf("chain %s operator key: %w", cfg.Name, err)
		}
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Family() chain.Family { return chain.FamilyEVM }

// ResetNonces drops the cached operator nonces. After a chain reset the
// pending pool no longer matches what was handed out.
func (a *Adapter) ResetNonces(ctx context.Context) {
	a.sendMu.Lock()
	defer a.sendMu.Unlock()
	a.nonces.Forget()
	logger.Info("operator nonces forgotten", "chain", a.cfg.Name)
}

func (a *Adapter) OperatorAddress() string {
	if a.operator == nil {
		return ""
	}
	return strings.ToLower(a.operator.Address().Hex())
}

func (a *Adapter) Submit(ctx context.Context, ins chain.Instruction) (chain.TxHandle, error) {
	var (
		h   chain.TxHandle
		err error
	)
	if raw := ins.Signed(); len(raw) > 0 {
		h, err = a.relay(ctx, ins, raw)
	} else {
		h, err = a.sendAsOperator(ctx, ins)
	}
	metrics.ChainSubmits.WithLabelValues(a.cfg.Name, string(ins.Method()), submitResult(err)).Inc()
	if err != nil {
		return chain.TxHandle{}, err
	}
	logger.Info("Submitted escrow tx", "chain", a.cfg.Name, "method", ins.Method(), "hash", h.Hash)
	return h, nil
}

func submitResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, chain.ErrAlreadyDone):
		return "already_done"
	case errors.Is(err, chain.ErrNetwork):
		return "transient"
	default:
		return "rejected"
	}
}

// relay broadcasts a wallet-signed transaction after checking it targets the
// escrow with the expected method.
func (a *Adapter) relay(ctx context.Context, ins chain.Instruction, raw []byte) (chain.TxHandle, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return chain.TxHandle{}, fmt.Errorf("%w: decode signed tx: %v", chain.ErrRejected, err)
	}
	if tx.To() == nil || *tx.To() != a.escrow {
		return chain.TxHandle{}, fmt.Errorf("%w: signed tx does not target the escrow", chain.ErrRejected)
	}
	m, ok := a.abi.Methods[string(ins.Method())]
	if !ok || len(tx.Data()) < 4 || !bytes.Equal(tx.Data()[:4], m.ID) {
		return chain.TxHandle{}, fmt.Errorf("%w: signed tx does not call %s", chain.ErrRejected, ins.Method())
	}
	if err := a.backend.SendTransaction(ctx, tx); err != nil {
		// the node already has it in the pool
		if !strings.Contains(strings.ToLower(err.Error()), "already known") {
			return chain.TxHandle{}, classifySendError(err)
		}
	}
	return chain.TxHandle{Chain: a.cfg.Name, Hash: tx.Hash().Hex(), SubmittedAt: time.Now()}, nil
}

func (a *Adapter) sendAsOperator(ctx context.Context, ins chain.Instruction) (chain.TxHandle, error) {
	if a.operator == nil {
		return chain.TxHandle{}, fmt.Errorf("%w: %s needs a signed transaction, no operator key on %s",
			chain.ErrUnsupported, ins.Method(), a.cfg.Name)
	}
	data, value, err := a.pack(ins)
	if err != nil {
		return chain.TxHandle{}, err
	}

	a.sendMu.Lock()
	defer a.sendMu.Unlock()

	from := a.operator.Address()
	tx, err := a.buildTx(ctx, from, data, value)
	if err != nil {
		return chain.TxHandle{}, err
	}
	signed, err := a.operator.SignTx(tx)
	if err != nil {
		return chain.TxHandle{}, fmt.Errorf("%w: %v", chain.ErrRejected, err)
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		if manager.IsNonceError(err) {
			if rerr := a.nonces.Reset(ctx, from); rerr != nil {
				logger.Warn("Nonce reset failed", "chain", a.cfg.Name, "error", rerr)
			}
		}
		return chain.TxHandle{}, classifySendError(err)
	}
	a.nonces.Increment(from)
	return chain.TxHandle{Chain: a.cfg.Name, Hash: signed.Hash().Hex(), SubmittedAt: time.Now()}, nil
}

func (a *Adapter) buildTx(ctx context.Context, from common.Address, data []byte, value *big.Int) (*types.Transaction, error) {
	if value == nil {
		value = big.NewInt(0)
	}
	gas, err := a.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &a.escrow, Value: value, Data: data})
	if err != nil {
		// estimation runs the call, so reverts surface here first
		return nil, classifySendError(err)
	}
	gas = uint64(float64(gas) * gasLimitMultiplier)

	tip, err := a.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: gas tip: %v", chain.ErrNetwork, err)
	}
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: head: %v", chain.ErrNetwork, err)
	}
	baseFee := big.NewInt(0)
	if head != nil && head.BaseFee != nil {
		baseFee = head.BaseFee
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	nonce, err := a.nonces.Next(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrNetwork, err)
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.operator.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &a.escrow,
		Value:     value,
		Data:      data,
	}), nil
}

// classifySendError sorts node errors into revert (terminal), already-done
// and transient.
func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case manager.IsNonceError(err):
		return fmt.Errorf("%w: %v", chain.ErrNetwork, err)
	case strings.Contains(msg, "execution reverted"), strings.Contains(msg, "insufficient funds"),
		strings.Contains(msg, "intrinsic gas too low"):
		return chain.ClassifyRevert(err.Error())
	default:
		return fmt.Errorf("%w: %v", chain.ErrNetwork, err)
	}
}

func (a *Adapter) pack(ins chain.Instruction) ([]byte, *big.Int, error) {
	switch in := ins.(type) {
	case chain.CreateConsignment:
		tokenID := [32]byte(crypto.Keccak256Hash([]byte(in.TokenID)))
		data, err := a.abi.Pack(string(in.Method()), tokenID, in.Amount, in.IsNegotiable,
			in.FixedDiscountBps, in.FixedLockupDays, in.MinDiscountBps, in.MaxDiscountBps,
			in.MinLockupDays, in.MaxLockupDays, in.MinDealAmount, in.MaxDealAmount, in.MaxPriceVolatilityBps)
		return data, in.Value, wrapPack(err)

	case chain.CreateOfferFromConsignment:
		// the escrow records msg.sender as beneficiary
		if in.Beneficiary != "" && !strings.EqualFold(in.Beneficiary, a.operator.Address().Hex()) {
			return nil, nil, fmt.Errorf("%w: offer must be signed by beneficiary %s", chain.ErrUnsupported, in.Beneficiary)
		}
		cid, err := parseID(in.ConsignmentID)
		if err != nil {
			return nil, nil, err
		}
		data, err := a.abi.Pack(string(in.Method()), cid, in.TokenAmount, big.NewInt(int64(in.DiscountBps)),
			in.Currency, big.NewInt(in.LockupSeconds), in.AgentCommissionBps)
		return data, nil, wrapPack(err)

	case chain.FulfillOffer:
		id, err := parseID(in.OfferID)
		if err != nil {
			return nil, nil, err
		}
		data, err := a.abi.Pack(string(in.Method()), id)
		return data, in.Value, wrapPack(err)

	case chain.ApproveOffer:
		return a.packID(in.Method(), in.OfferID)
	case chain.CancelOffer:
		return a.packID(in.Method(), in.OfferID)
	case chain.Claim:
		return a.packID(in.Method(), in.OfferID)
	case chain.EmergencyRefund:
		return a.packID(in.Method(), in.OfferID)
	case chain.WithdrawConsignment:
		return a.packID(in.Method(), in.ConsignmentID)
	}
	return nil, nil, fmt.Errorf("%w: %s", chain.ErrUnsupported, ins.Method())
}

func (a *Adapter) packID(m chain.Method, raw string) ([]byte, *big.Int, error) {
	id, err := parseID(raw)
	if err != nil {
		return nil, nil, err
	}
	data, err := a.abi.Pack(string(m), id)
	return data, nil, wrapPack(err)
}

func parseID(s string) (*big.Int, error) {
	id, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid on-chain id %q", chain.ErrRejected, s)
	}
	return id, nil
}

func wrapPack(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: pack: %v", chain.ErrRejected, err)
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, h chain.TxHandle, minConfirmations uint64) (*chain.Receipt, error) {
	start := time.Now()
	hash := common.HexToHash(h.Hash)
	r, err := a.awaiter.Await(ctx, func(ctx context.Context) (*chain.Receipt, error) {
		return a.receipt(ctx, hash, minConfirmations)
	})
	metrics.ConfirmationLatency.WithLabelValues(a.cfg.Name).Observe(time.Since(start).Seconds())
	return r, err
}

func (a *Adapter) ReceiptOf(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return a.receipt(ctx, common.HexToHash(txHash), 0)
}

func (a *Adapter) receipt(ctx context.Context, hash common.Hash, minConfirmations uint64) (*chain.Receipt, error) {
	rcpt, err := a.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: receipt: %v", chain.ErrNetwork, err)
	}
	if rcpt == nil || rcpt.BlockNumber == nil {
		return nil, nil
	}
	if minConfirmations > 0 {
		head, err := a.backend.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: head: %v", chain.ErrNetwork, err)
		}
		mined := rcpt.BlockNumber.Uint64()
		if head < mined || head+1-mined < minConfirmations {
			return nil, nil
		}
	}
	return &chain.Receipt{
		TxHash:      rcpt.TxHash.Hex(),
		BlockNumber: rcpt.BlockNumber.Uint64(),
		Success:     rcpt.Status == types.ReceiptStatusSuccessful,
		EVMLogs:     rcpt.Logs,
	}, nil
}

func (a *Adapter) DecodeEvent(r *chain.Receipt, name chain.EventName) (*chain.Event, error) {
	ev, ok := a.abi.Events[string(name)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown event %s", chain.ErrEventNotFound, name)
	}
	for _, lg := range r.EVMLogs {
		if lg == nil || lg.Address != a.escrow || len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		fields := make(map[string]any)
		var indexed abi.Arguments
		for _, arg := range ev.Inputs {
			if arg.Indexed {
				indexed = append(indexed, arg)
			}
		}
		if err := abi.ParseTopicsIntoMap(fields, indexed, lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("decode %s topics: %w", name, err)
		}
		if len(lg.Data) > 0 {
			if err := ev.Inputs.UnpackIntoMap(fields, lg.Data); err != nil {
				return nil, fmt.Errorf("decode %s data: %w", name, err)
			}
		}
		return eventFromFields(name, fields), nil
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrEventNotFound, name)
}

func eventFromFields(name chain.EventName, f map[string]any) *chain.Event {
	out := &chain.Event{Name: name}
	if v, ok := f["offerId"].(*big.Int); ok {
		out.OfferID = v.String()
	}
	if v, ok := f["consignmentId"].(*big.Int); ok {
		out.ConsignmentID = v.String()
	}
	if v, ok := f["tokenId"].([32]byte); ok {
		out.TokenID = common.Hash(v).Hex()
	}
	for _, k := range []string{"beneficiary", "by", "payer", "consigner", "recipient"} {
		if v, ok := f[k].(common.Address); ok {
			out.Actor = strings.ToLower(v.Hex())
			break
		}
	}
	for _, k := range []string{"amount", "tokenAmount"} {
		if v, ok := f[k].(*big.Int); ok {
			out.Amount = v
			break
		}
	}
	if v, ok := f["currency"].(uint8); ok {
		out.Currency = v
	}
	return out
}

// FindPayment returns the receipt of the latest OfferPaid log for offerID.
func (a *Adapter) FindPayment(ctx context.Context, offerID string) (*chain.Receipt, error) {
	id, err := parseID(offerID)
	if err != nil {
		return nil, err
	}
	logs, err := a.backend.FilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{a.escrow},
		Topics:    [][]common.Hash{{a.abi.Events[string(chain.EventOfferPaid)].ID}, {common.BigToHash(id)}},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: filter logs: %v", chain.ErrNetwork, err)
	}
	for i := len(logs) - 1; i >= 0; i-- {
		if logs[i].Removed {
			continue
		}
		return a.receipt(ctx, logs[i].TxHash, 0)
	}
	return nil, nil
}

func (a *Adapter) call(ctx context.Context, method string, args ...any) ([]any, error) {
	data, err := a.abi.Pack(method, args...)
	if err != nil {
		return nil, wrapPack(err)
	}
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &a.escrow, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %v", chain.ErrNetwork, method, err)
	}
	vals, err := a.abi.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(vals) == 0 {
		return nil, fmt.Errorf("unpack %s: empty result", method)
	}
	return vals, nil
}

func (a *Adapter) ReadOffer(ctx context.Context, offerID string) (*chain.OnChainOffer, error) {
	id, err := parseID(offerID)
	if err != nil {
		return nil, err
	}
	data, err := a.abi.Pack("offers", id)
	if err != nil {
		return nil, wrapPack(err)
	}
	out, err := a.backend.CallContract(ctx, ethereum.CallMsg{To: &a.escrow, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call offers: %v", chain.ErrNetwork, err)
	}
	var v offerView
	if err := a.abi.UnpackIntoInterface(&v, "offers", out); err != nil {
		return nil, fmt.Errorf("unpack offers: %w", err)
	}
	if v.Beneficiary == (common.Address{}) {
		return &chain.OnChainOffer{ID: offerID}, nil
	}
	return &chain.OnChainOffer{
		Exists:             true,
		ID:                 offerID,
		ConsignmentID:      v.ConsignmentId.String(),
		Beneficiary:        strings.ToLower(v.Beneficiary.Hex()),
		TokenAmount:        v.TokenAmount,
		DiscountBps:        uint16(v.DiscountBps.Uint64()),
		CreatedAt:          time.Unix(v.CreatedAt.Int64(), 0).UTC(),
		UnlockTime:         time.Unix(v.UnlockTime.Int64(), 0).UTC(),
		PriceUSD8d:         v.PriceUsdPerToken,
		MaxDeviationBps:    uint16(v.MaxPriceDeviation.Uint64()),
		NativeUSD8d:        v.EthUsdPrice,
		Currency:           v.Currency,
		Approved:           v.Approved,
		Paid:               v.Paid,
		Fulfilled:          v.Fulfilled,
		Cancelled:          v.Cancelled,
		Payer:              strings.ToLower(v.Payer.Hex()),
		AmountPaid:         v.AmountPaid,
		AgentCommissionBps: v.AgentCommissionBps,
	}, nil
}

func (a *Adapter) ReadDeskParams(ctx context.Context) (*chain.DeskParams, error) {
	p := &chain.DeskParams{}
	for _, m := range []string{"minUsdAmount", "maxTokenPerOrder", "quoteExpirySeconds", "defaultUnlockDelaySeconds"} {
		vals, err := a.call(ctx, m)
		if err != nil {
			return nil, err
		}
		n, ok := vals[0].(*big.Int)
		if !ok {
			return nil, fmt.Errorf("unpack %s: unexpected type %T", m, vals[0])
		}
		switch m {
		case "minUsdAmount":
			p.MinUSDAmount = n
		case "maxTokenPerOrder":
			p.MaxTokenPerOrder = n
		case "quoteExpirySeconds":
			p.QuoteExpirySeconds = n.Int64()
		case "defaultUnlockDelaySeconds":
			p.DefaultUnlockDelaySeconds = n.Int64()
		}
	}
	vals, err := a.call(ctx, "emergencyRefundsEnabled")
	if err != nil {
		return nil, err
	}
	p.EmergencyRefundsEnabled, _ = vals[0].(bool)

	vals, err = a.call(ctx, "agent")
	if err != nil {
		return nil, err
	}
	if agent, ok := vals[0].(common.Address); ok {
		p.Agent = strings.ToLower(agent.Hex())
	}
	return p, nil
}

func (a *Adapter) IsApprover(ctx context.Context, addr string) (bool, error) {
	if !common.IsHexAddress(addr) {
		return false, fmt.Errorf("invalid evm address %q", addr)
	}
	vals, err := a.call(ctx, "isApprover", common.HexToAddress(addr))
	if err != nil {
		return false, err
	}
	ok, _ := vals[0].(bool)
	return ok, nil
}

func (a *Adapter) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	n, err := a.backend.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: block number: %v", chain.ErrNetwork, err)
	}
	return n, nil
}

var (
	_ chain.Adapter       = (*Adapter)(nil)
	_ chain.Operator      = (*Adapter)(nil)
	_ chain.PaymentFinder = (*Adapter)(nil)
	_ chain.NonceResetter = (*Adapter)(nil)
)
