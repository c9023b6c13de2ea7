package solana

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/rpc"
	sol "github.com/gagliardetto/solana-go"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/config"
	"github.com/GoPolymarket/otcgate/internal/pkg/logger"
	"github.com/GoPolymarket/otcgate/internal/pkg/metrics"
	"github.com/GoPolymarket/otcgate/internal/signer"
)

const commitment = "confirmed"

// Anchor custom errors start at 6000, in declaration order.
var programErrors = []string{
	"UsdcDecimals", "AmountRange", "Discount", "StalePrice", "NoPrice", "MinUsd", "InsuffInv",
	"Overflow", "LockupTooLong", "BadState", "AlreadyApproved", "NotApproved", "Expired",
	"FulfillRestricted", "Locked", "NotOwner", "NotApprover", "TooManyApprovers",
	"UnsupportedCurrency", "Paused", "NotExpired", "BadPrice", "PriceDeviationTooLarge",
	"FeedNotConfigured", "TooEarlyForRefund", "TooManyOffers",
}

const errAlreadyApproved = 6010

// RPC is the JSON-RPC surface; *rpc.Client satisfies it.
type RPC interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Adapter drives the OTC program through a Solana RPC node. Only agent-side
// instructions (approve, cancel) are signed here; everything else must arrive
// as a wallet-signed transaction.
type Adapter struct {
	cfg      config.ChainConfig
	rpc      RPC
	program  sol.PublicKey
	desk     sol.PublicKey
	awaiter  chain.Awaiter
	operator *signer.SolanaSigner
}

func Dial(ctx context.Context, cfg config.ChainConfig, awaiter chain.Awaiter) (*Adapter, error) {
	client, err := rpc.DialContext(ctx, strings.TrimSpace(cfg.RPCURL))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Name, err)
	}
	return New(cfg, client, awaiter)
}

func New(cfg config.ChainConfig, client RPC, awaiter chain.Awaiter) (*Adapter, error) {
	program, err := ParsePubkey(cfg.EscrowAddress)
	if err != nil {
		return nil, fmt.Errorf("chain %s program id: %w", cfg.Name, err)
	}
	desk, err := ParsePubkey(cfg.DeskAddress)
	if err != nil {
		return nil, fmt.Errorf("chain %s desk: %w", cfg.Name, err)
	}
	a := &Adapter{cfg: cfg, rpc: client, program: program, desk: desk, awaiter: awaiter}
	if strings.TrimSpace(cfg.OperatorKey) != "" {
		a.operator, err = signer.NewSolanaSigner(cfg.OperatorKey)
		if err != nil {
			return nil, fmt.Errorf("chain %s operator key: %w", cfg.Name, err)
		}
	}
	return a, nil
}

func (a *Adapter) Name() string { return a.cfg.Name }

func (a *Adapter) Family() chain.Family { return chain.FamilySolana }

func (a *Adapter) OperatorAddress() string {
	if a.operator == nil {
		return ""
	}
	return a.operator.Address()
}

func (a *Adapter) Submit(ctx context.Context, ins chain.Instruction) (chain.TxHandle, error) {
	var (
		h   chain.TxHandle
		err error
	)
	if raw := ins.Signed(); len(raw) > 0 {
		h, err = a.relay(ctx, raw)
	} else {
		h, err = a.sendAsOperator(ctx, ins)
	}
	result := "ok"
	switch {
	case errors.Is(err, chain.ErrAlreadyDone):
		result = "already_done"
	case errors.Is(err, chain.ErrNetwork):
		result = "transient"
	case err != nil:
		result = "rejected"
	}
	metrics.ChainSubmits.WithLabelValues(a.cfg.Name, string(ins.Method()), result).Inc()
	if err != nil {
		return chain.TxHandle{}, err
	}
	logger.Info("Submitted program tx", "chain", a.cfg.Name, "method", ins.Method(), "signature", h.Hash)
	return h, nil
}

func (a *Adapter) relay(ctx context.Context, raw []byte) (chain.TxHandle, error) {
	tx, err := parseRelayed(raw)
	if err != nil {
		return chain.TxHandle{}, fmt.Errorf("%w: decode signed tx: %v", chain.ErrRejected, err)
	}
	if !tx.keys.Contains(a.program) {
		return chain.TxHandle{}, fmt.Errorf("%w: signed tx does not invoke the otc program", chain.ErrRejected)
	}
	return a.send(ctx, raw, tx.signature.String())
}

func (a *Adapter) send(ctx context.Context, raw []byte, sig string) (chain.TxHandle, error) {
	var got string
	err := a.rpc.CallContext(ctx, &got, "sendTransaction", base64.StdEncoding.EncodeToString(raw),
		map[string]any{"encoding": "base64", "preflightCommitment": commitment})
	if err != nil {
		return chain.TxHandle{}, classifyRPCError(err)
	}
	if got != "" {
		sig = got
	}
	return chain.TxHandle{Chain: a.cfg.Name, Hash: sig, SubmittedAt: time.Now()}, nil
}

func (a *Adapter) sendAsOperator(ctx context.Context, ins chain.Instruction) (chain.TxHandle, error) {
	if a.operator == nil {
		return chain.TxHandle{}, fmt.Errorf("%w: no operator key on %s", chain.ErrUnsupported, a.cfg.Name)
	}
	var (
		offerKey sol.PublicKey
		data     []byte
	)
	switch in := ins.(type) {
	case chain.ApproveOffer:
		key, acct, err := a.loadOffer(ctx, in.OfferID)
		if err != nil {
			return chain.TxHandle{}, err
		}
		offerKey = key
		data, err = instructionData("approve_offer", approveOfferArgs{OfferID: acct.ID})
		if err != nil {
			return chain.TxHandle{}, err
		}
	case chain.CancelOffer:
		key, _, err := a.loadOffer(ctx, in.OfferID)
		if err != nil {
			return chain.TxHandle{}, err
		}
		offerKey = key
		data, _ = instructionData("cancel_offer", nil)
	default:
		return chain.TxHandle{}, fmt.Errorf("%w: %s requires a wallet-signed transaction on %s",
			chain.ErrUnsupported, ins.Method(), a.cfg.Name)
	}

	blockhash, err := a.latestBlockhash(ctx)
	if err != nil {
		return chain.TxHandle{}, err
	}
	raw, sig, err := signOperatorTx(a.operator, blockhash, a.offerInstruction(offerKey, data))
	if err != nil {
		return chain.TxHandle{}, fmt.Errorf("%w: %v", chain.ErrRejected, err)
	}
	return a.send(ctx, raw, sig.String())
}

// offerInstruction builds the (desk, offer, operator) account list shared by
// approve_offer and cancel_offer.
func (a *Adapter) offerInstruction(offer sol.PublicKey, data []byte) sol.Instruction {
	return sol.NewInstruction(a.program, sol.AccountMetaSlice{
		sol.Meta(a.desk),
		sol.Meta(offer).WRITE(),
		sol.Meta(a.operator.PublicKey()).SIGNER(),
	}, data)
}

func (a *Adapter) loadOffer(ctx context.Context, offerID string) (sol.PublicKey, *offerAccount, error) {
	key, err := ParsePubkey(offerID)
	if err != nil {
		return sol.PublicKey{}, nil, fmt.Errorf("%w: %v", chain.ErrRejected, err)
	}
	data, err := a.accountData(ctx, key)
	if err != nil {
		return sol.PublicKey{}, nil, err
	}
	if data == nil {
		return sol.PublicKey{}, nil, fmt.Errorf("%w: offer account %s not found", chain.ErrRejected, offerID)
	}
	acct, err := decodeOfferAccount(data)
	if err != nil {
		return sol.PublicKey{}, nil, err
	}
	return key, acct, nil
}

func (a *Adapter) latestBlockhash(ctx context.Context) (sol.Hash, error) {
	var res struct {
		Value struct {
			Blockhash string `json:"blockhash"`
		} `json:"value"`
	}
	if err := a.rpc.CallContext(ctx, &res, "getLatestBlockhash", map[string]any{"commitment": commitment}); err != nil {
		return sol.Hash{}, fmt.Errorf("%w: blockhash: %v", chain.ErrNetwork, err)
	}
	return sol.HashFromBase58(res.Value.Blockhash)
}

// accountData returns nil, nil for a missing account.
func (a *Adapter) accountData(ctx context.Context, key sol.PublicKey) ([]byte, error) {
	var res struct {
		Value *struct {
			Data []string `json:"data"`
		} `json:"value"`
	}
	err := a.rpc.CallContext(ctx, &res, "getAccountInfo", key.String(),
		map[string]any{"encoding": "base64", "commitment": commitment})
	if err != nil {
		return nil, fmt.Errorf("%w: account %s: %v", chain.ErrNetwork, key, err)
	}
	if res.Value == nil || len(res.Value.Data) == 0 {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(res.Value.Data[0])
}

var customErrRe = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)

// classifyRPCError maps preflight failures to the program's error codes.
// Anything else is a transport problem.
func classifyRPCError(err error) error {
	var rpcErr rpc.Error
	if !errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %v", chain.ErrNetwork, err)
	}
	msg := err.Error()
	if strings.Contains(msg, "Blockhash not found") || strings.Contains(msg, "Node is behind") {
		return fmt.Errorf("%w: %v", chain.ErrNetwork, err)
	}
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if b, jerr := json.Marshal(dataErr.ErrorData()); jerr == nil {
			msg += " " + string(b)
		}
	}
	if m := customErrRe.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.ParseInt(m[1], 16, 64)
		name := programErrorName(code)
		if code == errAlreadyApproved {
			return fmt.Errorf("%w: %s", chain.ErrAlreadyDone, name)
		}
		return fmt.Errorf("%w: %s (%d)", chain.ErrRejected, name, code)
	}
	return fmt.Errorf("%w: %v", chain.ErrRejected, err)
}

func programErrorName(code int64) string {
	i := code - 6000
	if i >= 0 && int(i) < len(programErrors) {
		return programErrors[i]
	}
	return fmt.Sprintf("custom error %d", code)
}

type txResult struct {
	Slot uint64 `json:"slot"`
	Meta *struct {
		Err         json.RawMessage `json:"err"`
		LogMessages []string        `json:"logMessages"`
	} `json:"meta"`
	Transaction struct {
		Message struct {
			AccountKeys  []string `json:"accountKeys"`
			Instructions []struct {
				ProgramIDIndex int    `json:"programIdIndex"`
				Accounts       []int  `json:"accounts"`
				Data           string `json:"data"`
			} `json:"instructions"`
		} `json:"message"`
	} `json:"transaction"`
}

func (a *Adapter) WaitForConfirmation(ctx context.Context, h chain.TxHandle, minConfirmations uint64) (*chain.Receipt, error) {
	start := time.Now()
	r, err := a.awaiter.Await(ctx, func(ctx context.Context) (*chain.Receipt, error) {
		return a.receipt(ctx, h.Hash, minConfirmations)
	})
	metrics.ConfirmationLatency.WithLabelValues(a.cfg.Name).Observe(time.Since(start).Seconds())
	return r, err
}

func (a *Adapter) ReceiptOf(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return a.receipt(ctx, txHash, 0)
}

func (a *Adapter) receipt(ctx context.Context, sig string, minConfirmations uint64) (*chain.Receipt, error) {
	var res *txResult
	err := a.rpc.CallContext(ctx, &res, "getTransaction", sig, map[string]any{
		"encoding":                       "json",
		"commitment":                     commitment,
		"maxSupportedTransactionVersion": 0,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: getTransaction: %v", chain.ErrNetwork, err)
	}
	if res == nil || res.Meta == nil {
		return nil, nil
	}
	if minConfirmations > 0 {
		slot, err := a.CurrentBlockNumber(ctx)
		if err != nil {
			return nil, err
		}
		if slot < res.Slot || slot+1-res.Slot < minConfirmations {
			return nil, nil
		}
	}

	r := &chain.Receipt{
		TxHash:      sig,
		BlockNumber: res.Slot,
		Success:     len(res.Meta.Err) == 0 || string(res.Meta.Err) == "null",
		ProgramLogs: res.Meta.LogMessages,
	}
	keys := res.Transaction.Message.AccountKeys
	for _, ix := range res.Transaction.Message.Instructions {
		if ix.ProgramIDIndex >= len(keys) {
			continue
		}
		pi := chain.ProgramInstruction{ProgramID: keys[ix.ProgramIDIndex], Data: base58.Decode(ix.Data)}
		for _, idx := range ix.Accounts {
			if idx < len(keys) {
				pi.Accounts = append(pi.Accounts, keys[idx])
			}
		}
		r.Instructions = append(r.Instructions, pi)
	}
	return r, nil
}

func (a *Adapter) DecodeEvent(r *chain.Receipt, name chain.EventName) (*chain.Event, error) {
	if ev, ok := decodeEventLogs(r.ProgramLogs, name); ok {
		return ev, nil
	}
	if ev, ok := decodeFromInstructions(a.program.String(), r.Instructions, name); ok {
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %s", chain.ErrEventNotFound, name)
}

func (a *Adapter) ReadOffer(ctx context.Context, offerID string) (*chain.OnChainOffer, error) {
	key, err := ParsePubkey(offerID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", chain.ErrRejected, err)
	}
	data, err := a.accountData(ctx, key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return &chain.OnChainOffer{ID: offerID}, nil
	}
	acct, err := decodeOfferAccount(data)
	if err != nil {
		return nil, err
	}
	return acct.toChain(offerID), nil
}

func (a *Adapter) readDesk(ctx context.Context) (*deskAccount, error) {
	data, err := a.accountData(ctx, a.desk)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, fmt.Errorf("%w: desk account %s not found", chain.ErrNotConfigured, a.desk)
	}
	return decodeDeskAccount(data)
}

func (a *Adapter) ReadDeskParams(ctx context.Context) (*chain.DeskParams, error) {
	desk, err := a.readDesk(ctx)
	if err != nil {
		return nil, err
	}
	return &chain.DeskParams{
		MinUSDAmount:              bigU64(desk.MinUSDAmount8d),
		MaxTokenPerOrder:          bigU64(desk.MaxTokenPerOrder),
		QuoteExpirySeconds:        desk.QuoteExpirySecs,
		DefaultUnlockDelaySeconds: desk.DefaultUnlockDelaySecs,
		EmergencyRefundsEnabled:   desk.EmergencyRefundEnabled,
		Agent:                     desk.Agent.String(),
	}, nil
}

func (a *Adapter) IsApprover(ctx context.Context, addr string) (bool, error) {
	pk, err := ParsePubkey(addr)
	if err != nil {
		return false, err
	}
	desk, err := a.readDesk(ctx)
	if err != nil {
		return false, err
	}
	return desk.isApprover(pk), nil
}

func (a *Adapter) CurrentBlockNumber(ctx context.Context) (uint64, error) {
	var slot uint64
	if err := a.rpc.CallContext(ctx, &slot, "getSlot", map[string]any{"commitment": commitment}); err != nil {
		return 0, fmt.Errorf("%w: getSlot: %v", chain.ErrNetwork, err)
	}
	return slot, nil
}

var (
	_ chain.Adapter  = (*Adapter)(nil)
	_ chain.Operator = (*Adapter)(nil)
)
