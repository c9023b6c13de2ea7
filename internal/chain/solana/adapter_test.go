package solana

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcutil/base58"
	sol "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/config"
)

type rpcReq struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type handlerFunc func(params []json.RawMessage) (any, *rpcErr)

type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]handlerFunc
	calls    map[string]int
}

func newFakeNode(t *testing.T) (*fakeNode, *httptest.Server) {
	n := &fakeNode{handlers: map[string]handlerFunc{}, calls: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		n.mu.Lock()
		h, ok := n.handlers[req.Method]
		n.calls[req.Method]++
		n.mu.Unlock()
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if !ok {
			resp["error"] = rpcErr{Code: -32601, Message: "method not found"}
		} else if res, e := h(req.Params); e != nil {
			resp["error"] = e
		} else {
			resp["result"] = res
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return n, srv
}

func (n *fakeNode) on(method string, h handlerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
}

type bw struct{ b []byte }

func (w *bw) disc(d []byte) *bw        { w.b = append(w.b, d...); return w }
func (w *bw) key(k sol.PublicKey) *bw  { w.b = append(w.b, k[:]...); return w }
func (w *bw) u8(v uint8) *bw           { w.b = append(w.b, v); return w }
func (w *bw) u16(v uint16) *bw         { w.b = binary.LittleEndian.AppendUint16(w.b, v); return w }
func (w *bw) u32(v uint32) *bw         { w.b = binary.LittleEndian.AppendUint32(w.b, v); return w }
func (w *bw) u64(v uint64) *bw         { w.b = binary.LittleEndian.AppendUint64(w.b, v); return w }
func (w *bw) zero(n int) *bw           { w.b = append(w.b, make([]byte, n)...); return w }

func boolByte(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

func key(b byte) sol.PublicKey {
	var k sol.PublicKey
	for i := range k {
		k[i] = b
	}
	return k
}

var (
	programKey = key(1)
	deskKey    = key(2)
	offerKey   = key(3)
	buyerKey   = key(4)
	agentKey   = key(5)
	approver   = key(6)
)

func offerBytes(id uint64, approved, paid bool) []byte {
	w := &bw{}
	w.disc(accountDisc("Offer")).key(deskKey).u64(2).key(key(9)).u64(id).key(buyerKey).
		u64(700).u16(500).u64(1700000000).u64(1700086400).u64(150000000).u16(300).u64(20000000000).
		u8(1).u8(boolByte(approved)).u8(boolByte(paid)).u8(0).u8(0).key(buyerKey).u64(997500)
	return w.b
}

func deskBytes() []byte {
	w := &bw{}
	w.disc(accountDisc("Desk")).key(key(7)).key(agentKey).zero(32).u8(6).u64(500000000).u64(1800).u64(60).u8(0)
	w.u32(1).key(approver)
	w.u64(3).u64(4).u8(0)
	w.zero(32).u64(0).u64(0)
	w.zero(32).u8(9).u64(0).u64(0)
	w.zero(32).u64(0)
	w.u64(0).u64(31536000).u64(1000000000).u8(1).u64(86400)
	return w.b
}

func accountResult(data []byte) any {
	if data == nil {
		return map[string]any{"context": map[string]any{"slot": 1}, "value": nil}
	}
	return map[string]any{
		"context": map[string]any{"slot": 1},
		"value":   map[string]any{"data": []string{base64.StdEncoding.EncodeToString(data), "base64"}, "owner": programKey.String()},
	}
}

func newTestAdapter(t *testing.T, url string) (*Adapter, sol.PrivateKey) {
	t.Helper()
	priv, err := sol.NewRandomPrivateKey()
	require.NoError(t, err)
	cfg := config.ChainConfig{
		Name: "solana", Family: "solana", RPCURL: url,
		EscrowAddress: programKey.String(), DeskAddress: deskKey.String(),
		OperatorKey: priv.String(),
	}
	a, err := Dial(context.Background(), cfg, chain.Awaiter{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 1, MaxPolls: 4})
	require.NoError(t, err)
	return a, priv
}

func TestReadOfferDecodesAccount(t *testing.T) {
	node, srv := newFakeNode(t)
	node.on("getAccountInfo", func(p []json.RawMessage) (any, *rpcErr) {
		var addr string
		_ = json.Unmarshal(p[0], &addr)
		if addr == offerKey.String() {
			return accountResult(offerBytes(9, true, true)), nil
		}
		return accountResult(nil), nil
	})
	a, _ := newTestAdapter(t, srv.URL)

	o, err := a.ReadOffer(context.Background(), offerKey.String())
	require.NoError(t, err)
	assert.True(t, o.Exists)
	assert.Equal(t, buyerKey.String(), o.Beneficiary)
	assert.Equal(t, "2", o.ConsignmentID)
	assert.Equal(t, uint16(500), o.DiscountBps)
	assert.Equal(t, uint8(1), o.Currency)
	assert.True(t, o.Approved)
	assert.True(t, o.Paid)
	assert.Equal(t, int64(997500), o.AmountPaid.Int64())
	assert.Equal(t, time.Unix(1700086400, 0).UTC(), o.UnlockTime)

	missing, err := a.ReadOffer(context.Background(), key(8).String())
	require.NoError(t, err)
	assert.False(t, missing.Exists)
}

func TestApproveOfferSignsLegacyTx(t *testing.T) {
	node, srv := newFakeNode(t)
	blockhash := key(11)
	var sent []byte
	node.on("getAccountInfo", func(p []json.RawMessage) (any, *rpcErr) {
		return accountResult(offerBytes(9, false, false)), nil
	})
	node.on("getLatestBlockhash", func(p []json.RawMessage) (any, *rpcErr) {
		return map[string]any{"context": map[string]any{"slot": 1}, "value": map[string]any{"blockhash": blockhash.String(), "lastValidBlockHeight": 10}}, nil
	})
	node.on("sendTransaction", func(p []json.RawMessage) (any, *rpcErr) {
		var enc string
		_ = json.Unmarshal(p[0], &enc)
		sent, _ = base64.StdEncoding.DecodeString(enc)
		return base58.Encode(sent[1:65]), nil
	})
	a, priv := newTestAdapter(t, srv.URL)
	operator := priv.PublicKey()
	assert.Equal(t, operator.String(), a.OperatorAddress())

	h, err := a.Submit(context.Background(), chain.ApproveOffer{OfferID: offerKey.String()})
	require.NoError(t, err)
	require.NotEmpty(t, sent)

	tx, err := sol.TransactionFromBytes(sent)
	require.NoError(t, err)
	require.NoError(t, tx.VerifySignatures())
	assert.Equal(t, tx.Signatures[0].String(), h.Hash)
	assert.Equal(t, sol.Hash(blockhash), tx.Message.RecentBlockhash)

	hdr := tx.Message.Header
	assert.Equal(t, []uint8{1, 0, 2}, []uint8{hdr.NumRequiredSignatures, hdr.NumReadonlySignedAccounts, hdr.NumReadonlyUnsignedAccounts})
	assert.Equal(t, sol.PublicKeySlice{operator, offerKey, deskKey, programKey}, tx.Message.AccountKeys)

	require.Len(t, tx.Message.Instructions, 1)
	ix := tx.Message.Instructions[0]
	assert.Equal(t, uint16(3), ix.ProgramIDIndex)
	// desk, offer, approver
	assert.Equal(t, []uint16{2, 1, 0}, ix.Accounts)
	want := &bw{}
	want.disc(instructionDisc("approve_offer")).u64(9)
	assert.Equal(t, want.b, []byte(ix.Data))
}

func TestPreflightErrorsAreClassified(t *testing.T) {
	node, srv := newFakeNode(t)
	code := "0x177a"
	node.on("getAccountInfo", func(p []json.RawMessage) (any, *rpcErr) {
		return accountResult(offerBytes(9, true, false)), nil
	})
	node.on("getLatestBlockhash", func(p []json.RawMessage) (any, *rpcErr) {
		return map[string]any{"value": map[string]any{"blockhash": key(11).String()}}, nil
	})
	node.on("sendTransaction", func(p []json.RawMessage) (any, *rpcErr) {
		return nil, &rpcErr{Code: -32002, Message: "Transaction simulation failed: Error processing Instruction 0: custom program error: " + code}
	})
	a, _ := newTestAdapter(t, srv.URL)

	_, err := a.Submit(context.Background(), chain.ApproveOffer{OfferID: offerKey.String()})
	assert.ErrorIs(t, err, chain.ErrAlreadyDone)

	code = "0x1779"
	_, err = a.Submit(context.Background(), chain.CancelOffer{OfferID: offerKey.String()})
	assert.ErrorIs(t, err, chain.ErrRejected)
	assert.Contains(t, err.Error(), "BadState")

	_, err = a.Submit(context.Background(), chain.Claim{OfferID: offerKey.String()})
	assert.ErrorIs(t, err, chain.ErrUnsupported)
}

func TestRelayChecksProgram(t *testing.T) {
	node, srv := newFakeNode(t)
	node.on("sendTransaction", func(p []json.RawMessage) (any, *rpcErr) { return "sig", nil })
	a, priv := newTestAdapter(t, srv.URL)
	payer := priv.PublicKey()

	build := func(program sol.PublicKey) []byte {
		ix := sol.NewInstruction(program, sol.AccountMetaSlice{sol.Meta(offerKey).WRITE()}, []byte{1})
		tx, err := sol.NewTransaction([]sol.Instruction{ix}, sol.Hash(key(11)), sol.TransactionPayer(payer))
		require.NoError(t, err)
		_, err = tx.Sign(func(k sol.PublicKey) *sol.PrivateKey {
			if k.Equals(payer) {
				return &priv
			}
			return nil
		})
		require.NoError(t, err)
		raw, err := tx.MarshalBinary()
		require.NoError(t, err)
		return raw
	}
	h, err := a.Submit(context.Background(), chain.FulfillOffer{Call: chain.Call{SignedTx: build(programKey)}, OfferID: offerKey.String()})
	require.NoError(t, err)
	assert.Equal(t, "sig", h.Hash)

	_, err = a.Submit(context.Background(), chain.FulfillOffer{Call: chain.Call{SignedTx: build(key(12))}, OfferID: offerKey.String()})
	assert.ErrorIs(t, err, chain.ErrRejected)

	_, err = a.Submit(context.Background(), chain.FulfillOffer{Call: chain.Call{SignedTx: []byte{0x01, 0x02}}, OfferID: offerKey.String()})
	assert.ErrorIs(t, err, chain.ErrRejected)
}

func TestWaitForConfirmationAndEvents(t *testing.T) {
	node, srv := newFakeNode(t)
	ev := &bw{}
	ev.disc(eventDisc("OfferCreated")).key(deskKey).key(offerKey).key(buyerKey).u64(700).u16(500).u8(0)

	createData := (&bw{}).disc(instructionDisc("create_consignment")).u64(5000).b
	polls := 0
	node.on("getTransaction", func(p []json.RawMessage) (any, *rpcErr) {
		polls++
		if polls < 2 {
			return nil, nil
		}
		return map[string]any{
			"slot": 50,
			"meta": map[string]any{"err": nil, "logMessages": []string{
				"Program " + programKey.String() + " invoke [1]",
				"Program data: " + base64.StdEncoding.EncodeToString(ev.b),
				"Program " + programKey.String() + " success",
			}},
			"transaction": map[string]any{"message": map[string]any{
				"accountKeys": []string{buyerKey.String(), deskKey.String(), key(9).String(), key(13).String(), key(14).String(), key(15).String(), programKey.String()},
				"instructions": []map[string]any{{
					"programIdIndex": 6,
					"accounts":       []int{1, 0, 2, 3, 4, 5},
					"data":           base58.Encode(createData),
				}},
			}},
		}, nil
	})
	node.on("getSlot", func(p []json.RawMessage) (any, *rpcErr) { return 51, nil })
	a, _ := newTestAdapter(t, srv.URL)

	r, err := a.WaitForConfirmation(context.Background(), chain.TxHandle{Hash: "5sig"}, 2)
	require.NoError(t, err)
	assert.True(t, r.Success)
	assert.Equal(t, uint64(50), r.BlockNumber)

	got, err := a.DecodeEvent(r, chain.EventOfferCreated)
	require.NoError(t, err)
	assert.Equal(t, offerKey.String(), got.OfferID)
	assert.Equal(t, buyerKey.String(), got.Actor)
	assert.Equal(t, int64(700), got.Amount.Int64())

	cons, err := a.DecodeEvent(r, chain.EventConsignmentCreated)
	require.NoError(t, err)
	assert.Equal(t, key(15).String(), cons.ConsignmentID)
	assert.Equal(t, buyerKey.String(), cons.Actor)
	assert.Equal(t, int64(5000), cons.Amount.Int64())

	_, err = a.DecodeEvent(r, chain.EventOfferPaid)
	assert.ErrorIs(t, err, chain.ErrEventNotFound)
}

func TestDeskParamsAndApprovers(t *testing.T) {
	node, srv := newFakeNode(t)
	node.on("getAccountInfo", func(p []json.RawMessage) (any, *rpcErr) {
		return accountResult(deskBytes()), nil
	})
	a, _ := newTestAdapter(t, srv.URL)

	p, err := a.ReadDeskParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(500000000), p.MinUSDAmount.Int64())
	assert.Equal(t, int64(1800), p.QuoteExpirySeconds)
	assert.Equal(t, int64(1000000000), p.MaxTokenPerOrder.Int64())
	assert.True(t, p.EmergencyRefundsEnabled)
	assert.Equal(t, agentKey.String(), p.Agent)

	for _, tc := range []struct {
		who  sol.PublicKey
		want bool
	}{{agentKey, true}, {approver, true}, {buyerKey, false}} {
		ok, err := a.IsApprover(context.Background(), tc.who.String())
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok)
	}
}
