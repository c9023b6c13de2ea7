package signer

import (
	"crypto/ed25519"
	"math/big"
	"testing"

	"github.com/btcsuite/btcutil/base58"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	sol "github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEVMSigner_SignTx(t *testing.T) {
	// Generate a random key for testing
	key, _ := crypto.GenerateKey()
	keyHex := hexutil.Encode(crypto.FromECDSA(key))

	s, err := NewEVMSigner(keyHex, 8453)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), s.Address())

	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(8453),
		Nonce:     7,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(tx)
	require.NoError(t, err)

	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(8453)), signed)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), from)
}

func TestEVMSigner_RejectsEmptyKey(t *testing.T) {
	_, err := NewEVMSigner("", 1)
	assert.Error(t, err)
	_, err = NewEVMSigner("zz", 1)
	assert.Error(t, err)
}

func TestSolanaSigner(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s, err := NewSolanaSigner(base58.Encode(priv))
	require.NoError(t, err)
	assert.Equal(t, base58.Encode(pub), s.Address())

	assert.Equal(t, pub, ed25519.PublicKey(s.PublicKey().Bytes()))

	msg := []byte("approve_offer")
	sig, err := s.Sign(msg)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, msg, sig[:]))

	assert.NotNil(t, s.Key(s.PublicKey()))
	assert.Nil(t, s.Key(sol.PublicKey{}))

	fromSeed, err := NewSolanaSigner(base58.Encode(priv.Seed()))
	require.NoError(t, err)
	assert.Equal(t, s.Address(), fromSeed.Address())

	_, err = NewSolanaSigner("abc")
	assert.Error(t, err)
}
