package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// EVMSigner signs escrow transactions with the desk operator key.
type EVMSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

func NewEVMSigner(privateKeyHex string, chainID int64) (*EVMSigner, error) {
	// 1. Parse Private Key
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %v", err)
	}

	// 2. Derive Address
	publicKeyECDSA, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}

	id := big.NewInt(chainID)
	return &EVMSigner{
		key:     key,
		address: crypto.PubkeyToAddress(*publicKeyECDSA),
		chainID: id,
		signer:  types.LatestSignerForChainID(id),
	}, nil
}

func (s *EVMSigner) Address() common.Address {
	return s.address
}

func (s *EVMSigner) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

func (s *EVMSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, s.signer, s.key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	return signed, nil
}
