package chain_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoPolymarket/otcgate/internal/chain"
	"github.com/GoPolymarket/otcgate/internal/chain/chaintest"
	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
)

func TestRegistryLookup(t *testing.T) {
	reg := chain.NewRegistry()
	reg.Register(chaintest.NewFake("Base", chain.FamilyEVM), 3)

	a, err := reg.Get("base")
	require.NoError(t, err)
	assert.Equal(t, "Base", a.Name())
	assert.Equal(t, uint64(3), reg.MinConfirmations("BASE"))
	assert.Equal(t, uint64(1), reg.MinConfirmations("jeju"))
	assert.Equal(t, []string{"base"}, reg.Names())

	_, err = reg.Get("jeju")
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrFatalConfig))
	assert.True(t, errors.Is(err, chain.ErrNotConfigured))
}

func TestValidateAddress(t *testing.T) {
	assert.NoError(t, chain.ValidateAddress(chain.FamilyEVM, "0x00000000000000000000000000000000000000aa"))
	assert.Error(t, chain.ValidateAddress(chain.FamilyEVM, "00000000000000000000000000000000000000aa"))
	assert.Error(t, chain.ValidateAddress(chain.FamilyEVM, "0x1234"))

	assert.NoError(t, chain.ValidateAddress(chain.FamilySolana, "11111111111111111111111111111111"))
	assert.Error(t, chain.ValidateAddress(chain.FamilySolana, "0x00000000000000000000000000000000000000aa"))
	assert.Error(t, chain.ValidateAddress("cosmos", "x"))
}
