package evm

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// escrowABI covers the OTC contract surface the desk talks to.
const escrowABI = `[
{"type":"function","name":"createConsignment","stateMutability":"payable","inputs":[
 {"name":"tokenId","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"isNegotiable","type":"bool"},
 {"name":"fixedDiscountBps","type":"uint16"},{"name":"fixedLockupDays","type":"uint32"},
 {"name":"minDiscountBps","type":"uint16"},{"name":"maxDiscountBps","type":"uint16"},
 {"name":"minLockupDays","type":"uint32"},{"name":"maxLockupDays","type":"uint32"},
 {"name":"minDealAmount","type":"uint256"},{"name":"maxDealAmount","type":"uint256"},
 {"name":"maxPriceVolatilityBps","type":"uint16"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"createOfferFromConsignment","stateMutability":"nonpayable","inputs":[
 {"name":"consignmentId","type":"uint256"},{"name":"tokenAmount","type":"uint256"},{"name":"discountBps","type":"uint256"},
 {"name":"currency","type":"uint8"},{"name":"lockupSeconds","type":"uint256"},{"name":"agentCommissionBps","type":"uint16"}],
 "outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"approveOffer","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"fulfillOffer","stateMutability":"payable","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"cancelOffer","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"emergencyRefund","stateMutability":"nonpayable","inputs":[{"name":"offerId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"withdrawConsignment","stateMutability":"nonpayable","inputs":[{"name":"consignmentId","type":"uint256"}],"outputs":[]},
{"type":"function","name":"offers","stateMutability":"view","inputs":[{"name":"","type":"uint256"}],"outputs":[
 {"name":"consignmentId","type":"uint256"},{"name":"tokenId","type":"bytes32"},{"name":"beneficiary","type":"address"},
 {"name":"tokenAmount","type":"uint256"},{"name":"discountBps","type":"uint256"},{"name":"createdAt","type":"uint256"},
 {"name":"unlockTime","type":"uint256"},{"name":"priceUsdPerToken","type":"uint256"},{"name":"maxPriceDeviation","type":"uint256"},
 {"name":"ethUsdPrice","type":"uint256"},{"name":"currency","type":"uint8"},{"name":"approved","type":"bool"},
 {"name":"paid","type":"bool"},{"name":"fulfilled","type":"bool"},{"name":"cancelled","type":"bool"},
 {"name":"payer","type":"address"},{"name":"amountPaid","type":"uint256"},{"name":"agentCommissionBps","type":"uint16"}]},
{"type":"function","name":"minUsdAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"maxTokenPerOrder","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"quoteExpirySeconds","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"defaultUnlockDelaySeconds","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"emergencyRefundsEnabled","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
{"type":"function","name":"agent","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
{"type":"function","name":"isApprover","stateMutability":"view","inputs":[{"name":"","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
{"type":"event","name":"ConsignmentCreated","anonymous":false,"inputs":[
 {"name":"consignmentId","type":"uint256","indexed":true},{"name":"tokenId","type":"bytes32","indexed":true},
 {"name":"consigner","type":"address","indexed":true},{"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"OfferCreated","anonymous":false,"inputs":[
 {"name":"offerId","type":"uint256","indexed":true},{"name":"beneficiary","type":"address","indexed":true},
 {"name":"tokenAmount","type":"uint256","indexed":false},{"name":"discountBps","type":"uint256","indexed":false},
 {"name":"currency","type":"uint8","indexed":false}]},
{"type":"event","name":"OfferApproved","anonymous":false,"inputs":[
 {"name":"offerId","type":"uint256","indexed":true},{"name":"by","type":"address","indexed":true}]},
{"type":"event","name":"OfferCancelled","anonymous":false,"inputs":[
 {"name":"offerId","type":"uint256","indexed":true},{"name":"by","type":"address","indexed":true}]},
{"type":"event","name":"OfferPaid","anonymous":false,"inputs":[
 {"name":"offerId","type":"uint256","indexed":true},{"name":"payer","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"TokensClaimed","anonymous":false,"inputs":[
 {"name":"offerId","type":"uint256","indexed":true},{"name":"beneficiary","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false}]},
{"type":"event","name":"EmergencyRefund","anonymous":false,"inputs":[
 {"name":"offerId","type":"uint256","indexed":true},{"name":"recipient","type":"address","indexed":true},
 {"name":"amount","type":"uint256","indexed":false},{"name":"currency","type":"uint8","indexed":false}]}
]`

func parseEscrowABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(escrowABI))
}

// offerView is the unpacked result of offers(uint256). Field names follow the
// ABI output names.
type offerView struct {
	ConsignmentId      *big.Int
	TokenId            [32]byte
	Beneficiary        common.Address
	TokenAmount        *big.Int
	DiscountBps        *big.Int
	CreatedAt          *big.Int
	UnlockTime         *big.Int
	PriceUsdPerToken   *big.Int
	MaxPriceDeviation  *big.Int
	EthUsdPrice        *big.Int
	Currency           uint8
	Approved           bool
	Paid               bool
	Fulfilled          bool
	Cancelled          bool
	Payer              common.Address
	AmountPaid         *big.Int
	AgentCommissionBps uint16
}
