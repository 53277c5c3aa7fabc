package emitter

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

// Logical event names carried on the realtime channel.
const (
	EventDepositDetected  = "depositDetected"
	EventWithdrawDetected = "withdrawDetected"
	EventBalanceUpdate    = "balanceUpdate"
)

// Deposit is the payload for depositDetected.
type Deposit struct {
	WalletAddress   string `json:"walletAddress"`
	FromAddress     string `json:"fromAddress"`
	Amount          string `json:"amount"`
	AmountFormatted string `json:"amountFormatted"`
	TxHash          string `json:"txHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	BlockTimestamp  uint64 `json:"blockTimestamp"`
	ChainID         uint64 `json:"chainId"`
	UserID          string `json:"userId,omitempty"`
	Type            string `json:"type"`
}

// Withdraw is the payload for withdrawDetected. Symmetric with Deposit
// but carries the recipient instead of the sender.
type Withdraw struct {
	WalletAddress   string `json:"walletAddress"`
	ToAddress       string `json:"toAddress"`
	Amount          string `json:"amount"`
	AmountFormatted string `json:"amountFormatted"`
	TxHash          string `json:"txHash"`
	BlockNumber     uint64 `json:"blockNumber"`
	BlockTimestamp  uint64 `json:"blockTimestamp"`
	ChainID         uint64 `json:"chainId"`
	UserID          string `json:"userId,omitempty"`
	Type            string `json:"type"`
}

// BalanceUpdate is the payload for balanceUpdate.
type BalanceUpdate struct {
	WalletAddress    string `json:"walletAddress"`
	Balance          string `json:"balance"`
	BalanceFormatted string `json:"balanceFormatted"`
	ChainID          uint64 `json:"chainId"`
	UserID           string `json:"userId,omitempty"`
	Timestamp        int64  `json:"timestamp"`
}

// FormatUnits renders a base-unit amount as a decimal native-asset
// string, e.g. 1500000000000000000 -> "1.5". Trailing zeros are trimmed.
func FormatUnits(amount *big.Int) string {
	if amount == nil {
		return "0"
	}
	r := new(big.Rat).SetFrac(amount, big.NewInt(params.Ether))
	s := r.FloatString(18)
	s = strings.TrimRight(s, "0")
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
