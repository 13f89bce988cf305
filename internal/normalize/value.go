package normalize

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// EtherDecimals is the wei-to-ether scale exponent.
const EtherDecimals = 18

// WeiToEther scales wei down by 10^18 without rounding. A nil amount is zero.
func WeiToEther(wei *big.Int) decimal.Decimal {
	if wei == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(wei, -EtherDecimals)
}

// EtherToWei scales ether up by 10^18. It fails when the amount carries more
// precision than one wei.
func EtherToWei(ether decimal.Decimal) (*big.Int, error) {
	shifted := ether.Shift(EtherDecimals)
	if !shifted.IsInteger() {
		return nil, fmt.Errorf("ether amount %s has sub-wei precision", ether.String())
	}
	return shifted.BigInt(), nil
}
