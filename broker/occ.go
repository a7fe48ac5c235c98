package broker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/optrader/spreadctl/types"
)

// EncodeOCC builds the OCC option symbol: root padded to 6 chars, YYMMDD,
// C or P, then the strike in thousandths as 8 digits.
func EncodeOCC(root string, expiration time.Time, optType types.OptionType, strike decimal.Decimal) string {
	paddedRoot := fmt.Sprintf("%-6s", strings.ToUpper(root))
	dateStr := expiration.Format("060102")
	typeChar := "C"
	if optType == types.Put {
		typeChar = "P"
	}
	strikeThousandths := strike.Mul(decimal.NewFromInt(1000)).Round(0).IntPart()
	return fmt.Sprintf("%s%s%s%08d", paddedRoot, dateStr, typeChar, strikeThousandths)
}

// DecodeOCC parses an OCC option symbol into its component parts.
func DecodeOCC(symbol string) (root string, expiration time.Time, optType types.OptionType, strike decimal.Decimal, err error) {
	if len(symbol) < 15 {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("broker: decode OCC symbol %q: too short", symbol)
	}
	root = strings.TrimSpace(symbol[:6])
	dateStr := symbol[6:12]
	typeChar := symbol[12:13]
	strikeStr := symbol[13:]

	expiration, err = time.ParseInLocation("060102", dateStr, time.UTC)
	if err != nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("broker: decode OCC symbol %q: bad date: %w", symbol, err)
	}

	switch typeChar {
	case "C":
		optType = types.Call
	case "P":
		optType = types.Put
	default:
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("broker: decode OCC symbol %q: bad option type %q", symbol, typeChar)
	}

	thousandths, err := strconv.ParseInt(strikeStr, 10, 64)
	if err != nil {
		return "", time.Time{}, "", decimal.Zero, fmt.Errorf("broker: decode OCC symbol %q: bad strike: %w", symbol, err)
	}
	strike = decimal.NewFromInt(thousandths).Div(decimal.NewFromInt(1000))

	return root, expiration, optType, strike, nil
}

// underlyingFromOCC extracts the root ticker from an OCC symbol, or returns
// symbol unchanged if it is not OCC-shaped (bare equity tickers pass
// through the order-placement helpers verbatim).
func underlyingFromOCC(symbol string) string {
	if len(symbol) < 15 {
		return symbol
	}
	return strings.TrimSpace(symbol[:6])
}
