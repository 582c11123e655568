package notify

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/manaops/creditflow/pkg/ledger"
)

// tokenDecimals is the decimal precision of the tracked token.
const tokenDecimals = 18

// crossChainScanBaseURL links bridge transactions to the public explorer.
const crossChainScanBaseURL = "https://coralscan.squidrouter.com/tx"

// FormatAmount renders a raw token amount (smallest unit) as a whole-token
// decimal string with trailing zeros trimmed.
func FormatAmount(amount *big.Int) string {
	if amount == nil || amount.Sign() == 0 {
		return "0"
	}

	div := new(big.Int).Exp(big.NewInt(10), big.NewInt(tokenDecimals), nil)
	whole, frac := new(big.Int).QuoRem(amount, div, new(big.Int))

	if frac.Sign() == 0 {
		return whole.String()
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*s", tokenDecimals, frac.String()), "0")
	return whole.String() + "." + fracStr
}

// CrossChainScanURL returns the explorer URL for a bridge source tx.
func CrossChainScanURL(txHash string) string {
	return crossChainScanBaseURL + "/" + txHash
}

// CreditUsedMessage formats the per-consumption notification.
func CreditUsedMessage(c *ledger.Consumption) string {
	return fmt.Sprintf(`:bell: *New Credit Consumption*
- Credit ID: `+"`%s`"+`
- Beneficiary: `+"`%s`"+`
- Amount: `+"`%s`"+` MANA
- Block: `+"`%d`"+`
- Tx Hash: `+"`%s`"+`
- Time: `+"`%s`",
		c.CreditID, c.Beneficiary, FormatAmount(c.Amount),
		c.BlockHeight, c.TxHash, c.Timestamp.UTC().Format(time.RFC3339))
}

// OrderCreatedMessage formats the one-per-order bridge summary covering all
// credits attached during the batch.
func OrderCreatedMessage(o *ledger.BridgeOrder) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":link: *Cross-Chain Order Created*\n")
	fmt.Fprintf(&b, "- Order Hash: `%s`\n", o.OrderHash)
	fmt.Fprintf(&b, "- From: `%s`\n", o.FromAddress)
	fmt.Fprintf(&b, "- To: `%s`\n", o.ToAddress)
	fmt.Fprintf(&b, "- Credits Used: `%s` MANA across %d credit(s)\n",
		FormatAmount(o.TotalCreditsUsed), len(o.CreditIDs))
	if o.FromChain != 0 && o.ToChain != 0 {
		fmt.Fprintf(&b, "- Route: chain %d -> chain %d\n", o.FromChain, o.ToChain)
	}
	fmt.Fprintf(&b, "- Source Tx: <%s|%s>\n", CrossChainScanURL(o.TxHash), o.TxHash)
	fmt.Fprintf(&b, "- Status: _pending destination confirmation_")
	return b.String()
}

// OrderResolvedMessage formats the update written over the order summary
// once the destination transaction or a terminal status is known.
func OrderResolvedMessage(o *ledger.BridgeOrder, destinationTx, status string) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":white_check_mark: *Cross-Chain Order Settled*\n")
	fmt.Fprintf(&b, "- Order Hash: `%s`\n", o.OrderHash)
	fmt.Fprintf(&b, "- Credits Used: `%s` MANA across %d credit(s)\n",
		FormatAmount(o.TotalCreditsUsed), len(o.CreditIDs))
	fmt.Fprintf(&b, "- Source Tx: <%s|%s>\n", CrossChainScanURL(o.TxHash), o.TxHash)
	if destinationTx != "" {
		fmt.Fprintf(&b, "- Destination Tx: `%s`\n", destinationTx)
	}
	if status != "" {
		fmt.Fprintf(&b, "- Status: `%s`", status)
	} else {
		fmt.Fprintf(&b, "- Status: `confirmed`")
	}
	return b.String()
}
