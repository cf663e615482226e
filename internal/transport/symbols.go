package transport

import "strings"

// aliasMap canonicalizes user-friendly names to broker symbols. Covers the
// common Argentine ticker confusions.
var aliasMap = map[string]string{
	"YPF":              "YPFD",
	"PAMPA":            "PAMP",
	"BBVA":             "BBAR",
	"BANCO_MACRO":      "BMA",
	"TELECOM":          "TECO2",
	"TENARIS":          "TS",
	"GALICIA":          "GGAL",
	"GRUPO_FINANCIERO": "GGAL",
	"SUPERVIELLE":      "SUPV",
	"ALUAR":            "ALUA",
	"CENTRAL_PUERTO":   "CEPU",
	"EDENOR":           "EDN",
	"TRANSENER":        "TRAN",
	"TRANSPORTADORA":   "TGS",
	"CRESUD":           "CRES",
	"IRSA":             "IRS",
	"MIRGOR":           "MIRG",
	"MOLINOS":          "MOLI",
}

// bondRoots are the common sovereign bond roots quoted per 100 nominals.
// Their currency variants (D, C) share the same scale.
var bondRoots = map[string]bool{
	"AL30": true, "AL35": true, "AL41": true,
	"GD30": true, "GD35": true, "GD41": true,
	"AE38": true,
}

const (
	// BondPriceScale is the factor between broker prices and display
	// prices for BYMA bonds (quoted per 100 nominals).
	BondPriceScale = 100.0

	// DefaultSettlement is used when a caller symbol carries none.
	DefaultSettlement = "24hs"
)

// Canonical uppercases a caller symbol and resolves known aliases. A
// settlement suffix ("AL30 - CI") is preserved.
func Canonical(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasPrefix(s, "MERV - XMEV - ") {
		return canonicalizeSettlementSuffix(s)
	}
	root, settlement := splitSettlement(s)
	if alias, ok := aliasMap[root]; ok {
		root = alias
	}
	if settlement == "" {
		return root
	}
	return root + " - " + settlement
}

// NormalizeSettlement maps the accepted settlement spellings onto the
// BYMA forms: CI (T0) or 24hs (T1).
func NormalizeSettlement(settlement string) string {
	switch strings.ToUpper(strings.TrimSpace(settlement)) {
	case "", "CI", "T0", "T+0":
		return "CI"
	case "24HS", "48HS", "T1", "T+1", "24":
		return "24hs"
	default:
		return "CI"
	}
}

// FullTicker expands a caller symbol into the BYMA wire form
// "MERV - XMEV - <ROOT> - <SETTLEMENT>". Symbols already in wire form pass
// through unchanged.
func FullTicker(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasPrefix(s, "MERV - XMEV - ") {
		return canonicalizeSettlementSuffix(s)
	}
	root, settlement := splitSettlement(Canonical(symbol))
	if settlement == "" {
		settlement = DefaultSettlement
	}
	if settlement == "24HS" {
		settlement = "24hs"
	}
	return "MERV - XMEV - " + root + " - " + settlement
}

// RootSymbol extracts the bare instrument symbol from a wire ticker.
// "MERV - XMEV - AL30 - 24hs" yields "AL30".
func RootSymbol(ticker string) string {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(ticker)), " - ")
	if len(parts) >= 4 && parts[0] == "MERV" && parts[1] == "XMEV" {
		return parts[2]
	}
	if len(parts) == 2 && isSettlement(parts[1]) {
		return parts[0]
	}
	return strings.ToUpper(strings.TrimSpace(ticker))
}

// IsBond reports whether symbol is a known bond (root or currency variant)
// whose broker prices carry the per-100-nominals scale.
func IsBond(symbol string) bool {
	root, _ := splitSettlement(strings.ToUpper(strings.TrimSpace(symbol)))
	root = RootSymbol(root)
	if bondRoots[root] {
		return true
	}
	if len(root) > 1 {
		switch root[len(root)-1] {
		case 'D', 'C':
			return bondRoots[root[:len(root)-1]]
		}
	}
	return false
}

func splitSettlement(s string) (root, settlement string) {
	parts := strings.Split(s, " - ")
	if len(parts) == 2 && isSettlement(parts[1]) {
		return parts[0], parts[1]
	}
	return s, ""
}

func isSettlement(s string) bool {
	switch strings.ToUpper(s) {
	case "CI", "24HS", "48HS", "T0", "T1":
		return true
	}
	return false
}

func canonicalizeSettlementSuffix(ticker string) string {
	// The gateway is case-sensitive about "24hs".
	if strings.HasSuffix(ticker, " - 24HS") {
		return strings.TrimSuffix(ticker, " - 24HS") + " - 24hs"
	}
	return ticker
}
