package harvest

import "strings"

// qualityScore rates one bar in [0, 1]. Each independent inconsistency
// subtracts its penalty; a bar can trip several at once.
func qualityScore(open, high, low, close float64) float64 {
	quality := 1.0

	if high <= 0 || low <= 0 {
		quality -= 0.3
	}
	if high < low {
		quality -= 0.5
	}
	if high < max(open, close) {
		quality -= 0.2
	}
	if low > min(open, close) {
		quality -= 0.2
	}

	if quality < 0 {
		return 0
	}
	return quality
}

// inferSymbolType guesses the asset class from the symbol's shape.
func inferSymbolType(symbol string) string {
	if strings.Contains(symbol, ".") {
		return "stock" // exchange-suffixed listing
	}
	if len(symbol) == 7 && symbol[3] == '/' {
		return "forex" // EUR/USD style pair
	}
	if strings.HasPrefix(symbol, "BTC") || strings.HasPrefix(symbol, "ETH") {
		return "crypto"
	}
	return "stock"
}
