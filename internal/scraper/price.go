package scraper

import (
	"strconv"
	"strings"
)

// Price is a normalized listing price. Amount is a canonical decimal string
// ("1234", "12.5") or nil when the text carries no number ("Zu verschenken").
type Price struct {
	Amount     *string `json:"amount"`
	Currency   string  `json:"currency"`
	Negotiable bool    `json:"negotiable"`
	Text       string  `json:"text"`
}

// ParsePrice normalizes price text such as "1.234 € VB" or "12,50 €".
// "." is a thousands separator and "," the decimal separator.
func ParsePrice(text string) Price {
	text = strings.Join(strings.Fields(text), " ")
	p := Price{Text: text, Negotiable: strings.Contains(text, "VB")}
	if text == "" {
		return p
	}

	cleaned := strings.NewReplacer("€", "", "VB", "", ".", "", " ", "").Replace(text)
	cleaned = strings.ReplaceAll(cleaned, ",", ".")
	v, err := strconv.ParseFloat(cleaned, 64)
	if err != nil || v < 0 {
		return p
	}
	amount := strconv.FormatFloat(v, 'f', -1, 64)
	p.Amount = &amount
	p.Currency = "EUR"
	return p
}

// cleanPriceText strips currency and negotiation markers the way result
// summaries present price: "1.234 € VB" becomes "1234".
func cleanPriceText(text string) string {
	return strings.TrimSpace(strings.NewReplacer("€", "", "VB", "", ".", "").Replace(text))
}
