package rates

// fallbackPrices are rough BTC prices used when the live source is down so a
// sale can still complete. Deliberately coarse; update occasionally.
var fallbackPrices = map[string]float64{
	"USD": 100000,
	"EUR": 92000,
	"GBP": 79000,
	"CHF": 88000,
	"CAD": 140000,
	"AUD": 155000,
	"JPY": 15500000,
	"MXN": 1900000,
	"BRL": 560000,
	"ARS": 105000000,
	"NGN": 160000000,
	"KES": 13000000,
	"ZAR": 1800000,
	"CZK": 2300000,
	"PLN": 400000,
	"SEK": 1050000,
}
