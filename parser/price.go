package parser

import (
	"crypto/md5"
	"math"
	"math/big"
	"strings"
)

// DefaultBasePrice applies when no category keyword matches.
const DefaultBasePrice = 50.0

// priceBaselines maps category keywords to an average price. Order matters:
// the first keyword contained in the category name wins.
var priceBaselines = []struct {
	keyword string
	base    float64
}{
	{"Laptops", 800},
	{"Tablets", 400},
	{"Smartphones", 500},
	{"TVs", 600},
	{"Monitors", 250},
	{"Memory", 80},
	{"Processors", 300},
	{"Hard Drives", 100},
	{"SSD", 120},
	{"Motherboards", 150},
	{"Video Cards", 400},
	{"Cables", 15},
	{"Keyboards", 40},
	{"Mice", 30},
	{"Headphones", 60},
	{"Software", 100},
	{"Servers", 1500},
	{"Printers", 200},
	{"Toner Cartridges", 80},
}

var thousand = big.NewInt(1000)

// EstimatePrice derives a stable demo price from the product ID and its
// category: the category baseline varied by up to 40% either way, rounded to
// cents.
func EstimatePrice(id, category string) float64 {
	if id == "" {
		return 0
	}

	sum := md5.Sum([]byte(id))
	hash := new(big.Int).SetBytes(sum[:])
	factor := float64(new(big.Int).Mod(hash, thousand).Int64()) / 1000

	base := BasePrice(category)
	variance := base * 0.4
	price := base + variance*2*(factor-0.5)
	return math.Round(price*100) / 100
}

// BasePrice returns the baseline price for a category name.
func BasePrice(category string) float64 {
	name := strings.ToLower(category)
	if name == "" {
		return DefaultBasePrice
	}
	for _, b := range priceBaselines {
		if strings.Contains(name, strings.ToLower(b.keyword)) {
			return b.base
		}
	}
	return DefaultBasePrice
}
