package models

import "sort"

// FlatProduct is the canonical output record written as one NDJSON line.
type FlatProduct struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Brand       string            `json:"brand"`
	Description string            `json:"description"`
	Price       float64           `json:"price"`
	ImageURL    string            `json:"image_url"`
	Categories  []string          `json:"categories"`
	Attrs       map[string]string `json:"attrs"`
	AttrKeys    []string          `json:"attr_keys"`
}

// NewFlatProduct builds a record and derives AttrKeys from attrs.
func NewFlatProduct(id, title, brand, description string, price float64, imageURL string, categories []string, attrs map[string]string) *FlatProduct {
	if categories == nil {
		categories = []string{}
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	return &FlatProduct{
		ID:          id,
		Title:       title,
		Brand:       brand,
		Description: description,
		Price:       price,
		ImageURL:    imageURL,
		Categories:  categories,
		Attrs:       attrs,
		AttrKeys:    SortedKeys(attrs),
	}
}

// SortedKeys returns the keys of m in ascending order.
func SortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
