// Package parser flattens Icecat product documents into FlatProduct records.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/aluiziolira/icecat-harvester/models"
	"github.com/antchfx/xmlquery"
)

// englishLangID is the Icecat language id for English.
const englishLangID = "1"

var (
	errNoProduct = errors.New("no Product element")
	errNoID      = errors.New("product has no ID")
	errNoTitle   = errors.New("product has no Title or Name")
)

// CategoryNamer resolves category IDs to names. *catalog.Map implements it.
type CategoryNamer interface {
	Name(id string) string
}

// Flattener converts raw product documents into FlatProduct records. It holds
// only read-only lookup tables and is safe for concurrent use.
type Flattener struct {
	features   map[string]string
	categories CategoryNamer
}

// NewFlattener returns a Flattener. Both lookups are optional.
func NewFlattener(features map[string]string, categories CategoryNamer) *Flattener {
	if features == nil {
		features = map[string]string{}
	}
	return &Flattener{features: features, categories: categories}
}

// Flatten parses one document. Unparsable documents, Icecat error responses
// and documents without an ID or title yield models.ErrMalformedDocument.
func (f *Flattener) Flatten(data []byte) (*models.FlatProduct, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, models.ErrMalformedDocument{Err: err}
	}
	product := xmlquery.FindOne(doc, "//Product")
	if product == nil {
		return nil, models.ErrMalformedDocument{Err: errNoProduct}
	}
	if msg := strings.TrimSpace(product.SelectAttr("ErrorMessage")); msg != "" {
		return nil, models.ErrMalformedDocument{Err: fmt.Errorf("icecat error: %s", msg)}
	}

	id := strings.TrimSpace(product.SelectAttr("ID"))
	if id == "" {
		return nil, models.ErrMalformedDocument{Err: errNoID}
	}
	title := NormalizeText(product.SelectAttr("Title"))
	if title == "" {
		title = NormalizeText(product.SelectAttr("Name"))
	}
	if title == "" {
		return nil, models.ErrMalformedDocument{Err: errNoTitle}
	}

	categories := f.categoryNames(product)
	primary := ""
	if len(categories) > 0 {
		primary = categories[0]
	}

	return models.NewFlatProduct(
		id,
		title,
		brand(product),
		description(product),
		EstimatePrice(id, primary),
		PrimaryImage(ImageCandidates(product)),
		categories,
		f.attributes(product),
	), nil
}

func brand(product *xmlquery.Node) string {
	if supplier := xmlquery.FindOne(product, "./Supplier"); supplier != nil {
		return NormalizeText(supplier.SelectAttr("Name"))
	}
	return ""
}

func description(product *xmlquery.Node) string {
	if desc := xmlquery.FindOne(product, "./ProductDescription"); desc != nil {
		for _, attr := range []string{"LongDesc", "ShortDesc"} {
			if text := StripMarkup(desc.SelectAttr(attr)); text != "" {
				return text
			}
		}
	}
	if summary := xmlquery.FindOne(product, "./SummaryDescription/LongSummaryDescription"); summary != nil {
		return StripMarkup(summary.InnerText())
	}
	return ""
}

// categoryNames lists the product's own category associations in document
// order, without duplicates.
func (f *Flattener) categoryNames(product *xmlquery.Node) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, cat := range xmlquery.Find(product, "./Category") {
		name := localizedName(cat)
		if name == "" && f.categories != nil {
			name = NormalizeText(f.categories.Name(strings.TrimSpace(cat.SelectAttr("ID"))))
		}
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// localizedName returns the English Name@Value under n, else the first one.
func localizedName(n *xmlquery.Node) string {
	fallback := ""
	for _, name := range xmlquery.Find(n, "./Name") {
		value := NormalizeText(name.SelectAttr("Value"))
		if value == "" {
			continue
		}
		if name.SelectAttr("langid") == englishLangID {
			return value
		}
		if fallback == "" {
			fallback = value
		}
	}
	return fallback
}
