package parser

import (
	"strings"

	"github.com/antchfx/xmlquery"
)

// attribute is one flattened product feature pair.
type attribute struct {
	name  string
	value string
}

// attributes walks the product subtree depth-first in document order and
// builds the attribute map. A name seen again overwrites the earlier value.
func (f *Flattener) attributes(product *xmlquery.Node) map[string]string {
	var pairs []attribute
	walk(product, func(n *xmlquery.Node) {
		if n.Data != "ProductFeature" {
			return
		}
		if pair, ok := f.feature(n); ok {
			pairs = append(pairs, pair)
		}
	})

	attrs := make(map[string]string, len(pairs))
	for _, p := range pairs {
		attrs[p.name] = p.value
	}
	return attrs
}

func walk(n *xmlquery.Node, visit func(*xmlquery.Node)) {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type != xmlquery.ElementNode {
			continue
		}
		visit(child)
		walk(child, visit)
	}
}

func (f *Flattener) feature(n *xmlquery.Node) (attribute, bool) {
	value := NormalizeValue(n.SelectAttr("Presentation_Value"))
	if value == "" {
		return attribute{}, false
	}

	name := ""
	if node := xmlquery.FindOne(n, "./Feature/Name"); node != nil {
		name = node.SelectAttr("Value")
	}
	ids := []string{
		strings.TrimSpace(n.SelectAttr("Local_ID")),
		strings.TrimSpace(n.SelectAttr("CategoryFeature_ID")),
	}
	if name == "" {
		for _, id := range ids {
			if id == "" {
				continue
			}
			if mapped, ok := f.features[id]; ok {
				name = mapped
				break
			}
		}
	}
	if name == "" {
		for _, id := range ids {
			if id != "" {
				name = "Feature_" + id
				break
			}
		}
	}

	name = NormalizeName(name)
	if name == "" {
		return attribute{}, false
	}
	return attribute{name: name, value: value}, true
}

// NormalizeText trims and collapses internal whitespace.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeName prepares an attribute name for faceting.
func NormalizeName(s string) string {
	return strings.ReplaceAll(NormalizeText(s), "|", "/")
}

// NormalizeValue prepares an attribute value for faceting. Icecat booleans
// Y and N become Yes and No.
func NormalizeValue(s string) string {
	value := strings.ReplaceAll(NormalizeText(s), "|", "/")
	switch value {
	case "Y":
		return "Yes"
	case "N":
		return "No"
	default:
		return value
	}
}
