package catalog

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aluiziolira/icecat-harvester/models"
)

// englishLangID is the Icecat language id for English names.
const englishLangID = "1"

// ParseCategoriesList streams an Icecat CategoriesList document. Category
// elements become physical categories; VirtualCategory elements are marked
// virtual. Only English names directly under the element are used.
func ParseCategoriesList(r io.Reader) ([]models.Category, error) {
	decoder := xml.NewDecoder(r)

	type open struct {
		element  string
		category *models.Category
	}
	var (
		stack      []open
		categories []models.Category
	)

	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse categories list: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			entry := open{element: t.Name.Local}
			switch t.Name.Local {
			case "Category", "VirtualCategory":
				entry.category = &models.Category{
					ID:      attr(t, "ID"),
					Virtual: t.Name.Local == "VirtualCategory",
				}
			case "Name":
				if len(stack) > 0 {
					parent := stack[len(stack)-1]
					if parent.category != nil && parent.category.Name == "" && isEnglish(t) {
						parent.category.Name = attr(t, "Value")
					}
				}
			}
			stack = append(stack, entry)
		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.category != nil && top.category.ID != "" && strings.TrimSpace(top.category.Name) != "" {
				categories = append(categories, *top.category)
			}
		}
	}
	return categories, nil
}

func isEnglish(t xml.StartElement) bool {
	lang := attr(t, "langid")
	return lang == "" || lang == englishLangID
}

func attr(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}
