package parser

import (
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
)

// ImageCandidate is one image reference found in a product document.
type ImageCandidate struct {
	URL    string
	Width  int
	Height int
}

// Pixels returns the candidate's resolution, zero when unknown.
func (c ImageCandidate) Pixels() int {
	return c.Width * c.Height
}

// ImageCandidates lists usable image references in document order: the
// product's HighPic first, then one reference per ProductPicture.
func ImageCandidates(product *xmlquery.Node) []ImageCandidate {
	var out []ImageCandidate
	if c, ok := candidate(product, "HighPic", "HighPicWidth", "HighPicHeight"); ok {
		out = append(out, c)
	}

	for _, pic := range xmlquery.Find(product, ".//ProductPicture") {
		if c, ok := candidate(pic, "Pic", "PicWidth", "PicHeight"); ok {
			out = append(out, c)
			continue
		}
		if c, ok := candidate(pic, "Pic500x500", "", ""); ok {
			c.Width, c.Height = 500, 500
			out = append(out, c)
			continue
		}
		for _, attr := range []string{"Original", "LowPic"} {
			if c, ok := candidate(pic, attr, "", ""); ok {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func candidate(n *xmlquery.Node, urlAttr, widthAttr, heightAttr string) (ImageCandidate, bool) {
	url, ok := secureURL(n.SelectAttr(urlAttr))
	if !ok {
		return ImageCandidate{}, false
	}
	c := ImageCandidate{URL: url}
	if widthAttr != "" {
		c.Width = atoi(n.SelectAttr(widthAttr))
		c.Height = atoi(n.SelectAttr(heightAttr))
	}
	return c, true
}

// PrimaryImage picks the candidate with the most pixels when any candidate
// carries a resolution, keeping list order on ties; otherwise the first.
func PrimaryImage(candidates []ImageCandidate) string {
	if len(candidates) == 0 {
		return ""
	}
	best := -1
	for i, c := range candidates {
		if c.Pixels() <= 0 {
			continue
		}
		if best < 0 || c.Pixels() > candidates[best].Pixels() {
			best = i
		}
	}
	if best < 0 {
		best = 0
	}
	return candidates[best].URL
}

func secureURL(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	lower := strings.ToLower(raw)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return raw, true
	case strings.HasPrefix(lower, "http://"):
		return "https://" + raw[len("http://"):], true
	default:
		return "", false
	}
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
