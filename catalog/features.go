package catalog

import (
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/afero"
)

// ReadFeatures parses an ID,Name CSV of feature names.
func ReadFeatures(r io.Reader) (map[string]string, error) {
	reader := csv.NewReader(stripBOM(r))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read features header: %w", err)
	}
	cols := columnIndex(header)
	idCol, okID := cols["id"]
	nameCol, okName := cols["name"]
	if !okID || !okName {
		return nil, fmt.Errorf("features header must contain ID and Name, got %v", header)
	}

	features := make(map[string]string)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read features: %w", err)
		}
		if idCol >= len(record) || nameCol >= len(record) {
			continue
		}
		id := strings.TrimSpace(record[idCol])
		name := strings.TrimSpace(record[nameCol])
		if id != "" && name != "" {
			features[id] = name
		}
	}
	return features, nil
}

// LoadFeatures reads the features CSV at path.
func LoadFeatures(fs afero.Fs, path string) (map[string]string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open features: %w", err)
	}
	defer f.Close()
	return ReadFeatures(f)
}

// WriteFeatures writes features as an ID,Name CSV ordered by ID.
func WriteFeatures(w io.Writer, features map[string]string) error {
	ids := make([]string, 0, len(features))
	for id := range features {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })

	writer := csv.NewWriter(w)
	if err := writer.Write([]string{"ID", "Name"}); err != nil {
		return fmt.Errorf("write features header: %w", err)
	}
	for _, id := range ids {
		if err := writer.Write([]string{id, features[id]}); err != nil {
			return fmt.Errorf("write feature %s: %w", id, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// ParseFeaturesList streams an Icecat FeaturesList document into a feature id
// to English name map. The first English Name anywhere inside a Feature is
// used; its Value attribute is preferred over its text.
func ParseFeaturesList(r io.Reader) (map[string]string, error) {
	decoder := xml.NewDecoder(r)
	features := make(map[string]string)

	var (
		depth        int
		featureDepth int // depth of the open Feature, 0 when none
		featureID    string
		name         string
		inName       bool
		text         strings.Builder
	)
	for {
		tok, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse features list: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			switch {
			case t.Name.Local == "Feature" && featureDepth == 0:
				featureDepth, featureID, name = depth, attr(t, "ID"), ""
			case t.Name.Local == "Name" && featureDepth > 0 && name == "" && attr(t, "langid") == englishLangID:
				if v := attr(t, "Value"); v != "" {
					name = v
				} else {
					inName = true
					text.Reset()
				}
			}
		case xml.CharData:
			if inName {
				text.Write(t)
			}
		case xml.EndElement:
			if inName && t.Name.Local == "Name" {
				inName = false
				name = strings.TrimSpace(text.String())
			}
			if depth == featureDepth {
				if featureID != "" && name != "" {
					features[featureID] = name
				}
				featureDepth = 0
			}
			depth--
		}
	}
	return features, nil
}
