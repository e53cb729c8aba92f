package fetcher

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"

	"github.com/aluiziolira/icecat-harvester/catalog"
	"github.com/aluiziolira/icecat-harvester/models"
)

// FetchCategories downloads the CategoriesList reference file and parses it.
func (c *Client) FetchCategories(ctx context.Context, path string, policy RetryPolicy) ([]models.Category, error) {
	var categories []models.Category
	err := c.fetchRef(ctx, path, policy, func(r io.Reader) error {
		var err error
		categories, err = catalog.ParseCategoriesList(r)
		return err
	})
	return categories, err
}

// FetchFeatures downloads the FeaturesList reference file and returns the
// English feature names by feature id.
func (c *Client) FetchFeatures(ctx context.Context, path string, policy RetryPolicy) (map[string]string, error) {
	var features map[string]string
	err := c.fetchRef(ctx, path, policy, func(r io.Reader) error {
		var err error
		features, err = catalog.ParseFeaturesList(r)
		return err
	})
	return features, err
}

// fetchRef downloads a reference file, gunzipping it when needed, and hands
// the document to parse. Parse failures are malformed documents.
func (c *Client) fetchRef(ctx context.Context, path string, policy RetryPolicy, parse func(io.Reader) error) error {
	rawURL := c.URL(path)
	body, err := c.Download(ctx, rawURL, policy)
	if err != nil {
		return err
	}

	var src io.Reader = bytes.NewReader(body)
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		zr, err := gzip.NewReader(src)
		if err != nil {
			return models.ErrMalformedDocument{Path: rawURL, Err: fmt.Errorf("open gzip: %w", err)}
		}
		defer zr.Close()
		src = zr
	}

	if err := parse(src); err != nil {
		return models.ErrMalformedDocument{Path: rawURL, Err: err}
	}
	return nil
}
