package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize is the fallback number of items returned when the
	// client omits page_size.
	DefaultPageSize = 20
	// MaxPageSize caps the supported page_size to prevent unbounded queries.
	MaxPageSize = 100
)

// ErrInvalidPageSize reports a page_size value that is not a positive integer.
var ErrInvalidPageSize = errors.New("pagination: invalid page_size")

// Page bundles the cursor inputs shared by every list endpoint. Tokens are
// opaque to the caller; the issuing repository is the only party that can
// decode them.
type Page struct {
	Size  int
	Token string
}

// FromRequest reads page_size and page_token from the request query string.
func FromRequest(r *http.Request) (Page, error) {
	if r == nil {
		return Page{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query())
}

// Parse consumes the provided query values and returns the normalised page.
func Parse(values url.Values) (Page, error) {
	if values == nil {
		values = url.Values{}
	}
	size, err := parseSize(values.Get("page_size"))
	if err != nil {
		return Page{}, err
	}
	return Page{
		Size:  size,
		Token: strings.TrimSpace(values.Get("page_token")),
	}, nil
}

func parseSize(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPageSize, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
	}
	if value <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
	}
	if value > MaxPageSize {
		value = MaxPageSize
	}
	return value, nil
}
