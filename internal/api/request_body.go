package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/docker/go-units"

	"github.com/p-arndt/werkbank/internal/apperr"
)

const maxJSONBodyBytes int64 = 2 * units.MiB

// decodeJSONBody decodes a single JSON value into dst. An empty body leaves
// dst untouched. Failures are INVALID_REQUEST errors.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	dec := json.NewDecoder(r.Body)

	err := dec.Decode(dst)
	switch {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperr.New(apperr.CodeInvalidRequest,
				fmt.Sprintf("request body exceeds %s", units.BytesSize(float64(maxJSONBodyBytes))),
				map[string]any{"limit_bytes": maxJSONBodyBytes})
		}
		return apperr.Wrap(apperr.CodeInvalidRequest, err, "invalid json: "+err.Error(), nil)
	}
	if dec.More() {
		return apperr.New(apperr.CodeInvalidRequest, "request body must contain a single JSON value", nil)
	}
	return nil
}
