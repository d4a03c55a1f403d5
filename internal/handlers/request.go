package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ruralpay/ledgercore/internal/apperror"
)

const maxBodyBytes = 1_048_576

// decodeJSONBody reads exactly one JSON object with no unknown fields into dst.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return apperror.Wrap(apperror.CodeValidation, "Invalid request body", err)
	}

	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return apperror.New(apperror.CodeValidation, "Request body must only contain a single JSON object")
	}
	return nil
}

// parseAmount accepts only whole numbers of minor units.
func parseAmount(n json.Number) (int64, error) {
	amount, err := n.Int64()
	if err != nil {
		return 0, apperror.Wrap(apperror.CodeInvalidAmount, "amount must be a whole number of minor units", err)
	}
	return amount, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
