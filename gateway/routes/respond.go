package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	coreerrors "milestonemarket/core/errors"
	"milestonemarket/crypto"
	"milestonemarket/gateway/middleware"
)

const maxBodyBytes = 1 << 20

var (
	errCallerRequired = errors.New("caller required")
	errInvalidAddress = errors.New("invalid address")
)

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error(), Code: "bad_request"})
}

// writeError maps a marketplace failure onto an HTTP status.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, errCallerRequired) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: err.Error(), Code: "caller_required"})
		return
	}
	kind := coreerrors.Kind(err)
	writeJSON(w, statusForKind(kind), errorResponse{Error: err.Error(), Code: kind})
}

func statusForKind(kind string) int {
	switch kind {
	case "invalid_argument", "invalid_config":
		return http.StatusBadRequest
	case "unauthorized":
		return http.StatusForbidden
	case "index_error":
		return http.StatusNotFound
	case "invalid_state", "no_dispute", "has_pending_milestones", "reentrant":
		return http.StatusConflict
	case "not_yet_due", "window_closed", "still_locked", "window_passed",
		"policy_not_set", "payment_mismatch", "transfer_failed":
		return http.StatusUnprocessableEntity
	case "instance_destroyed":
		return http.StatusGone
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body required")
		}
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func requireCaller(r *http.Request) (common.Address, error) {
	caller, ok := middleware.CallerFrom(r.Context())
	if !ok {
		return common.Address{}, errCallerRequired
	}
	return caller, nil
}

func parseAddress(raw string) (common.Address, error) {
	addr, err := crypto.ParseAddress(raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w %q", errInvalidAddress, raw)
	}
	return addr, nil
}

// parseOptionalAddress treats an empty string as the zero address so that
// the core validation decides whether zero is acceptable.
func parseOptionalAddress(raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(raw)
}

func addressParam(r *http.Request, name string) (common.Address, error) {
	return parseAddress(chi.URLParam(r, name))
}

func uintParam(r *http.Request, name string) (uint64, error) {
	raw := chi.URLParam(r, name)
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, raw)
	}
	return value, nil
}

// parseAmount accepts a base-10 integer string. Negative values pass through
// so the core can reject them with its own error.
func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	value, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return value, nil
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
