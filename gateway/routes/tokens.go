package routes

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
)

type tokenAmountRequest struct {
	To      string `json:"to,omitempty"`
	Spender string `json:"spender,omitempty"`
	Amount  string `json:"amount"`
}

func (s *server) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens := s.market.Tokens()
	out := make([]tokenView, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, tokenViewFrom(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": out})
}

func (s *server) getBalance(w http.ResponseWriter, r *http.Request) {
	token, err := addressParam(r, "token")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	who, err := addressParam(r, "address")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	balance, err := s.market.Balance(token, who)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token.Hex(), "address": who.Hex(), "balance": formatAmount(balance)})
}

func (s *server) getAllowance(w http.ResponseWriter, r *http.Request) {
	token, err := addressParam(r, "token")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	owner, err := addressParam(r, "owner")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	spender, err := addressParam(r, "spender")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	allowance, err := s.market.Allowance(token, owner, spender)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     token.Hex(),
		"owner":     owner.Hex(),
		"spender":   spender.Hex(),
		"allowance": formatAmount(allowance),
	})
}

func (s *server) mint(w http.ResponseWriter, r *http.Request) {
	s.tokenMutation(w, r, func(caller, token common.Address, req tokenAmountRequest, amount *big.Int) error {
		to, err := parseAddress(req.To)
		if err != nil {
			return err
		}
		return s.market.Mint(caller, token, to, amount)
	})
}

func (s *server) approve(w http.ResponseWriter, r *http.Request) {
	s.tokenMutation(w, r, func(caller, token common.Address, req tokenAmountRequest, amount *big.Int) error {
		spender, err := parseOptionalAddress(req.Spender)
		if err != nil {
			return err
		}
		return s.market.Approve(caller, token, spender, amount)
	})
}

func (s *server) transfer(w http.ResponseWriter, r *http.Request) {
	s.tokenMutation(w, r, func(caller, token common.Address, req tokenAmountRequest, amount *big.Int) error {
		to, err := parseAddress(req.To)
		if err != nil {
			return err
		}
		return s.market.Transfer(caller, token, to, amount)
	})
}

// tokenMutation decodes the shared request shape and reports the caller's
// balance afterwards. Address parse failures from apply are client errors;
// anything else is mapped through the failure taxonomy.
func (s *server) tokenMutation(w http.ResponseWriter, r *http.Request, apply func(caller, token common.Address, req tokenAmountRequest, amount *big.Int) error) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	token, err := addressParam(r, "token")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req tokenAmountRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := apply(caller, token, req, amount); err != nil {
		if errors.Is(err, errInvalidAddress) {
			writeBadRequest(w, err)
			return
		}
		writeError(w, err)
		return
	}
	balance, err := s.market.Balance(token, caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token.Hex(), "caller": caller.Hex(), "balance": formatAmount(balance)})
}

func (s *server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks := s.market.Locks()
	out := make([]lockView, 0, len(locks))
	for _, l := range locks {
		out = append(out, lockViewFrom(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": out})
}

func (s *server) getLock(w http.ResponseWriter, r *http.Request) {
	id, err := uintParam(r, "id")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	l, err := s.market.Lock(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lockViewFrom(l))
}
