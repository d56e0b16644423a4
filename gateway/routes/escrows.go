package routes

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"milestonemarket/native/escrow"
)

type lockPolicyRequest struct {
	DurationSeconds int64 `json:"durationSeconds"`
}

type feePolicyRequest struct {
	Recipient  string `json:"recipient"`
	FlatFee    string `json:"flatFee"`
	PercentFee uint64 `json:"percentFee"`
}

type operatorRequest struct {
	Enabled bool `json:"enabled"`
}

type createEscrowRequest struct {
	Meta    string `json:"meta"`
	Payment string `json:"payment"`
}

type createEscrowResponse struct {
	Address  string `json:"address"`
	Position uint64 `json:"position"`
}

type termsRequest struct {
	Token       string `json:"token"`
	Participant string `json:"participant"`
	Amount      string `json:"amount"`
	DueAt       int64  `json:"dueAt"`
	Meta        string `json:"meta"`
}

func (req termsRequest) terms() (escrow.Terms, error) {
	token, err := parseOptionalAddress(req.Token)
	if err != nil {
		return escrow.Terms{}, err
	}
	participant, err := parseOptionalAddress(req.Participant)
	if err != nil {
		return escrow.Terms{}, err
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		return escrow.Terms{}, err
	}
	return escrow.Terms{Token: token, Participant: participant, Amount: amount, DueAt: req.DueAt, Meta: req.Meta}, nil
}

func (s *server) getRegistry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, registryView{
		Address:   s.market.RegistryAddress().Hex(),
		Owner:     s.market.Owner().Hex(),
		Locker:    s.market.LockerAddress().Hex(),
		Policy:    policyViewFrom(s.market.Policy()),
		Operators: hexList(s.market.Operators()),
		Now:       s.market.Now(),
		Simulated: s.market.Simulated(),
	})
}

func (s *server) setLockPolicy(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req lockPolicyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.market.SetLockPolicy(caller, req.DurationSeconds); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyViewFrom(s.market.Policy()))
}

func (s *server) setFeePolicy(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req feePolicyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	recipient, err := parseOptionalAddress(req.Recipient)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	flat, err := parseAmount(req.FlatFee)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.market.SetFeePolicy(caller, recipient, flat, req.PercentFee); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, policyViewFrom(s.market.Policy()))
}

func (s *server) setOperator(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	operator, err := addressParam(r, "address")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req operatorRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.market.SetOperator(caller, operator, req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator": operator.Hex(), "enabled": s.market.IsOperator(operator)})
}

func (s *server) listEscrows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"escrows": hexList(s.market.ActiveEscrows())})
}

func (s *server) createEscrow(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createEscrowRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	paid, err := parseAmount(req.Payment)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	created, err := s.market.CreateEscrow(caller, req.Meta, paid)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Location", "/v1/escrows/"+created.Address.Hex())
	writeJSON(w, http.StatusCreated, createEscrowResponse{Address: created.Address.Hex(), Position: created.Position})
}

func (s *server) listPositions(w http.ResponseWriter, r *http.Request) {
	originator, err := addressParam(r, "address")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	positions := s.market.OwnPositions(originator)
	if positions == nil {
		positions = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"originator": originator.Hex(), "positions": positions})
}

func (s *server) getEscrow(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "escrow")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	inst, err := s.market.Escrow(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, escrowViewFrom(inst))
}

// destroyEscrow accepts explicit position hints as query parameters;
// without them the registry slots are located automatically.
func (s *server) destroyEscrow(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := addressParam(r, "escrow")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	query := r.URL.Query()
	rawPos, rawOwn := query.Get("position"), query.Get("ownPosition")
	if rawPos == "" && rawOwn == "" {
		err = s.market.Destroy(caller, addr)
	} else {
		position, parseErr := strconv.ParseUint(rawPos, 10, 64)
		if parseErr != nil {
			writeBadRequest(w, fmt.Errorf("invalid position %q", rawPos))
			return
		}
		own, parseErr := strconv.ParseUint(rawOwn, 10, 64)
		if parseErr != nil {
			writeBadRequest(w, fmt.Errorf("invalid ownPosition %q", rawOwn))
			return
		}
		err = s.market.DestroyAt(caller, addr, position, own)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) countByState(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "escrow")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	state, err := escrow.ParseMilestoneState(chi.URLParam(r, "state"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	count, err := s.market.CountByState(addr, state)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state.String(), "count": count})
}

func (s *server) listMilestones(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "escrow")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	milestones, err := s.market.Milestones(addr)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]milestoneView, 0, len(milestones))
	for _, m := range milestones {
		out = append(out, milestoneViewFrom(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"milestones": out})
}

func (s *server) createMilestone(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := addressParam(r, "escrow")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req termsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	terms, err := req.terms()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	index, err := s.market.CreateMilestone(caller, addr, terms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"index": index})
}

func (s *server) getMilestone(w http.ResponseWriter, r *http.Request) {
	addr, err := addressParam(r, "escrow")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	index, err := uintParam(r, "index")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	m, err := s.market.Milestone(addr, index)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, milestoneViewFrom(m))
}

func (s *server) updateMilestone(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := addressParam(r, "escrow")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	index, err := uintParam(r, "index")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var req termsRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeBadRequest(w, err)
		return
	}
	terms, err := req.terms()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if err := s.market.UpdateMilestone(caller, addr, index, terms); err != nil {
		writeError(w, err)
		return
	}
	s.writeMilestone(w, addr, index)
}

func (s *server) milestoneAction(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	addr, err := addressParam(r, "escrow")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	index, err := uintParam(r, "index")
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	var op func(caller, addr common.Address, index uint64) error
	switch action := strings.ToLower(chi.URLParam(r, "action")); action {
	case "agree":
		op = s.market.Agree
	case "deposit":
		op = s.market.Deposit
	case "request":
		op = s.market.Request
	case "release":
		op = s.market.Release
	case "dispute":
		op = s.market.Dispute
	case "resolve":
		op = s.market.Resolve
	case "cancel-dispute":
		op = s.market.CancelDispute
	case "claim":
		op = s.market.Claim
	default:
		writeJSON(w, http.StatusNotFound, errorResponse{Error: fmt.Sprintf("unknown action %q", action), Code: "unknown_action"})
		return
	}
	if err := op(caller, addr, index); err != nil {
		writeError(w, err)
		return
	}
	s.writeMilestone(w, addr, index)
}

// writeMilestone responds with the milestone's state after a mutation. A
// claim may leave it unreadable when the instance is gone, in which case an
// empty acknowledgement is sent.
func (s *server) writeMilestone(w http.ResponseWriter, addr common.Address, index uint64) {
	m, err := s.market.Milestone(addr, index)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"escrow": addr.Hex(), "index": index})
		return
	}
	writeJSON(w, http.StatusOK, milestoneViewFrom(m))
}
