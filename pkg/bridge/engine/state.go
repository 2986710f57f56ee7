package engine

import (
	"fmt"

	"github.com/tinylib/msgp/msgp"

	"btc-bridge/internal/logger"
	"btc-bridge/pkg/bridge/federation"
	"btc-bridge/pkg/bridge/governance"
	"btc-bridge/pkg/bridge/headers"
	"btc-bridge/pkg/bridge/pegin"
	"btc-bridge/pkg/bridge/pegout"
	"btc-bridge/pkg/bridge/types"
)

// State is the complete bridge state. Processors receive pointers into it; nothing
// else holds bridge data.
type State struct {
	Headers     *headers.HeaderChain
	Federations *federation.State
	PegIn       *pegin.State
	PegOut      *pegout.State
	Governance  *governance.State
}

// NewState creates the initial state for cfg.
func NewState(cfg *Config, log *logger.Logger) (*State, error) {
	genesis, err := federation.NewFederation(cfg.GenesisMembers, cfg.GenesisCreationTime, 0, cfg.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to build genesis federation: %w", err)
	}
	return &State{
		Headers:     headers.NewHeaderChain(cfg.Params, cfg.Checkpoint, cfg.MaxReorgDepth, log),
		Federations: federation.NewState(genesis),
		PegIn:       pegin.NewState(),
		PegOut:      pegout.NewState(),
		Governance:  governance.NewState(cfg.InitialFeePerKb, cfg.InitialLockingCap),
	}, nil
}

// MarshalMsg implements msgp.Marshaler. The encoding is canonical: equal states
// produce identical bytes.
func (st *State) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 5)
	parts := []struct {
		name string
		m    msgp.Marshaler
	}{
		{"headers", st.Headers},
		{"federation", st.Federations},
		{"pegin", st.PegIn},
		{"pegout", st.PegOut},
		{"governance", st.Governance},
	}
	var err error
	for _, p := range parts {
		if o, err = p.m.MarshalMsg(o); err != nil {
			return b, fmt.Errorf("failed to encode %s state: %w", p.name, err)
		}
	}
	return o, nil
}

// UnmarshalState decodes a state written by MarshalMsg. Network params and header
// chain limits come from cfg.
func UnmarshalState(bts []byte, cfg *Config, log *logger.Logger) (*State, []byte, error) {
	bts, err := types.ReadArray(bts, 5)
	if err != nil {
		return nil, bts, err
	}

	st := &State{
		Headers:    headers.NewHeaderChain(cfg.Params, cfg.Checkpoint, cfg.MaxReorgDepth, log),
		PegIn:      pegin.NewState(),
		PegOut:     pegout.NewState(),
		Governance: &governance.State{},
	}
	if bts, err = st.Headers.UnmarshalMsg(bts); err != nil {
		return nil, bts, fmt.Errorf("headers state: %w", err)
	}
	if st.Federations, bts, err = federation.UnmarshalState(bts, cfg.Params); err != nil {
		return nil, bts, fmt.Errorf("federation state: %w", err)
	}
	if bts, err = st.PegIn.UnmarshalMsg(bts); err != nil {
		return nil, bts, fmt.Errorf("pegin state: %w", err)
	}
	if bts, err = st.PegOut.UnmarshalMsg(bts); err != nil {
		return nil, bts, fmt.Errorf("pegout state: %w", err)
	}
	if bts, err = st.Governance.UnmarshalMsg(bts); err != nil {
		return nil, bts, fmt.Errorf("governance state: %w", err)
	}
	return st, bts, nil
}
