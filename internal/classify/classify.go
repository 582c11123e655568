// Package classify labels token transfers by their economic role relative
// to the known system addresses.
package classify

import (
	"github.com/ethereum/go-ethereum/common"
)

// Role is the economic role of a transfer.
type Role int

const (
	// Irrelevant transfers are dropped immediately and never stored.
	Irrelevant Role = iota

	// DaoFee is a payment from a system contract to the DAO treasury.
	DaoFee

	// SystemToExternal is a payout from a system contract to a
	// counterparty, e.g. a creator payment.
	SystemToExternal

	// ExternalToSystem is a payment from a user into a system contract.
	ExternalToSystem
)

func (r Role) String() string {
	switch r {
	case DaoFee:
		return "dao_fee"
	case SystemToExternal:
		return "system_to_external"
	case ExternalToSystem:
		return "external_to_system"
	default:
		return "irrelevant"
	}
}

// AddressSet holds the system addresses a transfer is classified against.
// common.Address comparison is byte equality, so case differences in the
// source hex are already normalized at parse time.
type AddressSet struct {
	system map[common.Address]struct{}
	dao    common.Address
}

// NewAddressSet builds an AddressSet from the credit-manager contract
// addresses and the DAO fee-recipient address.
func NewAddressSet(system []common.Address, dao common.Address) *AddressSet {
	set := make(map[common.Address]struct{}, len(system))
	for _, a := range system {
		set[a] = struct{}{}
	}
	return &AddressSet{system: set, dao: dao}
}

// IsSystem reports whether a is one of the system contract addresses.
func (s *AddressSet) IsSystem(a common.Address) bool {
	_, ok := s.system[a]
	return ok
}

// Classify returns the role of a transfer from -> to. Rules apply in
// priority order: DAO fee (system -> DAO) beats the plain system-outbound
// case; anything touching no system address is Irrelevant.
func (s *AddressSet) Classify(from, to common.Address) Role {
	fromSystem := s.IsSystem(from)
	toSystem := s.IsSystem(to)

	switch {
	case fromSystem && to == s.dao:
		return DaoFee
	case fromSystem:
		return SystemToExternal
	case toSystem:
		return ExternalToSystem
	default:
		return Irrelevant
	}
}
