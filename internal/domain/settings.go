package domain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Settings is the engine's singleton configuration record.
type Settings struct {
	Initialized     bool
	Paused          bool
	Name            string
	Symbol          string
	Treasury        common.Address
	Owner           common.Address
	ThresholdAmount *big.Int
}

// Clone returns a deep copy of s.
func (s *Settings) Clone() *Settings {
	if s == nil {
		return nil
	}
	c := *s
	c.ThresholdAmount = cloneInt(s.ThresholdAmount)
	return &c
}
