package tlog

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/types"
)

// Entry is one logged fulfillment.
type Entry struct {
	Request types.RequestID `json:"request"`
	Group   types.GroupID   `json:"group"`
	Block   uint64          `json:"block"`
	Output  common.Hash     `json:"output"`
	Receipt string          `json:"receipt,omitempty"`
}

// EntryFromEvent converts a fulfillment event.
func EntryFromEvent(e randao.RandomnessFulfilled) Entry {
	return Entry{
		Request: e.Request,
		Group:   e.Group,
		Block:   e.Block,
		Output:  e.Output,
		Receipt: e.Receipt,
	}
}

// MarshalBinary returns the leaf data of e.
func (e Entry) MarshalBinary() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalBinary parses leaf data.
func (e *Entry) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, e); err != nil {
		return fmt.Errorf("decode log entry: %w", err)
	}
	return nil
}
