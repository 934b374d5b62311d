// Package keeper swaps per-client parameter state in and out of the one
// live model. Each client owns private bottom and top partitions; the trunk
// is shared and never stored per client.
package keeper

import (
	"fmt"

	"github.com/23skdu/longbow-palisade/internal/model"
	"github.com/23skdu/longbow-palisade/internal/split"
	"github.com/23skdu/longbow-palisade/internal/tensor"
)

type slot struct {
	clientID  string
	partition split.Partition
}

// Keeper stores detached copies of partition parameter values keyed by
// (client, partition). Restores overwrite the live tensors in place, so
// anything holding a reference to a parameter (an optimizer, for one) keeps
// working across client switches. Not safe for concurrent use.
type Keeper struct {
	exec *split.Executor

	bottom []*model.Param
	top    []*model.Param

	// pristine holds the parameter values at construction time; a client's
	// first restore starts from these.
	pristine map[split.Partition][]*tensor.Tensor

	store  map[slot][]*tensor.Tensor
	active string
}

// New snapshots the current bottom and top parameter values as the pristine
// state every new client starts from.
func New(exec *split.Executor) *Keeper {
	k := &Keeper{
		exec:     exec,
		bottom:   exec.BottomParams(false),
		top:      exec.TopParams(false),
		pristine: make(map[split.Partition][]*tensor.Tensor),
		store:    make(map[slot][]*tensor.Tensor),
	}
	k.pristine[split.PartitionBottom] = snapshot(k.bottom)
	k.pristine[split.PartitionTop] = snapshot(k.top)
	return k
}

func snapshot(params []*model.Param) []*tensor.Tensor {
	out := make([]*tensor.Tensor, len(params))
	for i, p := range params {
		out[i] = p.Data.Clone()
	}
	return out
}

func (k *Keeper) params(part split.Partition) ([]*model.Param, error) {
	switch part {
	case split.PartitionBottom:
		return k.bottom, nil
	case split.PartitionTop:
		return k.top, nil
	case split.PartitionTrunk:
		return nil, fmt.Errorf("keeper: trunk parameters are shared and never stored per client")
	}
	return nil, fmt.Errorf("keeper: unknown partition %q", part)
}

// ActiveClient returns the client whose parameters currently occupy the
// live model, or "" when none has been activated.
func (k *Keeper) ActiveClient() string { return k.active }

// Has reports whether the keeper holds stored state for the given client
// and partition.
func (k *Keeper) Has(clientID string, part split.Partition) bool {
	_, ok := k.store[slot{clientID, part}]
	return ok
}

// Store copies the live partition values into the client's slot. The values
// are deep copies, detached from the live model.
func (k *Keeper) Store(clientID string, part split.Partition) error {
	if k.active != "" && k.active != clientID {
		return fmt.Errorf("keeper: cannot store %s for client %s while client %s is active", part, clientID, k.active)
	}
	params, err := k.params(part)
	if err != nil {
		return err
	}
	k.store[slot{clientID, part}] = snapshot(params)
	return nil
}

// Restore overwrites the live partition values with the client's stored
// state, seeding from the pristine snapshot on the client's first use.
// Parameter identity is preserved: the tensors are written in place.
func (k *Keeper) Restore(clientID string, part split.Partition) error {
	if k.active != "" && k.active != clientID {
		return fmt.Errorf("keeper: cannot restore %s for client %s while client %s is active", part, clientID, k.active)
	}
	params, err := k.params(part)
	if err != nil {
		return err
	}
	saved, ok := k.store[slot{clientID, part}]
	if !ok {
		saved = k.pristine[part]
	}
	for i, p := range params {
		p.Data.CopyFrom(saved[i])
	}
	return nil
}

// Activate restores both private partitions for the client and marks it
// active. Exactly one client can be active at a time.
func (k *Keeper) Activate(clientID string) error {
	if k.active != "" {
		return fmt.Errorf("keeper: client %s is still active", k.active)
	}
	if err := k.Restore(clientID, split.PartitionBottom); err != nil {
		return err
	}
	if err := k.Restore(clientID, split.PartitionTop); err != nil {
		return err
	}
	k.active = clientID
	return nil
}

// Release stores both private partitions of the active client back and
// clears the active mark.
func (k *Keeper) Release() error {
	if k.active == "" {
		return fmt.Errorf("keeper: no active client to release")
	}
	if err := k.Store(k.active, split.PartitionBottom); err != nil {
		return err
	}
	if err := k.Store(k.active, split.PartitionTop); err != nil {
		return err
	}
	k.active = ""
	return nil
}

// Abandon clears the active mark without storing, leaving the client's
// previously stored state untouched. Used when a client's round fails.
func (k *Keeper) Abandon() {
	k.active = ""
}
