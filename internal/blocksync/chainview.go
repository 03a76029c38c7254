package blocksync

import (
	"sort"
	"sync"

	"github.com/tendermint/chainsync/types"
)

// ChainView is the local belief of the canonical tip plus a bounded set of
// lighter branch tips seen on the network. The canonical tip is never
// lighter than any alternative. Only the Controller moves the tip.
type ChainView struct {
	mtx          sync.RWMutex
	tip          types.Head
	alternatives []types.Head // oldest first
	max          int
}

// NewChainView returns a view whose canonical tip is tip.
func NewChainView(tip types.Head, maxAlternatives int) *ChainView {
	return &ChainView{tip: tip, max: maxAlternatives}
}

// Tip returns the canonical tip.
func (v *ChainView) Tip() types.Head {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	return v.tip
}

// Alternatives returns the known lighter tips, heaviest first.
func (v *ChainView) Alternatives() []types.Head {
	v.mtx.RLock()
	defer v.mtx.RUnlock()
	out := append([]types.Head(nil), v.alternatives...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Weight.Gt(out[j].Weight) })
	return out
}

// AddAlternative remembers a branch tip that is not heavier than the
// canonical tip. It returns false if the head was not recorded: because it
// is heavier than the tip, is the tip, is already known, or is lighter than
// every remembered tip of a full set. When the set is full the lightest,
// and among those the oldest, entry is evicted.
func (v *ChainView) AddAlternative(head types.Head) bool {
	v.mtx.Lock()
	defer v.mtx.Unlock()
	return v.addAlternativeLocked(head)
}

func (v *ChainView) addAlternativeLocked(head types.Head) bool {
	if v.max <= 0 || head.Hash == v.tip.Hash || head.Weight.Gt(v.tip.Weight) {
		return false
	}
	for _, alt := range v.alternatives {
		if alt.Hash == head.Hash {
			return false
		}
	}
	if len(v.alternatives) >= v.max {
		victim := 0
		for i, alt := range v.alternatives {
			if alt.Weight.Cmp(v.alternatives[victim].Weight) < 0 {
				victim = i
			}
		}
		if head.Weight.Cmp(v.alternatives[victim].Weight) < 0 {
			return false
		}
		v.alternatives = append(v.alternatives[:victim], v.alternatives[victim+1:]...)
	}
	v.alternatives = append(v.alternatives, head)
	return true
}

// setTip adopts a new canonical tip. With keepOld the previous tip is kept
// as an alternative, for reorganizations that leave it on a side branch.
func (v *ChainView) setTip(tip types.Head, keepOld bool) {
	v.mtx.Lock()
	defer v.mtx.Unlock()

	old := v.tip
	v.tip = tip
	kept := v.alternatives[:0]
	for _, alt := range v.alternatives {
		if alt.Hash != tip.Hash && !alt.Weight.Gt(tip.Weight) {
			kept = append(kept, alt)
		}
	}
	v.alternatives = kept
	if keepOld {
		v.addAlternativeLocked(old)
	}
}
