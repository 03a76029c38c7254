package blocksync

import (
	"github.com/tendermint/chainsync/internal/ledger"
	"github.com/tendermint/chainsync/internal/p2p"
	"github.com/tendermint/chainsync/types"
)

const (
	// MaxHeadersServed caps the headers returned for one GetHeaders.
	MaxHeadersServed = 512

	// MaxBodiesServed caps the bodies returned for one GetBodies.
	MaxBodiesServed = 128
)

// ServeHeaders answers a GetHeaders request from the ledger. A reverse walk
// from a hash without skips follows parent links, so it also serves side
// branches; every other walk steps over canonical heights.
func ServeHeaders(engine ledger.Engine, req *p2p.GetHeaders) *p2p.Headers {
	resp := &p2p.Headers{RequestID: req.RequestID}
	amount := int(req.Amount)
	if amount > MaxHeadersServed {
		amount = MaxHeadersServed
	}
	if amount == 0 {
		return resp
	}

	origin, ok := originHeader(engine, req)
	if !ok {
		return resp
	}

	if req.Reverse && req.Skip == 0 && !req.OriginHash.IsZero() {
		for h := origin; len(resp.Headers) < amount; {
			resp.Headers = append(resp.Headers, h)
			if h.IsGenesis() {
				break
			}
			if h, ok = engine.Header(h.ParentHash); !ok {
				break
			}
		}
		return resp
	}

	if !ledger.IsCanonical(engine, origin.Hash(), origin.Height) {
		return resp
	}
	step := uint64(req.Skip) + 1
	for height := origin.Height; len(resp.Headers) < amount; {
		hash, ok := engine.CanonicalHash(height)
		if !ok {
			break
		}
		h, ok := engine.Header(hash)
		if !ok {
			break
		}
		resp.Headers = append(resp.Headers, h)
		if req.Reverse {
			if height < step {
				break
			}
			height -= step
		} else {
			height += step
		}
	}
	return resp
}

func originHeader(engine ledger.Engine, req *p2p.GetHeaders) (*types.BlockHeader, bool) {
	if !req.OriginHash.IsZero() {
		return engine.Header(req.OriginHash)
	}
	hash, ok := engine.CanonicalHash(req.OriginHeight)
	if !ok {
		return nil, false
	}
	return engine.Header(hash)
}

// ServeBodies answers a GetBodies request from the ledger, in request order.
// Unknown blocks are skipped.
func ServeBodies(engine ledger.Engine, req *p2p.GetBodies) *p2p.Bodies {
	resp := &p2p.Bodies{RequestID: req.RequestID}
	for _, hash := range req.Hashes {
		if len(resp.Hashes) >= MaxBodiesServed {
			break
		}
		b, ok := engine.Block(hash)
		if !ok {
			continue
		}
		resp.Hashes = append(resp.Hashes, hash)
		resp.Bodies = append(resp.Bodies, &b.Body)
	}
	return resp
}
