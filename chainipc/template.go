package chainipc

import "context"

// Block template policy, fixed when the capability is created.
const (
	templateUseMempool     = true
	templateReservedWeight = 4000
)

// BlockTemplate exposes the node's block template capability. The template
// policy (mempool usage and reserved weight) is fixed when the capability is
// first acquired.
type BlockTemplate struct {
	t *Transport
}

// GetBlockTemplate returns the raw serialized block candidate.
func (b *BlockTemplate) GetBlockTemplate(ctx context.Context) ([]byte, error) {
	log.Debugf("Retrieving new block template")

	capID, err := b.t.templateCapability(ctx)
	if err != nil {
		return nil, err
	}

	res, err := b.t.roundTrip(
		ctx, capID, methodGetBlockData, b.t.threadCap, nil,
	)
	if err != nil {
		return nil, err
	}

	data, err := newParamReader(res).readVarBytes()
	if err != nil {
		return nil, err
	}

	log.Debugf("Retrieved block template of %d bytes", len(data))
	return data, nil
}
