package blockutil

import (
	"encoding/json"

	"github.com/ddr4869/organchain/common/types"
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ToStruct converts a JSON-tagged value into a protobuf Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal value to json")
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(encoded, s); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal json into struct")
	}
	return s, nil
}

// FromStruct decodes a protobuf Struct into a JSON-tagged value.
func FromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return errors.New("struct cannot be nil")
	}
	encoded, err := protojson.Marshal(s)
	if err != nil {
		return errors.Wrap(err, "failed to marshal struct to json")
	}
	if err := json.Unmarshal(encoded, v); err != nil {
		return errors.Wrap(err, "failed to unmarshal struct json")
	}
	return nil
}

func MarshalBlockToStruct(block *types.Block) (*structpb.Struct, error) {
	if block == nil {
		return nil, errors.New("block cannot be nil")
	}
	return ToStruct(block)
}

func UnmarshalBlockFromStruct(s *structpb.Struct) (*types.Block, error) {
	block := &types.Block{}
	if err := FromStruct(s, block); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal block from struct")
	}
	return block, nil
}

func MarshalChainToStruct(blocks []*types.Block) (*structpb.Struct, error) {
	return ToStruct(&types.Snapshot{Blocks: blocks})
}

func UnmarshalChainFromStruct(s *structpb.Struct) ([]*types.Block, error) {
	snapshot := &types.Snapshot{}
	if err := FromStruct(s, snapshot); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal chain from struct")
	}
	return snapshot.Blocks, nil
}

func MarshalTransactionToStruct(tx types.Transaction) (*structpb.Struct, error) {
	return ToStruct(tx)
}

func UnmarshalTransactionFromStruct(s *structpb.Struct) (types.Transaction, error) {
	var tx types.Transaction
	if err := FromStruct(s, &tx); err != nil {
		return types.Transaction{}, errors.Wrap(err, "failed to unmarshal transaction from struct")
	}
	return tx, nil
}
