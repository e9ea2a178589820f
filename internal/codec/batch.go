package codec

import (
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// Block batch wire format. Field numbers match api/blocksource/v1/blocksource.proto.
const (
	fieldBatchBlock protowire.Number = 1

	fieldBlockHeight    protowire.Number = 1
	fieldBlockID        protowire.Number = 2
	fieldBlockTimestamp protowire.Number = 3
	fieldBlockProducer  protowire.Number = 4
	fieldBlockTx        protowire.Number = 5

	fieldTxID    protowire.Number = 1
	fieldTxEvent protowire.Number = 2

	fieldEventKind protowire.Number = 1
	fieldEventData protowire.Number = 2
)

// EncodeBatch serializes blocks for the sandbox boundary and the block source RPC.
func EncodeBatch(blocks []domain.Block) []byte {
	var b []byte
	for i := range blocks {
		b = protowire.AppendTag(b, fieldBatchBlock, protowire.BytesType)
		b = protowire.AppendBytes(b, appendBlock(nil, &blocks[i]))
	}
	return b
}

func appendBlock(b []byte, blk *domain.Block) []byte {
	b = protowire.AppendTag(b, fieldBlockHeight, protowire.VarintType)
	b = protowire.AppendVarint(b, blk.Height)
	b = appendString(b, fieldBlockID, blk.ID)
	b = protowire.AppendTag(b, fieldBlockTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(blk.Timestamp.UnixNano()))
	b = appendString(b, fieldBlockProducer, blk.Producer)
	for i := range blk.Transactions {
		tx := &blk.Transactions[i]
		var tb []byte
		tb = appendString(tb, fieldTxID, tx.ID)
		for _, ev := range tx.Events {
			var eb []byte
			eb = appendString(eb, fieldEventKind, ev.Kind)
			eb = protowire.AppendTag(eb, fieldEventData, protowire.BytesType)
			eb = protowire.AppendBytes(eb, ev.Data)
			tb = protowire.AppendTag(tb, fieldTxEvent, protowire.BytesType)
			tb = protowire.AppendBytes(tb, eb)
		}
		b = protowire.AppendTag(b, fieldBlockTx, protowire.BytesType)
		b = protowire.AppendBytes(b, tb)
	}
	return b
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// DecodeBatch parses the output of EncodeBatch.
func DecodeBatch(b []byte) ([]domain.Block, error) {
	var blocks []domain.Block
	err := walk(b, func(num protowire.Number, _ uint64, raw []byte) error {
		if num != fieldBatchBlock || raw == nil {
			return nil
		}
		blk, err := decodeBlock(raw)
		if err != nil {
			return err
		}
		blocks = append(blocks, blk)
		return nil
	})
	return blocks, err
}

func decodeBlock(b []byte) (domain.Block, error) {
	var blk domain.Block
	err := walk(b, func(num protowire.Number, word uint64, raw []byte) error {
		switch num {
		case fieldBlockHeight:
			blk.Height = word
		case fieldBlockID:
			blk.ID = string(raw)
		case fieldBlockTimestamp:
			blk.Timestamp = time.Unix(0, int64(word)).UTC()
		case fieldBlockProducer:
			blk.Producer = string(raw)
		case fieldBlockTx:
			tx, err := decodeTransaction(raw)
			if err != nil {
				return err
			}
			blk.Transactions = append(blk.Transactions, tx)
		}
		return nil
	})
	return blk, err
}

func decodeTransaction(b []byte) (domain.Transaction, error) {
	var tx domain.Transaction
	err := walk(b, func(num protowire.Number, _ uint64, raw []byte) error {
		switch num {
		case fieldTxID:
			tx.ID = string(raw)
		case fieldTxEvent:
			var ev domain.Event
			if err := walk(raw, func(num protowire.Number, _ uint64, raw []byte) error {
				switch num {
				case fieldEventKind:
					ev.Kind = string(raw)
				case fieldEventData:
					ev.Data = clone(raw)
				}
				return nil
			}); err != nil {
				return err
			}
			tx.Events = append(tx.Events, ev)
		}
		return nil
	})
	return tx, err
}

// walk visits every varint and length-delimited field of a message. Unknown
// fields are skipped so newer producers stay readable.
func walk(b []byte, fn func(num protowire.Number, word uint64, raw []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return wireErr(protowire.ParseError(n))
		}
		b = b[n:]
		switch typ {
		case protowire.VarintType:
			word, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return wireErr(protowire.ParseError(m))
			}
			b = b[m:]
			if err := fn(num, word, nil); err != nil {
				return err
			}
		case protowire.BytesType:
			raw, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return wireErr(protowire.ParseError(m))
			}
			b = b[m:]
			if raw == nil {
				raw = []byte{}
			}
			if err := fn(num, 0, raw); err != nil {
				return err
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return wireErr(protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	return nil
}

// ManyToMany associates one parent entity with child entities through the
// join table of a list field.
type ManyToMany struct {
	ParentTypeID int64
	Field        string
	ParentID     uint64
	ChildIDs     []uint64
}

const (
	fieldM2MParentType protowire.Number = 1
	fieldM2MField      protowire.Number = 2
	fieldM2MParentID   protowire.Number = 3
	fieldM2MChild      protowire.Number = 4
)

// EncodeManyToMany serializes an association record for the sandbox boundary.
func EncodeManyToMany(rec ManyToMany) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldM2MParentType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rec.ParentTypeID))
	b = appendString(b, fieldM2MField, rec.Field)
	b = protowire.AppendTag(b, fieldM2MParentID, protowire.VarintType)
	b = protowire.AppendVarint(b, rec.ParentID)
	for _, id := range rec.ChildIDs {
		b = protowire.AppendTag(b, fieldM2MChild, protowire.VarintType)
		b = protowire.AppendVarint(b, id)
	}
	return b
}

// DecodeManyToMany parses the output of EncodeManyToMany.
func DecodeManyToMany(b []byte) (ManyToMany, error) {
	var rec ManyToMany
	err := walk(b, func(num protowire.Number, word uint64, raw []byte) error {
		switch num {
		case fieldM2MParentType:
			rec.ParentTypeID = int64(word)
		case fieldM2MField:
			rec.Field = string(raw)
		case fieldM2MParentID:
			rec.ParentID = word
		case fieldM2MChild:
			rec.ChildIDs = append(rec.ChildIDs, word)
		}
		return nil
	})
	if err != nil {
		return ManyToMany{}, err
	}
	if rec.Field == "" {
		return ManyToMany{}, domain.Errorf(domain.ErrCodec, "decode", "many-to-many record without field")
	}
	return rec, nil
}
