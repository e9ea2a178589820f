// Package counter is a native module that keeps a running total.
//
// A "count" event carries an 8-byte big-endian amount that is added to
// Count{id: 1}. A "stop" event carries a 4-byte big-endian exit code and
// stops the indexer.
package counter

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/execution/native"
)

// Name is the module name used in manifests.
const Name = "counter"

// Event discriminants.
const (
	EventCount = "count"
	EventStop  = "stop"
)

// Schema is the GraphQL schema the module writes to.
const Schema = `
type Count {
  id: ID!
  value: UInt8!
}
`

// TotalID is the identity of the single Count entity.
const TotalID = 1

func init() {
	native.Register(native.Module{
		Name: Name,
		Handlers: map[string]native.HandlerFunc{
			EventCount: handleCount,
			EventStop:  handleStop,
		},
	})
}

// Count is the running total.
type Count struct {
	ID    uint64
	Value uint64
}

func (c *Count) TypeName() string { return "Count" }

func (c *Count) ToRow() codec.Row {
	return codec.Row{codec.ID(c.ID), codec.UInt8(c.Value)}
}

func (c *Count) FromRow(row codec.Row) error {
	if len(row) != 2 {
		return fmt.Errorf("count row has %d values", len(row))
	}
	c.ID = row[0].AsID()
	c.Value = row[1].AsUInt8()
	return nil
}

// CountEvent builds a "count" event.
func CountEvent(amount uint64) domain.Event {
	return domain.Event{Kind: EventCount, Data: binary.BigEndian.AppendUint64(nil, amount)}
}

// StopEvent builds a "stop" event.
func StopEvent(code int32) domain.Event {
	return domain.Event{Kind: EventStop, Data: binary.BigEndian.AppendUint32(nil, uint32(code))}
}

func handleCount(ctx *native.Context, _ domain.Block, event domain.Event) error {
	if len(event.Data) != 8 {
		return fmt.Errorf("count payload has %d bytes, want 8", len(event.Data))
	}

	total := Count{ID: TotalID}
	if err := ctx.Load(&total, TotalID); err != nil && !errors.Is(err, execution.ErrNotFound) {
		return err
	}
	total.Value += binary.BigEndian.Uint64(event.Data)
	return ctx.Save(&total)
}

func handleStop(ctx *native.Context, block domain.Block, event domain.Event) error {
	var code int32
	if len(event.Data) == 4 {
		code = int32(binary.BigEndian.Uint32(event.Data))
	}
	ctx.Logger().Info("Stop requested", "height", block.Height, "code", code)
	return ctx.Exit(code)
}
