package domain

import "time"

// Block represents one block of chain data as delivered by the block source.
// Blocks are immutable once fetched.
type Block struct {
	Height       uint64        `json:"height"`
	ID           string        `json:"id"`
	Timestamp    time.Time     `json:"timestamp"`
	Producer     string        `json:"producer"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction is an ordered container of events within a block.
type Transaction struct {
	ID     string  `json:"id"`
	Events []Event `json:"events"`
}

// Event is a decoded chain event. Kind is the discriminant handlers are
// registered against.
type Event struct {
	Kind string `json:"kind"`
	Data []byte `json:"data"`
}

// LastHeight returns the height of the final block in the batch.
func LastHeight(blocks []Block) uint64 {
	if len(blocks) == 0 {
		return 0
	}
	return blocks[len(blocks)-1].Height
}
