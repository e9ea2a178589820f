package domain

// Halt records why an indexer stopped scheduling batches.
type Halt struct {
	ID         string   `json:"id"`
	Namespace  string   `json:"namespace"`
	Identifier string   `json:"identifier"`
	Kind       HaltKind `json:"kind"`
	Height     uint64   `json:"height"`
	ExitCode   int32    `json:"exit_code,omitempty"`
	Error      string   `json:"error_msg"`
	CreatedAt  int64    `json:"created_at"`
}

type HaltKind string

const (
	// HaltEarlyExit is a deliberate stop requested by handler code.
	HaltEarlyExit HaltKind = "early_exit"
	// HaltFault is an unrecoverable failure.
	HaltFault HaltKind = "fault"
	// HaltRequested is an operator or external stop request.
	HaltRequested HaltKind = "requested"
	// HaltEndHeight means the manifest end height was reached.
	HaltEndHeight HaltKind = "end_height"
)
