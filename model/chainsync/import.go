package chainsync

import (
	"github.com/karstlabs/karst/model/karst"
)

// ImportedAux carries side information produced by a successful import of a
// previously unknown block.
type ImportedAux struct {

	// ClearJustificationRequests signals that all pending justification
	// requests are obsolete.
	ClearJustificationRequests bool

	// NeedsJustification signals that the imported block requires a
	// justification before it can be finalized.
	NeedsJustification bool

	// BadJustification signals the justification attached to the block was
	// invalid.
	BadJustification bool

	// IsNewBest signals the imported block became the new best block.
	IsNewBest bool
}

// ImportOutcome enumerates the possible results of importing one block.
type ImportOutcome int

const (
	// ImportedKnown means the block was already in the database.
	ImportedKnown ImportOutcome = iota
	// ImportedUnknown means the block was new and imported successfully.
	ImportedUnknown
	// ImportIncompleteHeader means the header was missing required pieces.
	ImportIncompleteHeader
	// ImportVerificationFailed means the block failed verification.
	ImportVerificationFailed
	// ImportBadBlock means the block is invalid.
	ImportBadBlock
	// ImportMissingState means the parent state was not available.
	ImportMissingState
	// ImportUnknownParent means the parent block is not known.
	ImportUnknownParent
	// ImportCancelled means the import queue shut down before processing.
	ImportCancelled
	// ImportOtherError covers internal errors unrelated to block content.
	ImportOtherError
)

func (o ImportOutcome) String() string {
	switch o {
	case ImportedKnown:
		return "imported known"
	case ImportedUnknown:
		return "imported unknown"
	case ImportIncompleteHeader:
		return "incomplete header"
	case ImportVerificationFailed:
		return "verification failed"
	case ImportBadBlock:
		return "bad block"
	case ImportMissingState:
		return "missing state"
	case ImportUnknownParent:
		return "unknown parent"
	case ImportCancelled:
		return "cancelled"
	default:
		return "other error"
	}
}

// ImportResult is the import queue's verdict on a single block.
type ImportResult struct {
	Outcome ImportOutcome
	Hash    karst.Hash
	Number  uint64

	// Origin is the peer that delivered the block, when known.
	Origin *karst.PeerID

	// Aux is only meaningful for ImportedUnknown.
	Aux ImportedAux
}

// JustificationImportResult reports the outcome of importing a finality
// proof for a block.
type JustificationImportResult struct {
	Peer    karst.PeerID
	Hash    karst.Hash
	Number  uint64
	Success bool
}
