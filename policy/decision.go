package policy

import "github.com/luthienresearch/luthien/model"

type (
	// Decision is the result of a response-side hook. The zero value is
	// Pass.
	Decision struct {
		kind   decisionKind
		chunks []model.Chunk
		reason model.FinishReason
	}

	decisionKind int
)

const (
	decisionPass decisionKind = iota
	decisionReplace
	decisionSuppress
	decisionInject
	decisionTerminate
)

// Pass leaves the outbound chunks unchanged.
func Pass() Decision { return Decision{} }

// Replace substitutes the outbound chunks with the given ones. On a block
// completion under buffering this replaces the entire buffered block.
func Replace(chunks ...model.Chunk) Decision {
	return Decision{kind: decisionReplace, chunks: chunks}
}

// Suppress drops the outbound chunks. Internal accumulation, such as tool
// call arguments, still happens.
func Suppress() Decision { return Decision{kind: decisionSuppress} }

// Inject prepends chunks to the outbound stream before the current ones.
func Inject(chunks ...model.Chunk) Decision {
	return Decision{kind: decisionInject, chunks: chunks}
}

// Terminate closes the stream cleanly with the given finish reason after
// emitting any final chunks. No further upstream content reaches the
// client.
func Terminate(reason model.FinishReason, final ...model.Chunk) Decision {
	return Decision{kind: decisionTerminate, chunks: final, reason: reason}
}
