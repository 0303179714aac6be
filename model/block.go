package model

type (
	// Block is a logical unit of streamed response content assembled from
	// chunks: a text run, a complete tool call, or a thinking run.
	Block interface {
		// BlockID identifies the block within its response.
		BlockID() string
		// Complete reports whether the block has received all its content.
		Complete() bool
	}

	// TextBlock accumulates the text content of a choice. There is at most
	// one per choice and its ID is always "content".
	TextBlock struct {
		// ID is the block identifier.
		ID string `json:"id"`
		// Text is the accumulated text.
		Text string `json:"text"`
		// Done marks the block complete.
		Done bool `json:"done"`
	}

	// ToolCallBlock accumulates one streamed tool call.
	ToolCallBlock struct {
		// ID is the tool call identifier assigned by the provider.
		ID string `json:"id"`
		// Name is the tool name.
		Name string `json:"name"`
		// ArgsJSON is the accumulated raw argument JSON.
		ArgsJSON string `json:"args_json"`
		// Done marks the block complete.
		Done bool `json:"done"`
	}

	// ThinkingBlock accumulates one reasoning run.
	ThinkingBlock struct {
		// ID is the block identifier.
		ID string `json:"id"`
		// Text is the accumulated reasoning text.
		Text string `json:"text"`
		// Done marks the block complete.
		Done bool `json:"done"`
	}
)

// TextBlockID is the fixed identifier of the per-choice text block.
const TextBlockID = "content"

func (b *TextBlock) BlockID() string     { return b.ID }
func (b *TextBlock) Complete() bool      { return b.Done }
func (b *ToolCallBlock) BlockID() string { return b.ID }
func (b *ToolCallBlock) Complete() bool  { return b.Done }
func (b *ThinkingBlock) BlockID() string { return b.ID }
func (b *ThinkingBlock) Complete() bool  { return b.Done }
