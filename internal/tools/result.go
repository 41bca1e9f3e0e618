package tools

import "github.com/chozzz/agentfabric/internal/history"

// Result is the tool return shape: a block list plus an error flag. The
// runtime splices Content into the toolResult block it appends to history;
// IsError marks the call as a tool-level failure rather than a transport
// error.
type Result struct {
	Content []history.Block
	IsError bool
}

// TextResult wraps a single text block — the common case for tools that
// return a status string or a JSON payload as text.
func TextResult(text string) *Result {
	return &Result{Content: []history.Block{{Kind: history.BlockText, Text: text}}}
}

// ErrorResult wraps message as a text block and marks IsError.
func ErrorResult(message string) *Result {
	return &Result{
		Content: []history.Block{{Kind: history.BlockText, Text: message}},
		IsError: true,
	}
}

// BlocksResult wraps an already-built block list, e.g. a tool returning an
// image alongside a caption.
func BlocksResult(blocks ...history.Block) *Result {
	return &Result{Content: blocks}
}
