package agent

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/chozzz/agentfabric/internal/history"
	"github.com/chozzz/agentfabric/internal/providers"
	"github.com/chozzz/agentfabric/internal/tools"
)

// buildProviderMessages flattens the block-structured working history into
// the flat role/content shape providers consume. Thinking blocks never leave
// the process; tool calls ride on the assistant message and tool results
// become role="tool" entries keyed by their call ID.
func buildProviderMessages(msgs []history.Message) []providers.Message {
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case history.RoleTool:
			for _, b := range m.Blocks {
				if b.Kind != history.BlockToolResult {
					continue
				}
				out = append(out, providers.Message{
					Role:       "tool",
					Content:    history.Text(b.Content),
					ToolCallID: b.ToolCallID,
					Images:     imagesFromBlocks(b.Content),
				})
			}
		case history.RoleAssistant:
			pm := providers.Message{
				Role:    "assistant",
				Content: history.Text(m.Blocks),
			}
			for _, b := range m.Blocks {
				if b.Kind == history.BlockToolCall {
					pm.ToolCalls = append(pm.ToolCalls, providers.ToolCall{
						ID:        b.ToolCallID,
						Name:      b.ToolName,
						Arguments: b.Arguments,
					})
				}
			}
			out = append(out, pm)
		default:
			out = append(out, providers.Message{
				Role:    string(m.Role),
				Content: history.Text(m.Blocks),
				Images:  imagesFromBlocks(m.Blocks),
			})
		}
	}
	return out
}

func imagesFromBlocks(blocks []history.Block) []providers.ImageContent {
	var imgs []providers.ImageContent
	for _, b := range blocks {
		if b.Kind == history.BlockImage {
			imgs = append(imgs, providers.ImageContent{MimeType: b.MimeType, Data: b.Data})
		}
	}
	return imgs
}

// attachImages adds the turn's inbound images to the most recent user
// message, where vision-capable providers expect them.
func attachImages(msgs []providers.Message, images []providers.ImageContent) {
	if len(images) == 0 {
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			msgs[i].Images = append(msgs[i].Images, images...)
			return
		}
	}
}

// providerToolDefs renders the registry's tool set visible to sessionKey as
// provider tool definitions.
func providerToolDefs(registry *tools.Registry, sessionKey string) []providers.ToolDefinition {
	if registry == nil {
		return nil
	}
	descs := registry.List(sessionKey)
	defs := make([]providers.ToolDefinition, 0, len(descs))
	for _, d := range descs {
		name, _ := d["name"].(string)
		description, _ := d["description"].(string)
		params, _ := d["parameters"].(map[string]interface{})
		defs = append(defs, providers.ToolDefinition{
			Type: "function",
			Function: providers.ToolFunctionSchema{
				Name:        name,
				Description: description,
				Parameters:  params,
			},
		})
	}
	return defs
}

// assistantMessageFromResponse lifts a provider response back into the
// block-structured history shape: one text block for the content (if any),
// one toolCall block per requested call.
func assistantMessageFromResponse(resp *providers.ChatResponse) history.Message {
	var blocks []history.Block
	if resp.Content != "" {
		blocks = append(blocks, history.Block{Kind: history.BlockText, Text: resp.Content})
	}
	for _, call := range resp.ToolCalls {
		blocks = append(blocks, history.Block{
			Kind:       history.BlockToolCall,
			ToolCallID: call.ID,
			ToolName:   call.Name,
			Arguments:  call.Arguments,
		})
	}
	return history.Message{Role: history.RoleAssistant, Blocks: blocks, Timestamp: time.Now()}
}

// maxImageBytes caps how large an attached image file may be (10 MiB).
const maxImageBytes = 10 << 20

// visionMimeTypes are the image content types vision-capable providers
// accept.
var visionMimeTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

// loadImages reads the turn's attached image files into base64 provider
// content. A file that can't be read, is too large, or isn't a supported
// image type is skipped with a warning; one bad attachment never fails the
// run.
func (l *Loop) loadImages(paths []string) []providers.ImageContent {
	var images []providers.ImageContent
	for _, p := range paths {
		img, err := readImageFile(p)
		if err != nil {
			l.Log.Warn("agent: skipping image attachment", "path", p, "error", err)
			continue
		}
		images = append(images, img)
	}
	return images
}

// readImageFile loads one image, sniffing the content type from the bytes
// themselves rather than trusting the file extension.
func readImageFile(path string) (providers.ImageContent, error) {
	info, err := os.Stat(path)
	if err != nil {
		return providers.ImageContent{}, err
	}
	if info.Size() > maxImageBytes {
		return providers.ImageContent{}, fmt.Errorf("image is %d bytes, limit %d", info.Size(), maxImageBytes)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return providers.ImageContent{}, err
	}
	mime := http.DetectContentType(data)
	if !visionMimeTypes[mime] {
		return providers.ImageContent{}, fmt.Errorf("unsupported content type %s", mime)
	}
	return providers.ImageContent{
		MimeType: mime,
		Data:     base64.StdEncoding.EncodeToString(data),
	}, nil
}
