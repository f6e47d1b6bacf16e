package tokenizer

import (
	"fmt"
	"strings"
)

// TemplateType selects the chat prompt format.
type TemplateType int

const (
	TemplateUnknown TemplateType = iota
	TemplateLlama2
	TemplateLlama3
	TemplateDeepSeek3
)

// ParseTemplateType parses the CLI spelling of a chat template.
func ParseTemplateType(s string) (TemplateType, error) {
	switch s {
	case "llama2":
		return TemplateLlama2, nil
	case "llama3":
		return TemplateLlama3, nil
	case "deepSeek3":
		return TemplateDeepSeek3, nil
	}
	return TemplateUnknown, fmt.Errorf("invalid chat template type: %q", s)
}

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// ChatTemplate renders chat turns into the model's prompt format.
type ChatTemplate struct {
	Type TemplateType
}

// Render formats the messages and the assistant prefix for generation.
func (t *ChatTemplate) Render(messages []Message) string {
	var sb strings.Builder
	switch t.Type {
	case TemplateLlama2:
		for _, m := range messages {
			switch m.Role {
			case "system":
				sb.WriteString("[INST] <<SYS>>\n" + m.Content + "\n<</SYS>>\n\n")
			case "user":
				sb.WriteString(m.Content + " [/INST]")
			default:
				sb.WriteString(m.Content)
			}
		}
	case TemplateLlama3:
		for _, m := range messages {
			sb.WriteString("<|start_header_id|>" + m.Role + "<|end_header_id|>\n\n")
			sb.WriteString(m.Content)
			sb.WriteString("<|eot_id|>")
		}
		sb.WriteString("<|start_header_id|>assistant<|end_header_id|>\n\n")
	case TemplateDeepSeek3:
		for _, m := range messages {
			switch m.Role {
			case "system":
				sb.WriteString(m.Content)
			case "user":
				sb.WriteString("<｜User｜>" + m.Content)
			default:
				sb.WriteString("<｜Assistant｜>" + m.Content)
			}
		}
		sb.WriteString("<｜Assistant｜>")
	}
	return sb.String()
}

// StopToken returns the template's end-of-turn marker.
func (t *ChatTemplate) StopToken() string {
	switch t.Type {
	case TemplateLlama3:
		return "<|eot_id|>"
	case TemplateDeepSeek3:
		return "<｜end▁of▁sentence｜>"
	default:
		return "</s>"
	}
}
