package tools

import (
	"context"
	"encoding/json"
	"strings"
)

var sendMessageSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "target": {
      "type": "string",
      "description": "Where to deliver: a platform name (telegram, discord, slack, whatsapp) for its home channel, or platform:chat_id."
    },
    "message": {"type": "string", "description": "Text to send."}
  },
  "required": ["target", "message"]
}`)

var clarifySchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "question": {"type": "string", "description": "The question to put to the user."},
    "choices": {
      "type": "array",
      "items": {"type": "string"},
      "maxItems": 4,
      "description": "Up to four suggested answers. The user may reply with free text."
    }
  },
  "required": ["question"]
}`)

func runSendMessage(ctx context.Context, args map[string]any, inv *Invocation) (string, error) {
	if inv == nil || inv.Send == nil {
		return "", Failf("unavailable", "no delivery channel attached to this run")
	}
	target, _ := args["target"].(string)
	message, _ := args["message"].(string)
	if strings.TrimSpace(target) == "" {
		return "", Failf("invalid_arguments", "target is required")
	}
	if strings.TrimSpace(message) == "" {
		return "", Failf("invalid_arguments", "message is required")
	}

	res, err := inv.Send(ctx, target, message)
	if err != nil {
		return "", Failf("send", "%v", err)
	}
	if res != nil && !res.Success {
		return "", Failf("send", "delivery failed: %s", res.Error)
	}
	out := map[string]any{"success": true, "target": target}
	if res != nil && res.MessageID != "" {
		out["message_id"] = res.MessageID
	}
	return JSON(out), nil
}

// runClarify blocks the turn until the user answers. The gateway feeds the
// next inbound message from the same conversation back as the answer.
func runClarify(ctx context.Context, args map[string]any, inv *Invocation) (string, error) {
	if inv == nil || inv.Clarify == nil {
		return "", Failf("unavailable", "clarify needs an interactive conversation")
	}
	question, _ := args["question"].(string)
	if strings.TrimSpace(question) == "" {
		return "", Failf("invalid_arguments", "question is required")
	}

	var choices []string
	if raw, ok := args["choices"].([]any); ok {
		for _, c := range raw {
			if s, ok := c.(string); ok && strings.TrimSpace(s) != "" {
				choices = append(choices, s)
			}
		}
		if len(choices) > 4 {
			choices = choices[:4]
		}
	}

	answer, err := inv.Clarify(ctx, question, choices)
	if err != nil {
		return "", Failf("clarify", "%v", err)
	}
	return JSON(map[string]any{"success": true, "answer": answer}), nil
}

func registerMessaging(r *Registry) {
	r.MustRegister(Entry{
		Name:        "send_message",
		Toolset:     "messaging",
		Description: "Send a message to another channel: a platform's home channel or a specific chat.",
		Schema:      sendMessageSchema,
		Handler:     runSendMessage,
	})
	r.MustRegister(Entry{
		Name:        "clarify",
		Toolset:     "messaging",
		Description: "Ask the user a clarifying question and wait for their reply before continuing.",
		Schema:      clarifySchema,
		Handler:     runClarify,
	})
}
