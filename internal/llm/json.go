package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

const maxJSONRetries = 2

// ParseJSONResponse parses a JSON value out of LLM output. If the raw
// response is not valid JSON it tries to extract the JSON body, and as
// a last resort re-asks the model for clean JSON.
func ParseJSONResponse[T any](ctx context.Context, client Client, conversation []Message, rawResponse string) (T, error) {
	var result T

	if err := json.Unmarshal([]byte(rawResponse), &result); err == nil {
		return result, nil
	}

	cleaned := stripMarkdownJSON(rawResponse)
	if err := json.Unmarshal([]byte(cleaned), &result); err == nil {
		return result, nil
	}

	if client != nil {
		reply := rawResponse
		for i := 0; i < maxJSONRetries; i++ {
			slog.Debug("retrying JSON parse via model", "attempt", i+1, "provider", client.Name())

			retry := append(append([]Message{}, conversation...),
				Message{Role: RoleAssistant, Content: reply},
				Message{Role: RoleUser, Content: "Your previous response was not valid JSON. Return ONLY the JSON array/object as specified, with no other text, no markdown fences, no explanation."})

			var err error
			reply, err = client.Invoke(ctx, "", retry)
			if err != nil {
				continue
			}

			if err := json.Unmarshal([]byte(reply), &result); err == nil {
				return result, nil
			}
			if err := json.Unmarshal([]byte(stripMarkdownJSON(reply)), &result); err == nil {
				return result, nil
			}
		}
	}

	var zero T
	return zero, fmt.Errorf("failed to parse JSON response after %d retries: %s", maxJSONRetries, truncate(rawResponse, 200))
}

// stripMarkdownJSON removes markdown code fences and leading/trailing non-JSON text.
func stripMarkdownJSON(s string) string {
	s = strings.TrimSpace(s)

	// Remove ```json ... ``` fences
	re := regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(.*?)\\n?```")
	if matches := re.FindStringSubmatch(s); len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	}

	// Find first { or [ and last } or ]
	startObj := strings.IndexByte(s, '{')
	startArr := strings.IndexByte(s, '[')

	start := -1
	isArray := false

	switch {
	case startObj >= 0 && startArr >= 0:
		if startArr < startObj {
			start = startArr
			isArray = true
		} else {
			start = startObj
		}
	case startObj >= 0:
		start = startObj
	case startArr >= 0:
		start = startArr
		isArray = true
	}

	if start < 0 {
		return s
	}

	var end int
	if isArray {
		end = strings.LastIndexByte(s, ']')
	} else {
		end = strings.LastIndexByte(s, '}')
	}

	if end <= start {
		return s
	}

	return s[start : end+1]
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
