package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/yanolja/modelrouter"
)

// keyData is the canonical form hashed into a cache key. Field order is fixed
// so equal requests always serialize to the same bytes.
type keyData struct {
	EndpointID string                       `json:"endpoint_id"`
	System     string                       `json:"system,omitempty"`
	Messages   []modelrouter.Message        `json:"messages"`
	Params     modelrouter.GenerationParams `json:"params"`
}

// Key returns a deterministic key for a request on one endpoint. Whitespace
// around contents, role case and empty messages do not change the key. The
// request id is never part of it.
func Key(endpointID string, payload modelrouter.Payload, params modelrouter.GenerationParams) (string, error) {
	data := keyData{
		EndpointID: endpointID,
		System:     strings.TrimSpace(payload.System),
		Messages:   make([]modelrouter.Message, 0, len(payload.Messages)),
		Params:     params,
	}
	for _, message := range payload.Messages {
		content := strings.TrimSpace(message.Content)
		if content == "" {
			continue
		}
		data.Messages = append(data.Messages, modelrouter.Message{
			Role:    strings.ToLower(strings.TrimSpace(message.Role)),
			Content: content,
		})
	}
	if len(data.Params.Stop) == 0 {
		data.Params.Stop = nil
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key: %v", err)
	}
	hash := sha256.Sum256(encoded)
	return hex.EncodeToString(hash[:]), nil
}
