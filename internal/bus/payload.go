package bus

import (
	"encoding/json"

	"github.com/flowdhq/flowd/pkg/schema"
)

func marshalPayload(subject string, payload any) ([]byte, error) {
	if raw, ok := payload.([]byte); ok {
		return raw, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeBus,
			"marshal payload for %s: %s", subject, err.Error()).WithCause(err)
	}
	return data, nil
}
