package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/couchcryptid/hazard-risk-engine/internal/domain"
)

var errEmptyPayload = errors.New("empty payload")

// DecodeReadings parses a message payload holding either one reading object
// or an array of readings, as batching gateways publish.
func DecodeReadings(payload []byte) ([]domain.RawReading, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, errEmptyPayload
	}

	if trimmed[0] == '[' {
		var batch []domain.RawReading
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return nil, fmt.Errorf("decode reading batch: %w", err)
		}
		if len(batch) == 0 {
			return nil, errEmptyPayload
		}
		return batch, nil
	}

	var r domain.RawReading
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, fmt.Errorf("decode reading: %w", err)
	}
	return []domain.RawReading{r}, nil
}
