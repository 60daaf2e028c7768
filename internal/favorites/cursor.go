package favorites

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const cursorFormatVersion = 2

// ErrInvalidCursor indicates that a pagination token was not produced by EncodeCursor
// for the listing owner.
var ErrInvalidCursor = errors.New("favorites: invalid cursor")

// cursorPayload carries the keys as raw bytes so that identifiers round-trip exactly.
type cursorPayload struct {
	Version   int    `json:"v"`
	Partition []byte `json:"pk"`
	Sort      []byte `json:"sk"`
}

// EncodeCursor turns the last key of a page into an opaque token.
func EncodeCursor(position StorageKey) string {
	if position.IsZero() {
		return ""
	}
	payload := cursorPayload{
		Version:   cursorFormatVersion,
		Partition: []byte(position.Partition),
		Sort:      []byte(position.Sort),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses a token produced by EncodeCursor.
func DecodeCursor(token string) (StorageKey, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return StorageKey{}, fmt.Errorf("%w: empty", ErrInvalidCursor)
	}
	raw, err := base64.RawURLEncoding.DecodeString(trimmed)
	if err != nil {
		return StorageKey{}, fmt.Errorf("%w: not base64url", ErrInvalidCursor)
	}
	decoder := json.NewDecoder(strings.NewReader(string(raw)))
	decoder.DisallowUnknownFields()
	var payload cursorPayload
	if err := decoder.Decode(&payload); err != nil {
		return StorageKey{}, fmt.Errorf("%w: malformed payload", ErrInvalidCursor)
	}
	if payload.Version != cursorFormatVersion {
		return StorageKey{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidCursor, payload.Version)
	}
	partition, sort := string(payload.Partition), string(payload.Sort)
	if !strings.HasPrefix(partition, partitionPrefix) || len(partition) == len(partitionPrefix) {
		return StorageKey{}, fmt.Errorf("%w: bad partition", ErrInvalidCursor)
	}
	if !strings.HasPrefix(sort, sortPrefix) || len(sort) == len(sortPrefix) {
		return StorageKey{}, fmt.Errorf("%w: bad sort key", ErrInvalidCursor)
	}
	return StorageKey{Partition: partition, Sort: sort}, nil
}

// DecodeOwnerCursor resolves the resume position for listing ownerID. An empty token
// means the start of the owner's range and yields nil. Tokens issued for another owner
// are rejected.
func DecodeOwnerCursor(ownerID OwnerID, token string) (*StorageKey, error) {
	if strings.TrimSpace(token) == "" {
		return nil, nil
	}
	position, err := DecodeCursor(token)
	if err != nil {
		return nil, err
	}
	if position.Partition != PartitionKey(ownerID) {
		return nil, fmt.Errorf("%w: foreign partition", ErrInvalidCursor)
	}
	return &position, nil
}
