package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// position is the last key a page has read; the next page starts after it.
type position struct {
	PartitionKey string `json:"pk"`
	RowKey       string `json:"rk"`
}

func encodeToken(p position) string {
	data, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(data)
}

func decodeToken(token string) (position, bool, error) {
	if token == "" {
		return position{}, false, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return position{}, false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var p position
	if err := json.Unmarshal(data, &p); err != nil {
		return position{}, false, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return p, true, nil
}

// beyond reports whether key (pk, rk) lies past p in the scan direction.
func (p position) beyond(pk, rk string, descending bool) bool {
	if descending {
		return pk < p.PartitionKey || (pk == p.PartitionKey && rk < p.RowKey)
	}
	return pk > p.PartitionKey || (pk == p.PartitionKey && rk > p.RowKey)
}
