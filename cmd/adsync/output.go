package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, arg := range args {
		id, err := uuid.Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid staged user ID %q: %w", arg, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
