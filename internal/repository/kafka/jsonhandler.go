package kafka

import (
	"context"
	"encoding/json"
)

// JSONHandler decodes message values into M before delegating. Event
// mutation messages are plain JSON produced by the ticketing backend;
// undecodable values are dropped (committed) — redelivery cannot fix them.
func JSONHandler[M any](handle func(context.Context, []byte, *M) error) Handler {
	return func(ctx context.Context, key, value []byte) error {
		var msg M
		if err := json.Unmarshal(value, &msg); err != nil {
			return nil
		}
		return handle(ctx, key, &msg)
	}
}
