// Package handlers provides the built-in handler set shipped with the
// kiln daemon. Real deployments register their own types alongside or
// instead of these.
package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sdewitt/kiln/internal/model"
	"github.com/sdewitt/kiln/internal/registry"
)

// Builtin returns a registry with the built-in handler types:
//
//	echo        inline   returns the payload unchanged
//	hash        worker   sha256 of the raw payload
//	sleep       worker   sleeps {"ms": n}, honoring cancellation
//	sleep-proc  process  same as sleep but isolated in a corelet
func Builtin() *registry.Registry {
	reg := registry.New()
	reg.Register("echo", func() registry.Handler {
		return registry.HandlerFunc(echo)
	}, registry.ModeInline)
	reg.Register("hash", func() registry.Handler {
		return registry.HandlerFunc(hash)
	}, registry.ModeWorker)
	reg.Register("sleep", func() registry.Handler {
		return registry.HandlerFunc(sleep)
	}, registry.ModeWorker)
	reg.Register("sleep-proc", func() registry.Handler {
		return registry.HandlerFunc(sleep)
	}, registry.ModeProcess)
	return reg
}

func echo(_ context.Context, msg *model.Message) (json.RawMessage, error) {
	return msg.Payload, nil
}

func hash(_ context.Context, msg *model.Message) (json.RawMessage, error) {
	sum := sha256.Sum256(msg.Payload)
	out, err := json.Marshal(map[string]string{"sha256": hex.EncodeToString(sum[:])})
	if err != nil {
		return nil, fmt.Errorf("marshal hash: %w", err)
	}
	return out, nil
}

type sleepPayload struct {
	MS int64 `json:"ms"`
}

func sleep(ctx context.Context, msg *model.Message) (json.RawMessage, error) {
	var p sleepPayload
	if len(msg.Payload) > 0 {
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode sleep payload: %w", err)
		}
	}

	select {
	case <-time.After(time.Duration(p.MS) * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return json.Marshal(map[string]int64{"slept_ms": p.MS})
}
