package registry_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/sdewitt/kiln/internal/model"
	"github.com/sdewitt/kiln/internal/registry"
)

func echoFactory() registry.Handler {
	return registry.HandlerFunc(func(_ context.Context, msg *model.Message) (json.RawMessage, error) {
		return msg.Payload, nil
	})
}

func TestRegisterAndResolve(t *testing.T) {
	reg := registry.New()
	reg.Register("email", echoFactory, registry.ModeWorker)

	r, err := reg.Resolve("email")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Type != "email" || r.Mode != registry.ModeWorker {
		t.Errorf("resolved %+v, want type email mode worker", r)
	}
	if r.Factory == nil {
		t.Fatal("resolved registration has nil factory")
	}

	h := r.Factory()
	out, err := h.Process(context.Background(), &model.Message{Payload: json.RawMessage(`1`)})
	if err != nil || string(out) != "1" {
		t.Errorf("Process = (%s, %v), want (1, nil)", out, err)
	}
}

func TestResolveUnregistered(t *testing.T) {
	reg := registry.New()

	_, err := reg.Resolve("nope")
	if !errors.Is(err, registry.ErrNoHandler) {
		t.Errorf("Resolve error = %v, want ErrNoHandler", err)
	}
}

func TestReRegistrationReplaces(t *testing.T) {
	reg := registry.New()
	reg.Register("email", echoFactory, registry.ModeWorker)
	reg.Register("email", echoFactory, registry.ModeProcess)

	r, err := reg.Resolve("email")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if r.Mode != registry.ModeProcess {
		t.Errorf("Mode = %q, want process after re-registration", r.Mode)
	}
	if got := len(reg.List()); got != 1 {
		t.Errorf("List() has %d entries, want 1", got)
	}
}

func TestListSorted(t *testing.T) {
	reg := registry.New()
	reg.Register("zeta", echoFactory, registry.ModeInline)
	reg.Register("alpha", echoFactory, registry.ModeWorker)
	reg.Register("mid", echoFactory, registry.ModeProcess)

	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("List() returned %d entries, want 3", len(list))
	}
	for i, want := range []string{"alpha", "mid", "zeta"} {
		if list[i].Type != want {
			t.Errorf("List()[%d].Type = %q, want %q", i, list[i].Type, want)
		}
	}
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	reg := registry.New()
	reg.Register("seed", echoFactory, registry.ModeWorker)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			reg.Register("seed", echoFactory, registry.ModeWorker)
		}()
		go func() {
			defer wg.Done()
			if _, err := reg.Resolve("seed"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()
}
