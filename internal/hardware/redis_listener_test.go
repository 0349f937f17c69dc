package hardware

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
)

type deactivation struct {
	s           int
	deactivated bool
}

type recordingDeactivator struct {
	calls []deactivation
	err   error
}

func (r *recordingDeactivator) SetStringDeactivated(s int, deactivated bool) error {
	r.calls = append(r.calls, deactivation{s, deactivated})
	return r.err
}

func TestHandleStringCommand(t *testing.T) {
	target := &recordingDeactivator{}
	rl := NewRedisListener(context.Background(), nil, target, log.New(io.Discard, "", 0))
	defer rl.Stop()

	rl.handleStringCommand("deactivate:2")
	rl.handleStringCommand("activate:0")
	rl.handleStringCommand("deactivate")
	rl.handleStringCommand("deactivate:x")
	rl.handleStringCommand("remove:1")

	want := []deactivation{{2, true}, {0, false}}
	if len(target.calls) != len(want) {
		t.Fatalf("expected %d calls, got %+v", len(want), target.calls)
	}
	for i, w := range want {
		if target.calls[i] != w {
			t.Errorf("call %d: expected %+v, got %+v", i, w, target.calls[i])
		}
	}
}

func TestHandleStringCommandTargetError(t *testing.T) {
	target := &recordingDeactivator{err: errors.New("string out of range")}
	rl := NewRedisListener(context.Background(), nil, target, log.New(io.Discard, "", 0))
	defer rl.Stop()

	// logged, not propagated
	rl.handleStringCommand("deactivate:7")
	if len(target.calls) != 1 {
		t.Errorf("expected the command to reach the target, got %+v", target.calls)
	}
}
