package bridge_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"simbridge.ai/internal/brain"
	"simbridge.ai/internal/bridge"
	"simbridge.ai/internal/protocol"
	"simbridge.ai/internal/sim/lot"
)

type capturingCommands struct {
	inner bridge.Commands
	sent  chan bridge.Command
}

func (c *capturingCommands) SendCommand(cmd bridge.Command) {
	c.sent <- cmd
	c.inner.SendCommand(cmd)
}

func TestEndToEndInteract(t *testing.T) {
	world := lot.New(lot.Config{}, nil)
	if _, err := world.AddAvatar(lot.AvatarSpec{AgentID: "bella", PersistID: 1, Name: "Bella", X: 0, Y: 0}); err != nil {
		t.Fatalf("AddAvatar: %v", err)
	}
	chair, err := world.AddObject(lot.ObjectSpec{Name: "Chair", X: 3, Y: 0, Interactions: []lot.InteractionSpec{{ID: 7, Name: "Sit"}}})
	if err != nil {
		t.Fatalf("AddObject: %v", err)
	}

	reqs := make(chan protocol.ThinkRequest, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var got protocol.ThinkRequest
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		reqs <- got
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"action_type":"INTERACT","target_guid":%q,"interaction_id":7}`, got.NearbyObjects[0].GUID)
	}))
	defer srv.Close()

	client, err := brain.New(brain.Config{Endpoint: srv.URL})
	if err != nil {
		t.Fatalf("brain.New: %v", err)
	}
	cmds := &capturingCommands{inner: world, sent: make(chan bridge.Command, 8)}
	results := make(chan bridge.TickResult, 8)
	s, err := bridge.NewScheduler(bridge.SchedulerConfig{ThinkEvery: time.Second}, bridge.Deps{
		Builder: bridge.NewBuilder(world, bridge.SnapshotConfig{}),
		Brain:   client,
		Applier: bridge.NewApplier(cmds, bridge.ApplyConfig{}),
		Sink:    bridge.SinkFunc(func(r bridge.TickResult) { results <- r }),
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Close()
	for _, h := range world.Handles() {
		if err := s.Register(h); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	if n := s.Advance(time.Second); n != 1 {
		t.Fatalf("started=%d want 1", n)
	}
	var res bridge.TickResult
	select {
	case res = <-results:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for tick")
	}
	if res.Outcome != bridge.OutcomeApplied {
		t.Fatalf("unexpected result: %+v", res)
	}

	got := <-reqs
	if len(got.NearbyObjects) != 1 {
		t.Fatalf("nearby=%+v", got.NearbyObjects)
	}
	obj := got.NearbyObjects[0]
	if obj.GUID != strconv.Itoa(int(chair)) || obj.Distance != 3.0 || len(obj.Interactions) != 1 || obj.Interactions[0].ID != 7 || obj.Interactions[0].Name != "Sit" {
		t.Fatalf("unexpected nearby object: %+v", obj)
	}

	if len(cmds.sent) != 1 {
		t.Fatalf("commands=%d want exactly 1", len(cmds.sent))
	}
	ic, ok := (<-cmds.sent).(bridge.InteractCmd)
	if !ok || ic.CalleeID != chair || ic.Interaction != 7 || ic.ActorUID != 1 {
		t.Fatalf("unexpected command: %+v", ic)
	}

	world.Step()
	if v, _ := world.Agent(1); v.CurrentAction != "Sit" {
		t.Fatalf("current action=%q want Sit", v.CurrentAction)
	}
}

func TestEndToEndBadResponsesNeverApply(t *testing.T) {
	bodies := []struct {
		status int
		body   string
	}{
		{http.StatusInternalServerError, `{"action_type":"CHAT","speech_text":"hi"}`},
		{http.StatusOK, `not json`},
		{http.StatusOK, `null`},
		{http.StatusOK, `{"action_type":"INTERACT","interaction_id":"7","target_guid":"1"}`},
		{http.StatusOK, ``},
	}
	var i atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b := bodies[int(i.Add(1)-1)%len(bodies)]
		w.WriteHeader(b.status)
		_, _ = w.Write([]byte(b.body))
	}))
	defer srv.Close()

	world := lot.New(lot.Config{}, nil)
	_, _ = world.AddAvatar(lot.AvatarSpec{AgentID: "bella", PersistID: 1, Name: "Bella"})
	_, _ = world.AddObject(lot.ObjectSpec{Name: "Chair", X: 1, Interactions: []lot.InteractionSpec{{ID: 7, Name: "Sit"}}})
	client, _ := brain.New(brain.Config{Endpoint: srv.URL})
	results := make(chan bridge.TickResult, 8)
	s, err := bridge.NewScheduler(bridge.SchedulerConfig{ThinkEvery: time.Second}, bridge.Deps{
		Builder: bridge.NewBuilder(world, bridge.SnapshotConfig{}),
		Brain:   client,
		Applier: bridge.NewApplier(world, bridge.ApplyConfig{}),
		Sink:    bridge.SinkFunc(func(r bridge.TickResult) { results <- r }),
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	defer s.Close()
	_ = s.Register(bridge.AgentHandle{ID: "bella", PersistID: 1})

	wantCodes := []string{protocol.ErrServer, protocol.ErrProtocol, protocol.ErrProtocol, protocol.ErrProtocol, protocol.ErrProtocol}
	for n, want := range wantCodes {
		s.Advance(time.Second)
		select {
		case res := <-results:
			if res.Outcome != bridge.OutcomeFailed || res.Code != want {
				t.Fatalf("response %d: unexpected result %+v", n, res)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("response %d: timed out", n)
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		if err := s.Wait(ctx); err != nil {
			cancel()
			t.Fatalf("Wait: %v", err)
		}
		cancel()
	}
	if n := world.Step(); n != 0 {
		t.Fatalf("failed ticks applied %d commands", n)
	}
}
