package schedule

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fakeActions records trigger executions.
type fakeActions struct {
	mu    sync.Mutex
	sends []string
	flows []string
}

func (f *fakeActions) SendCategory(_ context.Context, userID, category, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, userID+"/"+category)
	return nil
}

func (f *fakeActions) StartFlow(_ context.Context, userID, flowType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flows = append(f.flows, userID+"/"+flowType)
	return nil
}

func TestRunnerValidate(t *testing.T) {
	r := NewRunner(&fakeActions{}, nil, nil)

	for _, tc := range []struct {
		name    string
		trigger Trigger
		wantErr bool
	}{
		{"valid send", Trigger{Name: "t", Cron: "0 8 * * *", Action: "send", UserID: "alex", Category: "motivational"}, false},
		{"valid flow", Trigger{Name: "t", Cron: "0 21 * * *", Action: "flow", UserID: "alex", FlowType: "checkin"}, false},
		{"missing user", Trigger{Name: "t", Cron: "0 8 * * *", Action: "send", Category: "x"}, true},
		{"send without category", Trigger{Name: "t", Cron: "0 8 * * *", Action: "send", UserID: "alex"}, true},
		{"flow without type", Trigger{Name: "t", Cron: "0 8 * * *", Action: "flow", UserID: "alex"}, true},
		{"unknown action", Trigger{Name: "t", Cron: "0 8 * * *", Action: "email", UserID: "alex"}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			err := r.validate(tc.trigger)
			if (err != nil) != tc.wantErr {
				t.Errorf("validate(%+v) err = %v, wantErr %v", tc.trigger, err, tc.wantErr)
			}
		})
	}
}

func TestRunnerFire(t *testing.T) {
	actions := &fakeActions{}
	r := NewRunner(actions, nil, nil)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	defer r.cancel()

	r.fire(Trigger{Name: "evening", Action: "send", UserID: "alex", Category: "motivational"})
	r.fire(Trigger{Name: "checkin", Action: "flow", UserID: "alex", FlowType: "checkin"})

	actions.mu.Lock()
	defer actions.mu.Unlock()
	if len(actions.sends) != 1 || actions.sends[0] != "alex/motivational" {
		t.Errorf("sends = %v", actions.sends)
	}
	if len(actions.flows) != 1 || actions.flows[0] != "alex/checkin" {
		t.Errorf("flows = %v", actions.flows)
	}
}

func TestRunnerSkipsInvalidTriggers(t *testing.T) {
	triggers := []Trigger{
		{Name: "good", Cron: "@every 1h", Action: "send", UserID: "alex", Category: "motivational"},
		{Name: "bad-cron", Cron: "not a schedule", Action: "send", UserID: "alex", Category: "x"},
		{Name: "bad-action", Cron: "@every 1h", Action: "nope", UserID: "alex"},
	}

	r := NewRunner(&fakeActions{}, triggers, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Invalid triggers are skipped, the runner still starts.
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	if got := len(r.cron.Entries()); got != 1 {
		t.Errorf("registered %d cron entries, want 1", got)
	}
}

func TestRunnerAddJob(t *testing.T) {
	r := NewRunner(&fakeActions{}, nil, nil)

	if err := r.AddJob("sweep", "@every 5m", func() {}); err == nil {
		t.Error("AddJob before Start did not error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Stop()

	if err := r.AddJob("sweep", "@every 5m", func() {}); err != nil {
		t.Errorf("AddJob: %v", err)
	}
	if err := r.AddJob("bad", "garbage", func() {}); err == nil {
		t.Error("AddJob with an invalid spec did not error")
	}
}

func TestRunnerFireTimeout(t *testing.T) {
	// The context handed to actions is bounded.
	done := make(chan time.Duration, 1)
	actions := &deadlineActions{done: done}
	r := NewRunner(actions, nil, nil)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	defer r.cancel()

	r.fire(Trigger{Name: "t", Action: "send", UserID: "alex", Category: "x"})

	select {
	case remaining := <-done:
		if remaining <= 0 || remaining > triggerTimeout {
			t.Errorf("trigger deadline %v, want within %v", remaining, triggerTimeout)
		}
	default:
		t.Fatal("action never ran")
	}
}

type deadlineActions struct {
	done chan time.Duration
}

func (d *deadlineActions) SendCategory(ctx context.Context, _, _, _ string) error {
	if deadline, ok := ctx.Deadline(); ok {
		d.done <- time.Until(deadline)
	} else {
		d.done <- 0
	}
	return nil
}

func (d *deadlineActions) StartFlow(context.Context, string, string) error { return nil }
