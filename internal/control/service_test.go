package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/config"
	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/core/tunnel"
	"github.com/vietddude/wlantunnel/internal/infra/storage"
)

type recordingNegotiator struct {
	mu       sync.Mutex
	bringUps []domain.SessionKey
}

func (n *recordingNegotiator) BringUp(_ context.Context, key domain.SessionKey, _ tunnel.BringUpRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bringUps = append(n.bringUps, key)
	return nil
}

func (n *recordingNegotiator) CloseTunnel(context.Context, domain.SessionKey, bool) error {
	return nil
}

const carrierPolicies = `[
  {
    "ApnName": "ims",
    "ErrorTypes": [
      {"ErrorType": "*", "ErrorDetails": ["*"], "RetryArray": ["3"]}
    ]
  }
]`

func TestService_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	carrierFile := filepath.Join(dir, "carrier.json")
	if err := os.WriteFile(carrierFile, []byte(carrierPolicies), 0o600); err != nil {
		t.Fatalf("write carrier file: %v", err)
	}

	neg := &recordingNegotiator{}
	s, err := NewService(Config{
		Port: 0,
		Slots: []config.SlotConfig{
			{Index: 0, CarrierID: 10, CarrierPolicyFile: carrierFile, APNs: []string{"ims"}},
			{Index: 1, CarrierPolicyFile: filepath.Join(dir, "missing.json")},
		},
		Negotiator: neg,
	})
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}
	if got := len(s.Registry().Slots()); got != 2 {
		t.Fatalf("slots = %d, want 2", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	slot, ok := s.Slot(0)
	if !ok {
		t.Fatal("slot 0 missing")
	}
	snap, err := slot.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !snap.HasCarrier || snap.CarrierID != 10 {
		t.Errorf("slot 0 carrier = %d has = %v", snap.CarrierID, snap.HasCarrier)
	}

	d, err := slot.ReportFailure(ctx, "ims", domain.ProtocolError(24))
	if err != nil {
		t.Fatalf("ReportFailure: %v", err)
	}
	if d.Delay != 3*time.Second {
		t.Errorf("carrier policy delay = %v, want 3s", d.Delay)
	}

	other, _ := s.Slot(1)
	snap, _ = other.Snapshot(ctx)
	if snap.HasCarrier {
		t.Error("slot 1 should run on defaults")
	}

	if err := other.RequestBringUp(ctx, tunnel.BringUpRequest{APN: "internet"}, func(tunnel.Result) {}); err != nil {
		t.Fatalf("RequestBringUp: %v", err)
	}
	neg.mu.Lock()
	if len(neg.bringUps) != 1 || neg.bringUps[0].Slot != 1 {
		t.Errorf("negotiator bring-ups = %+v", neg.bringUps)
	}
	neg.mu.Unlock()

	// Fail the bring-up so an outcome is recorded.
	if err := other.TunnelClosed(ctx, "internet", domain.NewTunnelError(domain.ErrorKindIO)); err != nil {
		t.Fatalf("TunnelClosed: %v", err)
	}
	if _, err := other.Snapshot(ctx); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	outs, err := s.repo.List(context.Background(), storage.OutcomeFilter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(outs) != 1 || outs[0].Kind != domain.OutcomeSetupFailure {
		t.Errorf("outcomes = %+v", outs)
	}
}

func TestService_BadDefaultPolicies(t *testing.T) {
	path := filepath.Join(t.TempDir(), "defaults.json")
	if err := os.WriteFile(path, []byte(carrierPolicies), 0o600); err != nil {
		t.Fatalf("write defaults: %v", err)
	}
	// Defaults without a "*" catch-all are rejected.
	if _, err := NewService(Config{DefaultPolicyFile: path, Slots: []config.SlotConfig{{Index: 0}}}); err == nil {
		t.Error("expected error for defaults without catch-all")
	}
}
