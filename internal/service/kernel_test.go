package service

import (
	"context"
	"errors"
	"testing"

	"github.com/agentward/agentward/internal/adapter/outbound/ledgerfile"
	"github.com/agentward/agentward/internal/adapter/outbound/memory"
	"github.com/agentward/agentward/internal/canonjson"
	"github.com/agentward/agentward/internal/domain/gate"
	"github.com/agentward/agentward/internal/domain/policy"
	"github.com/agentward/agentward/internal/domain/tool"
)

func newKernelHarness(t *testing.T, doc *policy.Document) (*Kernel, *ledgerfile.Store) {
	t.Helper()
	logger := testLogger(t)
	store, err := ledgerfile.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	policies := policy.NewStore(logger)
	if doc != nil {
		if _, err := policies.InstallDocument(*doc, nil); err != nil {
			t.Fatalf("install policy: %v", err)
		}
	}

	k, err := NewKernel(KernelDeps{
		Policies: policies,
		Ledger:   store,
		Archive:  memory.NewApprovalArchive(),
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("NewKernel: %v", err)
	}
	return k, store
}

func TestNewKernelRequiresStores(t *testing.T) {
	logger := testLogger(t)
	store, err := ledgerfile.NewStore(t.TempDir(), logger)
	if err != nil {
		t.Fatalf("ledger store: %v", err)
	}
	defer store.Close()

	if _, err := NewKernel(KernelDeps{Ledger: store, Logger: logger}); err == nil {
		t.Fatal("kernel accepted a nil policy store")
	}
	if _, err := NewKernel(KernelDeps{Policies: policy.NewStore(logger), Logger: logger}); err == nil {
		t.Fatal("kernel accepted a nil ledger store")
	}
}

func TestKernelGuardGatesEveryCall(t *testing.T) {
	k, store := newKernelHarness(t, readerPolicy())

	fsRead := tool.Func{
		ToolName: "fs_read",
		Fn: func(context.Context, string, map[string]any, func(any)) (any, error) {
			return "guarded result", nil
		},
	}
	guarded := k.Guard(fsRead, CallMeta{Actor: "agent", SessionKey: "sess-guard"})

	value, err := guarded.Execute(context.Background(), "call-1",
		map[string]any{"path": "a.txt"}, nil)
	if err != nil {
		t.Fatalf("guarded Execute: %v", err)
	}
	if value != "guarded result" {
		t.Fatalf("value = %v", value)
	}
	if guarded.Name() != "fs_read" {
		t.Fatalf("guarded name = %s", guarded.Name())
	}

	envs := readTrail(t, store, "sess-guard")
	if got := trailKinds(envs); len(got) != 3 || got[2] != "result" {
		t.Fatalf("trail kinds = %v", got)
	}
}

func TestKernelRefusesDoubleGuard(t *testing.T) {
	k, _ := newKernelHarness(t, readerPolicy())

	inner := tool.Func{
		ToolName: "fs_read",
		Fn: func(context.Context, string, map[string]any, func(any)) (any, error) {
			return nil, nil
		},
	}
	guarded := k.Guard(inner, CallMeta{SessionKey: "sess-double"})
	if !tool.IsWrapped(guarded) {
		t.Fatal("guarded tool does not carry the wrapped marker")
	}

	_, err := k.Dispatcher.Dispatch(context.Background(), guarded, nil, "call-1",
		CallMeta{SessionKey: "sess-double"})
	if !errors.Is(err, ErrDoubleWrapped) {
		t.Fatalf("err = %v, want ErrDoubleWrapped", err)
	}
}

func TestKernelGuardSurfacesDenials(t *testing.T) {
	doc := readerPolicy()
	doc.DenyTools = []string{"fs_read"}
	k, _ := newKernelHarness(t, doc)

	guarded := k.Guard(tool.Func{
		ToolName: "fs_read",
		Fn: func(context.Context, string, map[string]any, func(any)) (any, error) {
			t.Error("denied tool executed")
			return nil, nil
		},
	}, CallMeta{SessionKey: "sess-deny"})

	_, err := guarded.Execute(context.Background(), "call-1", nil, nil)
	var gd *GateDeniedError
	if !errors.As(err, &gd) || gd.Verdict != gate.VerdictDeny {
		t.Fatalf("err = %v, want gate denial", err)
	}
}

func TestKernelInstallPolicy(t *testing.T) {
	k, _ := newKernelHarness(t, nil)

	raw := []byte(`{"mode":"allow_all"}`)
	snap, err := k.InstallPolicy(raw)
	if err != nil {
		t.Fatalf("InstallPolicy: %v", err)
	}
	if snap.Sha != canonjson.HashBytes(raw) {
		t.Fatalf("sha = %s", snap.Sha)
	}

	active, ok := k.Policies.Active()
	if !ok || active.Sha != snap.Sha {
		t.Fatalf("active snapshot = %+v ok=%v", active, ok)
	}

	if _, err := k.InstallPolicy([]byte(`{"mode":"bogus"}`)); err == nil {
		t.Fatal("invalid policy installed")
	}
	if stillActive, _ := k.Policies.Active(); stillActive.Sha != snap.Sha {
		t.Fatal("failed install displaced the active policy")
	}
}
