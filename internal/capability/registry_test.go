package capability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func okHandler(_ context.Context, inv Invocation) (any, error) {
	return len(inv.Args), nil
}

func noRevert(context.Context, Reversal) error { return nil }

func TestRegister_Validation(t *testing.T) {
	tests := []struct {
		name    string
		desc    Descriptor
		wantErr bool
	}{
		{"tier 1 ok", Descriptor{Name: "calculate_ytd", Tier: TierObservational, Handler: okHandler}, false},
		{"bad name", Descriptor{Name: "CalcYTD", Tier: TierObservational, Handler: okHandler}, true},
		{"tier 0", Descriptor{Name: "x", Tier: 0, Handler: okHandler}, true},
		{"tier 5", Descriptor{Name: "x", Tier: 5, Handler: okHandler}, true},
		{"tier 1 no handler", Descriptor{Name: "x", Tier: TierObservational}, true},
		{"tier 2 no revert", Descriptor{Name: "x", Tier: TierAdvisory, Handler: okHandler, ReversalWindow: time.Hour}, true},
		{"tier 2 no window", Descriptor{Name: "x", Tier: TierAdvisory, Handler: okHandler, Revert: noRevert}, true},
		{"tier 2 ok", Descriptor{Name: "x", Tier: TierAdvisory, Handler: okHandler, Revert: noRevert, ReversalWindow: time.Hour}, false},
		{"tier 3 with handler", Descriptor{Name: "x", Tier: TierActive, Handler: okHandler}, true},
		{"tier 3 secure", Descriptor{Name: "x", Tier: TierActive, SecureHandover: true}, true},
		{"tier 1 secure", Descriptor{Name: "x", Tier: TierObservational, Handler: okHandler, SecureHandover: true}, true},
		{"tier 1 on approved", Descriptor{Name: "x", Tier: TierObservational, Handler: okHandler, OnApproved: okHandler}, true},
		{"dup param", Descriptor{Name: "x", Tier: TierActive, Params: []Param{{Name: "a"}, {Name: "a"}}}, true},
		{"required after optional", Descriptor{Name: "x", Tier: TierActive, Params: []Param{{Name: "a", Optional: true}, {Name: "b"}}}, true},
		{"tier 4 ok", Descriptor{Name: "x", Tier: TierCritical}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewRegistry().Register(tt.desc)
			if tt.wantErr {
				var regErr *RegistrationError
				if !errors.As(err, &regErr) {
					t.Fatalf("Register() error = %v, want *RegistrationError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Register() error: %v", err)
			}
		})
	}
}

func TestRegister_Duplicate(t *testing.T) {
	r := NewRegistry()
	d := Descriptor{Name: "calculate_ytd", Tier: TierObservational, Handler: okHandler}
	if err := r.Register(d); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(d); err == nil {
		t.Error("second Register() should fail")
	}
}

func TestRegister_Tier4ForcesSecureHandover(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(Descriptor{Name: "submit_tax_return", Tier: TierCritical})

	d, ok := r.Lookup("submit_tax_return")
	if !ok {
		t.Fatal("Lookup() missed registered capability")
	}
	if !d.SecureHandover {
		t.Error("tier 4 descriptor should carry SecureHandover")
	}
}

func TestRegistry_NamesAndDescriptors(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		Descriptor{Name: "zeta", Tier: TierObservational, Handler: okHandler},
		Descriptor{Name: "alpha", Tier: TierActive},
		Descriptor{Name: "beta", Tier: TierObservational, Handler: okHandler},
	)

	names := r.Names()
	want := []string{"alpha", "beta", "zeta"}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("Names() = %v, want %v", names, want)
		}
	}

	ds := r.Descriptors()
	if ds[0].Name != "beta" || ds[1].Name != "zeta" || ds[2].Name != "alpha" {
		t.Errorf("Descriptors() order = %s, %s, %s", ds[0].Name, ds[1].Name, ds[2].Name)
	}
}

func TestInvoke(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("ledger offline")

	t.Run("returned", func(t *testing.T) {
		d := &Descriptor{Name: "x", Tier: TierObservational, Handler: okHandler}
		out := Invoke(ctx, d, Invocation{Args: []any{1, 2}})
		r, ok := out.(Returned)
		if !ok || r.Value != 2 {
			t.Errorf("Invoke() = %#v, want Returned{2}", out)
		}
	})

	t.Run("failed", func(t *testing.T) {
		d := &Descriptor{Name: "x", Tier: TierObservational, Handler: func(context.Context, Invocation) (any, error) {
			return nil, boom
		}}
		out := Invoke(ctx, d, Invocation{})
		f, ok := out.(Failed)
		if !ok || !errors.Is(f.Err, boom) {
			t.Errorf("Invoke() = %#v, want Failed{boom}", out)
		}
	})

	t.Run("panic", func(t *testing.T) {
		d := &Descriptor{Name: "x", Tier: TierObservational, Handler: func(context.Context, Invocation) (any, error) {
			panic("nil map")
		}}
		out := Invoke(ctx, d, Invocation{})
		f, ok := out.(Failed)
		var pe *PanicError
		if !ok || !errors.As(f.Err, &pe) {
			t.Errorf("Invoke() = %#v, want Failed{*PanicError}", out)
		}
	})

	t.Run("gated tier never runs", func(t *testing.T) {
		ran := false
		d := &Descriptor{Name: "file_vat_registration", Tier: TierCritical, SecureHandover: true,
			OnApproved: func(context.Context, Invocation) (any, error) {
				ran = true
				return nil, nil
			}}
		out := Invoke(ctx, d, Invocation{Args: []any{"tenant-1"}})
		na, ok := out.(NeedsApproval)
		if !ok {
			t.Fatalf("Invoke() = %#v, want NeedsApproval", out)
		}
		if !na.Request.SecureHandover || na.Request.Tier != TierCritical {
			t.Errorf("request = %+v", na.Request)
		}
		if ran {
			t.Error("OnApproved ran during Invoke")
		}
	})
}

func TestInvokeApproved(t *testing.T) {
	d := &Descriptor{Name: "x", Tier: TierActive}
	if _, ok := InvokeApproved(context.Background(), d, Invocation{}); ok {
		t.Error("InvokeApproved() without hook should report false")
	}

	d.OnApproved = func(_ context.Context, inv Invocation) (any, error) { return "applied:" + inv.Subject, nil }
	out, ok := InvokeApproved(context.Background(), d, Invocation{Subject: "tenant-1"})
	if !ok {
		t.Fatal("InvokeApproved() with hook should report true")
	}
	if r, _ := out.(Returned); r.Value != "applied:tenant-1" {
		t.Errorf("InvokeApproved() = %#v", out)
	}
}

func TestSignatureAndDescribe(t *testing.T) {
	d := &Descriptor{Name: "store_atomic_fact", Params: []Param{
		{Name: "user_id"}, {Name: "layer"}, {Name: "confidence", Optional: true, Default: 1.0},
		{Name: "source", Optional: true, Default: "model"},
	}}
	if got, want := d.Signature(), `store_atomic_fact(user_id, layer, confidence=1, source="model")`; got != want {
		t.Errorf("Signature() = %q, want %q", got, want)
	}

	req := ApprovalRequest{Capability: "submit_tax_return", Tier: TierCritical, SecureHandover: true}
	if got, want := req.Describe(), "submit_tax_return requires approval (tier 4, critical); approve through the secure channel"; got != want {
		t.Errorf("Describe() = %q, want %q", got, want)
	}
}
