package tablet

import (
	"bytes"
	"testing"
)

func TestCatalogAutomatonApplyCreateBundleAssignsID(t *testing.T) {
	cat := NewCatalog()
	a := NewCatalogAutomaton(cat, nil)

	payload, err := EncodeCommand(OpCreateBundle, struct {
		Name   string
		Config BundleConfig
	}{Name: "default"})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}

	out, err := a.Apply(payload)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	eff, err := DecodeEffect(out)
	if err != nil {
		t.Fatalf("DecodeEffect() error = %v", err)
	}
	if eff.Op != OpCreateBundle || eff.ID == "" {
		t.Fatalf("effect = %+v, want non-empty id for OpCreateBundle", eff)
	}
	if _, err := cat.Bundle(eff.ID); err != nil {
		t.Fatalf("Bundle(%s) error = %v", eff.ID, err)
	}
}

func TestCatalogAutomatonApplyUnknownOp(t *testing.T) {
	a := NewCatalogAutomaton(NewCatalog(), nil)
	payload, err := EncodeCommand(Op("bogus"), struct{}{})
	if err != nil {
		t.Fatalf("EncodeCommand() error = %v", err)
	}
	if _, err := a.Apply(payload); err == nil {
		t.Fatal("expected error applying unknown op")
	}
}

func TestCatalogAutomatonSaveLoadRoundtrip(t *testing.T) {
	cat := NewCatalog()
	if _, err := cat.CreateBundle("b1", "default", BundleConfig{MaxTabletSize: 10}); err != nil {
		t.Fatalf("CreateBundle() error = %v", err)
	}
	if _, err := cat.CreateCell("c1", "b1"); err != nil {
		t.Fatalf("CreateCell() error = %v", err)
	}
	if _, err := cat.CreateOwner("t1", OwnerTable, TableSorted, "b1", false); err != nil {
		t.Fatalf("CreateOwner() error = %v", err)
	}
	if err := cat.AppendTablet(&Tablet{ID: "x0", OwnerID: "t1"}); err != nil {
		t.Fatalf("AppendTablet() error = %v", err)
	}

	a := NewCatalogAutomaton(cat, nil)
	var buf bytes.Buffer
	if err := a.Save(&buf); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	dst := NewCatalog()
	b := NewCatalogAutomaton(dst, nil)
	b.Clear()
	if err := b.Load(&buf); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tb, err := dst.Tablet("x0")
	if err != nil {
		t.Fatalf("Tablet() error = %v", err)
	}
	if tb.OwnerID != "t1" {
		t.Errorf("restored tablet OwnerID = %q, want t1", tb.OwnerID)
	}
	bundle, err := dst.Bundle("b1")
	if err != nil {
		t.Fatalf("Bundle() error = %v", err)
	}
	if bundle.Config.MaxTabletSize != 10 {
		t.Errorf("restored bundle Config.MaxTabletSize = %d, want 10", bundle.Config.MaxTabletSize)
	}
}

func TestCatalogAutomatonClearEmptiesCatalog(t *testing.T) {
	cat := NewCatalog()
	if _, err := cat.CreateBundle("b1", "default", BundleConfig{}); err != nil {
		t.Fatalf("CreateBundle() error = %v", err)
	}
	a := NewCatalogAutomaton(cat, nil)
	a.Clear()
	if _, err := cat.Bundle("b1"); err == nil {
		t.Fatal("expected bundle to be gone after Clear")
	}
}
