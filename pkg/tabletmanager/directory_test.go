package tabletmanager

import "testing"

func TestCellDirectoryResolveUnknownCell(t *testing.T) {
	d := NewCellDirectory()
	if _, err := d.Resolve("missing"); err == nil {
		t.Fatal("Resolve() error = nil, want ErrUnknownCell")
	}
}

func TestCellDirectorySetThenResolve(t *testing.T) {
	d := NewCellDirectory()
	d.Set("c1", "127.0.0.1:9001")

	addr, err := d.Resolve("c1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if addr != "127.0.0.1:9001" {
		t.Fatalf("Resolve() = %q, want %q", addr, "127.0.0.1:9001")
	}
}

func TestCellDirectorySetOverwritesPreviousAddress(t *testing.T) {
	d := NewCellDirectory()
	d.Set("c1", "127.0.0.1:9001")
	d.Set("c1", "127.0.0.1:9002")

	addr, err := d.Resolve("c1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if addr != "127.0.0.1:9002" {
		t.Fatalf("Resolve() = %q, want the latest address %q", addr, "127.0.0.1:9002")
	}
}
