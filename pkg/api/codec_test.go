package api

import (
	"reflect"
	"testing"

	"github.com/zhigibig/hydra/pkg/tablet"
)

func TestMsgpackCodecRoundTripsCreateBundleRequest(t *testing.T) {
	codec := msgpackCodec{}
	req := CreateBundleRequest{
		Name: "default",
		Config: tablet.BundleConfig{
			EnableBalancer: true,
			MaxTabletSize:  1 << 20,
		},
	}

	data, err := codec.Marshal(&req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got CreateBundleRequest
	if err := codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(req, got) {
		t.Fatalf("round-tripped = %+v, want %+v", got, req)
	}
}

func TestMsgpackCodecRoundTripsReshardTableRequest(t *testing.T) {
	codec := msgpackCodec{}
	req := ReshardTableRequest{
		TabletIDs:   []string{"t1", "t2"},
		PivotKeys:   [][]byte{[]byte("a"), []byte("m")},
		TabletCount: 2,
	}

	data, err := codec.Marshal(&req)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var got ReshardTableRequest
	if err := codec.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !reflect.DeepEqual(req, got) {
		t.Fatalf("round-tripped = %+v, want %+v", got, req)
	}
}

func TestMsgpackCodecName(t *testing.T) {
	if got := (msgpackCodec{}).Name(); got != "proto" {
		t.Fatalf("Name() = %q, want %q", got, "proto")
	}
}
