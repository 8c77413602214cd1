package bridge

import (
	"testing"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/protocol"
)

func TestRLE_RoundTrip(t *testing.T) {
	in := []uint16{1, 1, 1, 2, 2, 3}
	for i := 0; i < 50; i++ {
		in = append(in, 7)
	}
	in = append(in, 9, 10, 10, 10)

	out, err := decodeRLE(encodeRLE(in))
	if err != nil {
		t.Fatalf("decodeRLE: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("len mismatch: got %d want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("mismatch at %d: got %d want %d", i, out[i], in[i])
		}
	}
}

func TestVoxelWindow_DeltaAndNearest(t *testing.T) {
	ids := make([]uint16, 27)
	var w voxelWindow
	if err := w.apply(protocol.VoxelsObs{Center: [3]int{10, 5, 10}, Radius: 1, Encoding: "RLE", Data: encodeRLE(ids)}); err != nil {
		t.Fatalf("apply RLE: %v", err)
	}
	if b, ok := w.at(actuator.Vec3{X: 11, Y: 4, Z: 9}); !ok || b != 0 {
		t.Fatalf("at=%d ok=%v", b, ok)
	}
	if _, ok := w.at(actuator.Vec3{X: 12, Y: 5, Z: 10}); ok {
		t.Fatalf("outside window should miss")
	}

	err := w.apply(protocol.VoxelsObs{Center: [3]int{10, 5, 10}, Radius: 1, Encoding: "DELTA", Ops: []protocol.VoxelDeltaOp{
		{D: [3]int{1, -1, -1}, B: 3},
		{D: [3]int{-1, 1, 1}, B: 3},
	}})
	if err != nil {
		t.Fatalf("apply DELTA: %v", err)
	}
	if b, _ := w.at(actuator.Vec3{X: 11, Y: 4, Z: 9}); b != 3 {
		t.Fatalf("delta not applied: %d", b)
	}

	from := actuator.Vec3{X: 11, Y: 4, Z: 10}
	p, ok := w.nearest(from, 4, func(id uint16) bool { return id == 3 })
	if !ok || p != (actuator.Vec3{X: 11, Y: 4, Z: 9}) {
		t.Fatalf("nearest=%v ok=%v", p, ok)
	}
	if _, ok := w.nearest(from, 0, func(id uint16) bool { return id == 3 }); ok {
		t.Fatalf("maxDist should bound the search")
	}
}

func TestVoxelWindow_DeltaWithoutBaseFails(t *testing.T) {
	var w voxelWindow
	if err := w.apply(protocol.VoxelsObs{Radius: 1, Encoding: "DELTA"}); err == nil {
		t.Fatalf("expected error")
	}
	if err := w.apply(protocol.VoxelsObs{Radius: 1, Encoding: "RLE", Data: encodeRLE(make([]uint16, 8))}); err == nil {
		t.Fatalf("expected size error")
	}
}
