package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/protocol"
)

// voxelWindow is the cube of radius r around the last OBS center, indexed
// dy outer, dz middle, dx inner.
type voxelWindow struct {
	center actuator.Vec3
	radius int
	ids    []uint16
}

func (w *voxelWindow) side() int { return 2*w.radius + 1 }

func (w *voxelWindow) index(d actuator.Vec3) (int, bool) {
	r := w.radius
	if d.X < -r || d.X > r || d.Y < -r || d.Y > r || d.Z < -r || d.Z > r {
		return 0, false
	}
	s := w.side()
	return ((d.Y+r)*s+(d.Z+r))*s + (d.X + r), true
}

func (w *voxelWindow) apply(v protocol.VoxelsObs) error {
	switch v.Encoding {
	case "RLE":
		ids, err := decodeRLE(v.Data)
		if err != nil {
			return fmt.Errorf("voxels: %w", err)
		}
		s := 2*v.Radius + 1
		if len(ids) != s*s*s {
			return fmt.Errorf("voxels: got %d ids for radius %d", len(ids), v.Radius)
		}
		w.center = actuator.FromArray(v.Center)
		w.radius = v.Radius
		w.ids = ids
	case "DELTA":
		if w.ids == nil || v.Radius != w.radius {
			return fmt.Errorf("voxels: delta without a full window")
		}
		w.center = actuator.FromArray(v.Center)
		for _, op := range v.Ops {
			i, ok := w.index(actuator.FromArray(op.D))
			if !ok {
				return fmt.Errorf("voxels: delta op out of range: %v", op.D)
			}
			w.ids[i] = op.B
		}
	case "":
		// No voxel payload this tick.
	default:
		return fmt.Errorf("voxels: unknown encoding %q", v.Encoding)
	}
	return nil
}

func (w *voxelWindow) at(pos actuator.Vec3) (uint16, bool) {
	if w.ids == nil {
		return 0, false
	}
	i, ok := w.index(actuator.Vec3{X: pos.X - w.center.X, Y: pos.Y - w.center.Y, Z: pos.Z - w.center.Z})
	if !ok {
		return 0, false
	}
	return w.ids[i], true
}

// nearest returns the matching cell closest to from within maxDist. Ties go
// to the earlier cell in scan order.
func (w *voxelWindow) nearest(from actuator.Vec3, maxDist int, match func(uint16) bool) (actuator.Vec3, bool) {
	var best actuator.Vec3
	bestD := -1
	limit := maxDist * maxDist
	r := w.radius
	for dy := -r; dy <= r; dy++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				d := actuator.Vec3{X: dx, Y: dy, Z: dz}
				i, _ := w.index(d)
				if !match(w.ids[i]) {
					continue
				}
				p := w.center.Add(d)
				dist := p.DistSq(from)
				if dist > limit {
					continue
				}
				if bestD < 0 || dist < bestD {
					best, bestD = p, dist
				}
			}
		}
	}
	return best, bestD >= 0
}

// decodeRLE decodes base64(uvarint pairs of block_id, run_len).
func decodeRLE(b64 string) ([]uint16, error) {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, err
	}
	var out []uint16
	for i := 0; i < len(raw); {
		b, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		run, n := binary.Uvarint(raw[i:])
		if n <= 0 {
			return nil, fmt.Errorf("bad varint at %d", i)
		}
		i += n
		if b > 0xFFFF {
			return nil, fmt.Errorf("block id too large: %d", b)
		}
		for k := 0; k < int(run); k++ {
			out = append(out, uint16(b))
		}
	}
	return out, nil
}

// encodeRLE is the inverse of decodeRLE.
func encodeRLE(ids []uint16) string {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	for i := 0; i < len(ids); {
		b := ids[i]
		run := 1
		for j := i + 1; j < len(ids) && ids[j] == b; j++ {
			run++
		}
		n := binary.PutUvarint(tmp[:], uint64(b))
		buf.Write(tmp[:n])
		n = binary.PutUvarint(tmp[:], uint64(run))
		buf.Write(tmp[:n])
		i += run
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}
