package survival

import (
	"context"
	"errors"
	"strings"

	"craftpilot.ai/internal/actuator"
)

// BlockReader is the slice of the actuator the site search needs.
type BlockReader interface {
	BlockAt(ctx context.Context, pos actuator.Vec3) (string, error)
}

type PlacementParams struct {
	Radius    int
	Step      int
	Footprint int
}

func (p PlacementParams) normalized() PlacementParams {
	if p.Radius < 0 {
		p.Radius = 0
	}
	if p.Step <= 0 {
		p.Step = 1
	}
	if p.Footprint <= 0 {
		p.Footprint = 1
	}
	return p
}

// FindPlacementSite scans the square of the given radius around origin,
// z-major then x, and returns the first center whose footprint has one
// solid floor block type at y-1 and nothing at y, and whose ceiling cell at y+1 is clear.
// The origin itself is never a candidate. Blocks outside the reader's view
// disqualify a candidate; any other read error aborts the scan.
func FindPlacementSite(ctx context.Context, r BlockReader, origin actuator.Vec3, p PlacementParams) (actuator.Vec3, bool, error) {
	p = p.normalized()
	for dz := -p.Radius; dz <= p.Radius; dz += p.Step {
		for dx := -p.Radius; dx <= p.Radius; dx += p.Step {
			if dx == 0 && dz == 0 {
				continue
			}
			if err := ctx.Err(); err != nil {
				return actuator.Vec3{}, false, err
			}
			c := origin.Add(actuator.Vec3{X: dx, Z: dz})
			ok, err := siteOK(ctx, r, c, p.Footprint)
			if err != nil {
				return actuator.Vec3{}, false, err
			}
			if ok {
				return c, true, nil
			}
		}
	}
	return actuator.Vec3{}, false, nil
}

func siteOK(ctx context.Context, r BlockReader, c actuator.Vec3, footprint int) (bool, error) {
	lo := -(footprint / 2)
	hi := lo + footprint - 1
	var want string
	for fz := lo; fz <= hi; fz++ {
		for fx := lo; fx <= hi; fx++ {
			cell := c.Add(actuator.Vec3{X: fx, Z: fz})
			floor, err := r.BlockAt(ctx, cell.Add(actuator.Down))
			if err != nil || !solid(floor) {
				return false, ignoreUnseen(err)
			}
			floor = strings.TrimPrefix(strings.ToLower(floor), "minecraft:")
			if want == "" {
				want = floor
			} else if floor != want {
				return false, nil
			}
			at, err := r.BlockAt(ctx, cell)
			if err != nil || !actuator.IsAir(at) {
				return false, ignoreUnseen(err)
			}
		}
	}
	ceil, err := r.BlockAt(ctx, c.Add(actuator.Up))
	if err != nil {
		return false, ignoreUnseen(err)
	}
	return actuator.IsAir(ceil), nil
}

func ignoreUnseen(err error) error {
	if errors.Is(err, actuator.ErrNotFound) {
		return nil
	}
	return err
}

// solid excludes air and fluids.
func solid(block string) bool {
	if actuator.IsAir(block) {
		return false
	}
	b := strings.TrimPrefix(strings.ToLower(block), "minecraft:")
	switch b {
	case "water", "lava", "flowing_water", "flowing_lava":
		return false
	}
	return !strings.HasSuffix(b, "_leaves")
}
