package worldtest

import (
	"time"

	"craftpilot.ai/internal/actuator"
	"craftpilot.ai/internal/recipes"
)

type Options struct {
	Seed   int64
	Radius int
	// TreePermille is the chance per surface column of a tree trunk.
	TreePermille uint64
	// IronPermille is the chance per stone block of iron ore.
	IronPermille uint64
	TickDelay    time.Duration
	Starter      map[string]int
}

func (o *Options) normalize() {
	if o.Radius <= 0 {
		o.Radius = 16
	}
	if o.TreePermille == 0 {
		o.TreePermille = 40
	}
	if o.IronPermille == 0 {
		o.IronPermille = 60
	}
}

// Layers of a generated world, by y.
const (
	SurfaceY   = -1
	StoneTopY  = -4
	StoneFloor = -8
	trunkTop   = 3
	spawnClear = 2
)

// Generate builds a flat, seeded world: grass at SurfaceY, two dirt layers,
// then stone with iron ore down to StoneFloor. Oak trunks are scattered on
// the surface outside the spawn area.
func Generate(cat *recipes.Catalog, res *recipes.Resolver, opts Options) *World {
	opts.normalize()
	w := New(cat, res)
	w.TickDelay = opts.TickDelay
	w.Gravity = true
	r := opts.Radius
	for z := -r; z <= r; z++ {
		for x := -r; x <= r; x++ {
			w.blocks[actuator.Vec3{X: x, Y: SurfaceY, Z: z}] = "grass_block"
			for y := SurfaceY - 1; y > StoneTopY; y-- {
				w.blocks[actuator.Vec3{X: x, Y: y, Z: z}] = "dirt"
			}
			for y := StoneTopY; y >= StoneFloor; y-- {
				b := "stone"
				if hash3(opts.Seed, x, y, z)%1000 < opts.IronPermille {
					b = "iron_ore"
				}
				w.blocks[actuator.Vec3{X: x, Y: y, Z: z}] = b
			}
			if x*x+z*z <= spawnClear*spawnClear {
				continue
			}
			if hash2(opts.Seed, x, z)%1000 < opts.TreePermille {
				for y := 0; y <= trunkTop; y++ {
					w.blocks[actuator.Vec3{X: x, Y: y, Z: z}] = "oak_log"
				}
			}
		}
	}
	for item, n := range opts.Starter {
		w.inv[item] += n
	}
	return w
}

func mix64(z uint64) uint64 {
	z += 0x9e3779b97f4a7c15
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

func hash2(seed int64, x, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uz := uint64(uint32(int32(z)))
	return mix64(uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uz * 0xbf58476d1ce4e5b9))
}

func hash3(seed int64, x, y, z int) uint64 {
	ux := uint64(uint32(int32(x)))
	uy := uint64(uint32(int32(y)))
	uz := uint64(uint32(int32(z)))
	return mix64(uint64(seed) ^ (ux * 0x9e3779b97f4a7c15) ^ (uy * 0xc2b2ae3d27d4eb4f) ^ (uz * 0xbf58476d1ce4e5b9))
}
