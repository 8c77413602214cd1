package survival

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"craftpilot.ai/internal/actuator"
)

type countingReader struct {
	inner BlockReader
	reads int
}

func (c *countingReader) BlockAt(ctx context.Context, p actuator.Vec3) (string, error) {
	c.reads++
	return c.inner.BlockAt(ctx, p)
}

func TestFindPlacementSite_ExhaustsRegion(t *testing.T) {
	w, _ := emptyWorld(t)
	for _, step := range []int{1, 2} {
		r := &countingReader{inner: w}
		_, ok, err := FindPlacementSite(context.Background(), r, actuator.Vec3{}, PlacementParams{Radius: 6, Step: step, Footprint: 3})
		require.NoError(t, err)
		require.False(t, ok)
		side := 12/step + 1
		// Every candidate but the origin fails on its first floor read.
		require.Equal(t, side*side-1, r.reads, "step %d", step)
	}
}

func TestFindPlacementSite_FirstInScanOrder(t *testing.T) {
	w, _ := emptyWorld(t)
	w.Fill(actuator.Vec3{X: -6, Y: -1, Z: -6}, actuator.Vec3{X: 6, Y: -1, Z: 6}, "dirt")
	p := PlacementParams{Radius: 3, Step: 1, Footprint: 3}

	site, ok, err := FindPlacementSite(context.Background(), w, actuator.Vec3{}, p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, actuator.Vec3{X: -3, Z: -3}, site)

	w.SetBlock(actuator.Vec3{X: -3, Z: -3}, "oak_log")
	site, ok, err = FindPlacementSite(context.Background(), w, actuator.Vec3{}, p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, actuator.Vec3{X: -1, Z: -3}, site)
}

func TestFindPlacementSite_RejectsFluidFloorAndLowCeiling(t *testing.T) {
	w, _ := emptyWorld(t)
	w.Fill(actuator.Vec3{X: -1, Y: -1, Z: -1}, actuator.Vec3{X: 3, Y: -1, Z: 1}, "water")
	p := PlacementParams{Radius: 2, Step: 1, Footprint: 3}
	_, ok, err := FindPlacementSite(context.Background(), w, actuator.Vec3{}, p)
	require.NoError(t, err)
	require.False(t, ok)

	w.Fill(actuator.Vec3{X: 0, Y: -1, Z: -1}, actuator.Vec3{X: 2, Y: -1, Z: 1}, "stone")
	w.SetBlock(actuator.Vec3{X: 1, Y: 1}, "stone")
	_, ok, err = FindPlacementSite(context.Background(), w, actuator.Vec3{}, p)
	require.NoError(t, err)
	require.False(t, ok)

	w.SetBlock(actuator.Vec3{X: 1, Y: 1}, "air")
	site, ok, err := FindPlacementSite(context.Background(), w, actuator.Vec3{}, p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, actuator.Vec3{X: 1}, site)
}

func TestFindPlacementSite_RequiresUniformFloor(t *testing.T) {
	w, _ := emptyWorld(t)
	w.Fill(actuator.Vec3{X: 0, Y: -1, Z: -1}, actuator.Vec3{X: 2, Y: -1, Z: 1}, "dirt")
	w.SetBlock(actuator.Vec3{X: 1, Y: -1, Z: 0}, "oak_log")
	w.SetBlock(actuator.Vec3{X: 2, Y: -1, Z: 1}, "crafting_table")
	p := PlacementParams{Radius: 1, Step: 1, Footprint: 3}

	_, ok, err := FindPlacementSite(context.Background(), w, actuator.Vec3{}, p)
	require.NoError(t, err)
	require.False(t, ok, "mixed floor accepted")

	w.SetBlock(actuator.Vec3{X: 1, Y: -1, Z: 0}, "minecraft:dirt")
	w.SetBlock(actuator.Vec3{X: 2, Y: -1, Z: 1}, "DIRT")
	site, ok, err := FindPlacementSite(context.Background(), w, actuator.Vec3{}, p)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, actuator.Vec3{X: 1}, site)
}
