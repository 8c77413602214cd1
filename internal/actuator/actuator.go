// Package actuator defines the capabilities the bot core consumes from the
// world. Every call may block until the world reports completion; callers
// bound each call with a context deadline.
package actuator

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout is returned when the world did not confirm an action in time.
	ErrTimeout = errors.New("actuator: timed out")
	// ErrDisconnected is returned once the world link is gone. It is terminal
	// for the current connection.
	ErrDisconnected = errors.New("actuator: disconnected")
	// ErrRejected is returned when the world refused or failed an action.
	ErrRejected = errors.New("actuator: rejected")
	// ErrNotFound is returned when a block or item cannot be found nearby.
	ErrNotFound = errors.New("actuator: not found")
)

// RejectedError carries the world's failure code.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message == "" {
		return "actuator: rejected: " + e.Code
	}
	return fmt.Sprintf("actuator: rejected: %s: %s", e.Code, e.Message)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

type Vec3 struct {
	X int `json:"x"`
	Y int `json:"y"`
	Z int `json:"z"`
}

func (v Vec3) Add(o Vec3) Vec3 { return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z} }

func (v Vec3) String() string { return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z) }

func (v Vec3) Array() [3]int { return [3]int{v.X, v.Y, v.Z} }

func FromArray(a [3]int) Vec3 { return Vec3{X: a[0], Y: a[1], Z: a[2]} }

// DistSq is the squared euclidean distance.
func (v Vec3) DistSq(o Vec3) int {
	dx, dy, dz := v.X-o.X, v.Y-o.Y, v.Z-o.Z
	return dx*dx + dy*dy + dz*dz
}

var (
	Up   = Vec3{Y: 1}
	Down = Vec3{Y: -1}
)

// Item is one held stack as reported by the world.
type Item struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

// BlockMatch selects blocks by id.
type BlockMatch func(block string) bool

// MatchAny matches any of the given ids, ignoring case and the minecraft:
// namespace.
func MatchAny(ids ...string) BlockMatch {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[normalize(id)] = true
	}
	return func(block string) bool { return set[normalize(block)] }
}

func normalize(id string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "minecraft:")
}

// IsAir reports whether a block id is empty space.
func IsAir(block string) bool {
	switch normalize(block) {
	case "", "air", "cave_air", "void_air":
		return true
	}
	return false
}

// Actuator performs world-affecting operations on behalf of the bot.
type Actuator interface {
	// LocateBlock returns the closest block within maxDist that match accepts.
	LocateBlock(ctx context.Context, match BlockMatch, maxDist int) (Vec3, bool, error)
	BlockAt(ctx context.Context, pos Vec3) (string, error)

	MoveTo(ctx context.Context, pos Vec3, tolerance float64) error
	Dig(ctx context.Context, pos Vec3) error
	// Place puts the held item against ref at ref+offset.
	Place(ctx context.Context, ref Vec3, offset Vec3) error
	Equip(ctx context.Context, item string) error
	// Craft crafts count batches of recipeID. A nil station means the
	// player's own 2x2 grid; otherwise the agent walks to the station first.
	Craft(ctx context.Context, recipeID string, count int, station *Vec3) error
	CollectDrops(ctx context.Context, center Vec3, radius int) error
	WaitTicks(ctx context.Context, n int) error
	IssueCommand(ctx context.Context, text string) error

	Inventory(ctx context.Context) ([]Item, error)
	Position(ctx context.Context) (Vec3, error)
	Vitals(ctx context.Context) (health, hunger int, err error)

	// Stop cancels in-flight movement and interaction.
	Stop(ctx context.Context) error
	// Done is closed when the world link is lost.
	Done() <-chan struct{}
}
