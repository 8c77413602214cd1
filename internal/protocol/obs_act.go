package protocol

// Task kinds (long-running, reported back through TASK_DONE / TASK_FAIL events).
const (
	TaskMoveTo = "MOVE_TO"
	TaskMine   = "MINE"
	TaskPlace  = "PLACE"
	TaskCraft  = "CRAFT"
)

// Instant kinds (applied within the tick they arrive in).
const (
	InstantSay = "SAY"
	InstantEat = "EAT"
)

// Event types the bot reacts to.
const (
	EventTaskDone     = "TASK_DONE"
	EventTaskFail     = "TASK_FAIL"
	EventActionResult = "ACTION_RESULT"
)

type ObsMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	AgentID         string `json:"agent_id"`
	WorldID         string `json:"world_id,omitempty"`

	World     WorldObs     `json:"world"`
	Self      SelfObs      `json:"self"`
	Inventory []ItemStack  `json:"inventory"`
	Equipment EquipmentObs `json:"equipment"`

	Voxels   VoxelsObs   `json:"voxels"`
	Entities []EntityObs `json:"entities"`
	Events   []Event     `json:"events"`
	Tasks    []TaskObs   `json:"tasks"`
}

type WorldObs struct {
	TimeOfDay float64 `json:"time_of_day"` // 0..1
	Weather   string  `json:"weather"`
	Biome     string  `json:"biome"`
}

type SelfObs struct {
	Pos     [3]int   `json:"pos"`
	Yaw     int      `json:"yaw"`
	HP      int      `json:"hp"`
	Hunger  int      `json:"hunger"`
	Stamina float64  `json:"stamina"`
	Status  []string `json:"status"`
}

type ItemStack struct {
	Item  string `json:"item"`
	Count int    `json:"count"`
}

type EquipmentObs struct {
	MainHand string   `json:"main_hand"`
	Armor    []string `json:"armor"`
}

type VoxelsObs struct {
	Center   [3]int         `json:"center"`
	Radius   int            `json:"radius"`
	Encoding string         `json:"encoding"` // "RLE" or "DELTA"
	Data     string         `json:"data,omitempty"`
	Ops      []VoxelDeltaOp `json:"ops,omitempty"`
}

type VoxelDeltaOp struct {
	D [3]int `json:"d"` // delta from center (dx,dy,dz)
	B uint16 `json:"b"` // block palette id
}

type EntityObs struct {
	ID   string   `json:"id"`
	Type string   `json:"type"` // "AGENT", "ITEM", ...
	Pos  [3]int   `json:"pos"`
	Tags []string `json:"tags,omitempty"`

	// Set for "ITEM" entities.
	Item  string `json:"item,omitempty"`
	Count int    `json:"count,omitempty"`
}

type Event map[string]interface{}

func (e Event) str(k string) string {
	s, _ := e[k].(string)
	return s
}

func (e Event) Type() string    { return e.str("type") }
func (e Event) TaskID() string  { return e.str("task_id") }
func (e Event) Code() string    { return e.str("code") }
func (e Event) Message() string { return e.str("message") }

// Ref is the instant id an ACTION_RESULT answers.
func (e Event) Ref() string { return e.str("ref") }

func (e Event) OK() bool {
	ok, _ := e["ok"].(bool)
	return ok
}

type TaskObs struct {
	TaskID   string  `json:"task_id"`
	Kind     string  `json:"kind"`
	Progress float64 `json:"progress"`
	Target   [3]int  `json:"target,omitempty"`
	EtaTicks int     `json:"eta_ticks,omitempty"`
}

// ACT (client -> server)
type ActMsg struct {
	Type            string       `json:"type"`
	ProtocolVersion string       `json:"protocol_version"`
	ActID           string       `json:"act_id,omitempty"`
	Tick            uint64       `json:"tick"`
	AgentID         string       `json:"agent_id"`
	Instants        []InstantReq `json:"instants,omitempty"`
	Tasks           []TaskReq    `json:"tasks,omitempty"`
	Cancel          []string     `json:"cancel,omitempty"`
}

type InstantReq struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Channel string `json:"channel,omitempty"`
	Text    string `json:"text,omitempty"`

	ItemID string `json:"item_id,omitempty"`
	Count  int    `json:"count,omitempty"`
}

type TaskReq struct {
	ID   string `json:"id"`
	Type string `json:"type"`

	Target    [3]int  `json:"target,omitempty"`
	Tolerance float64 `json:"tolerance,omitempty"`

	BlockPos [3]int `json:"block_pos,omitempty"`
	RecipeID string `json:"recipe_id,omitempty"`
	Count    int    `json:"count,omitempty"`
	ItemID   string `json:"item_id,omitempty"`
}
