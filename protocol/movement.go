package protocol

import (
	"encoding/json"
	"fmt"
	"math"
)

// MovementKey 移动按键位图
type MovementKey int

const (
	KeyLeft  MovementKey = 1 << iota // 0b0000001
	KeyUp                            // 0b0000010
	KeyRight                         // 0b0000100
	KeyDown                          // 0b0001000
	KeyShift                         // 0b0010000
	KeyCtrl                          // 0b0100000
	KeySpace                         // 0b1000000
)

// MovementKeys 位序，与位图下标一一对应
var MovementKeys = []MovementKey{KeyLeft, KeyUp, KeyRight, KeyDown, KeyShift, KeyCtrl, KeySpace}

// SprintMultiplier CTRL 按下时的速度倍数
const SprintMultiplier = 2.0

const keyMask = 1<<7 - 1

func (k MovementKey) String() string {
	switch k {
	case KeyLeft:
		return "LEFT"
	case KeyUp:
		return "UP"
	case KeyRight:
		return "RIGHT"
	case KeyDown:
		return "DOWN"
	case KeyShift:
		return "SHIFT"
	case KeyCtrl:
		return "CTRL"
	case KeySpace:
		return "SPACE"
	default:
		return fmt.Sprintf("MovementKey(%d)", int(k))
	}
}

// MapKeys 把按下的键集合压成位图，多余位被屏蔽
func MapKeys(keys ...MovementKey) int {
	bits := 0
	for _, k := range keys {
		bits |= int(k)
	}
	return bits & keyMask
}

// UnmapKeys 展开位图
func UnmapKeys(bits int) []MovementKey {
	var out []MovementKey
	for _, k := range MovementKeys {
		if bits&int(k) != 0 {
			out = append(out, k)
		}
	}
	return out
}

// Vec2 JSON 编码为 [x, y]
type Vec2 struct {
	X, Y float64
}

func (v Vec2) Add(o Vec2) Vec2 { return Vec2{v.X + o.X, v.Y + o.Y} }
func (v Vec2) Scale(f float64) Vec2 { return Vec2{v.X * f, v.Y * f} }
func (v Vec2) Length() float64 { return math.Hypot(v.X, v.Y) }
func (v Vec2) Distance(o Vec2) float64 { return math.Hypot(o.X-v.X, o.Y-v.Y) }

func (v Vec2) Normalized() Vec2 {
	l := v.Length()
	if l == 0 {
		return v
	}
	return Vec2{v.X / l, v.Y / l}
}

func (v Vec2) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{v.X, v.Y})
}

func (v *Vec2) UnmarshalJSON(b []byte) error {
	var xy []float64
	if err := json.Unmarshal(b, &xy); err != nil {
		return err
	}
	if len(xy) != 2 {
		return fmt.Errorf("protocol: position needs 2 components, got %d", len(xy))
	}
	v.X, v.Y = xy[0], xy[1]
	return nil
}

// Velocity 位图 → 归一化速度；对角线同样为单位长度，CTRL 冲刺放大
func Velocity(bits int) Vec2 {
	var v Vec2
	if bits&int(KeyLeft) != 0 {
		v = v.Add(Vec2{-1, 0})
	}
	if bits&int(KeyUp) != 0 {
		v = v.Add(Vec2{0, 1})
	}
	if bits&int(KeyRight) != 0 {
		v = v.Add(Vec2{1, 0})
	}
	if bits&int(KeyDown) != 0 {
		v = v.Add(Vec2{0, -1})
	}
	v = v.Normalized()
	if bits&int(KeyCtrl) != 0 {
		v = v.Scale(SprintMultiplier)
	}
	return v
}

// Simulate 按速度推进位置
func Simulate(pos, vel Vec2, speed, dt float64) Vec2 {
	if vel.Length() == 0 {
		return pos
	}
	return pos.Add(vel.Scale(speed * dt))
}

// MovementEvent 客户端上报：{"keys": int, "position": [x, y]}
type MovementEvent struct {
	Keys     int  `json:"keys"`
	Position Vec2 `json:"position"`
}

func (e MovementEvent) Packet() (Packet, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return Packet{}, err
	}
	return Packet{Type: PacketMovement, Payload: b}, nil
}

func (e MovementEvent) String() string {
	return fmt.Sprintf("MovementEvent(keys=%d, position=(%g, %g))", e.Keys, e.Position.X, e.Position.Y)
}

func ParseMovementEvent(payload []byte) (MovementEvent, error) {
	var e MovementEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return MovementEvent{}, err
	}
	return e, nil
}
