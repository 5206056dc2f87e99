package sync

import (
	"github.com/annel0/mmo-client/internal/eventbus"
	"github.com/annel0/mmo-client/internal/protocol"
	"github.com/annel0/mmo-client/internal/vec"
)

// applyDelta вливает дельту в существующую сущность. Поля трансформа локального
// игрока трактуются как авторитативная коррекция и уходят в физический слой
// (snap при ошибке выше порога, иначе мягкое перемещение); остальные поля и все
// поля удалённых сущностей мержатся напрямую, последняя запись выигрывает.
func (m *Manager) applyDelta(d *protocol.EntityDelta) {
	isLocal := d.ID != 0 && d.ID == m.LocalID()

	var newPos, newVel *vec.Vec3Float
	var newRot *vec.Quat

	applied := m.registry.mutate(d.ID, func(e *Entity) {
		for key, value := range d.Changes {
			switch key {
			case "pos":
				if v, ok := parseVec3(value); ok {
					p := v
					newPos = &p
					if !isLocal {
						e.Position = v
					}
				}
			case "rot":
				if q, ok := parseQuat(value); ok {
					r := q
					newRot = &r
					if !isLocal {
						e.Orientation = q
					}
				}
			case "vel":
				if v, ok := parseVec3(value); ok {
					vl := v
					newVel = &vl
					if !isLocal {
						e.Velocity = v
					}
				}
			case "type":
				if s, ok := value.(string); ok {
					e.Type = s
				}
			case "owner":
				if id, ok := parseUint(value); ok {
					e.OwnerID = id
				}
			default:
				if e.Payload == nil {
					e.Payload = make(map[string]interface{})
				}
				e.Payload[key] = value
			}
		}
	})
	if !applied {
		return
	}

	if isLocal && (newPos != nil || newRot != nil || newVel != nil) {
		m.correctLocal(newPos, newRot, newVel)
	}

	m.publish(eventbus.EventEntityModified, d)
}

// correctLocal маршрутизирует авторитативную коррекцию трансформа локального
// игрока: snap при расхождении выше SnapThreshold, иначе blend через Move.
// Реестр после маршрутизации отражает серверное значение.
func (m *Manager) correctLocal(pos *vec.Vec3Float, rot *vec.Quat, velocity *vec.Vec3Float) {
	localID := m.LocalID()
	cur, ok := m.registry.Get(localID)
	if !ok {
		return
	}

	target := cur.Position
	if pos != nil {
		target = *pos
	}
	orient := cur.Orientation
	if rot != nil {
		orient = *rot
	}

	if actor := m.localActor(); actor != nil && (pos != nil || rot != nil) {
		// Ошибку считаем от фактической позы тела, а не от реестра
		errDist := 0.0
		if pos != nil {
			errDist = actor.Position().DistanceTo(*pos)
		}
		if errDist > m.opts.SnapThreshold {
			m.logger.Debug("Коррекция локального игрока: snap, ошибка %.2f > %.2f",
				errDist, m.opts.SnapThreshold)
			actor.Snap(target, orient)
		} else {
			actor.Move(target, orient)
		}
	}

	m.registry.mutate(localID, func(e *Entity) {
		if pos != nil {
			e.Position = *pos
		}
		if rot != nil {
			e.Orientation = *rot
		}
		if velocity != nil {
			e.Velocity = *velocity
		}
	})
}

// entityFromState собирает локальную сущность из транспортного состояния
func entityFromState(st *protocol.EntityState) *Entity {
	e := &Entity{
		ID:          st.ID,
		Type:        st.Type,
		OwnerID:     st.OwnerID,
		Orientation: vec.QuatIdentity(),
	}
	if len(st.Position) == 3 {
		e.Position = vec.Vec3Float{X: st.Position[0], Y: st.Position[1], Z: st.Position[2]}
	}
	if len(st.Orientation) == 4 {
		e.Orientation = vec.Quat{X: st.Orientation[0], Y: st.Orientation[1], Z: st.Orientation[2], W: st.Orientation[3]}
	}
	if len(st.Velocity) == 3 {
		e.Velocity = vec.Vec3Float{X: st.Velocity[0], Y: st.Velocity[1], Z: st.Velocity[2]}
	}
	if len(st.Fields) > 0 {
		e.Payload = make(map[string]interface{}, len(st.Fields))
		for k, v := range st.Fields {
			e.Payload[k] = v
		}
	}
	return e
}

// parseVec3 принимает вектор из JSON: массив [x,y,z] или объект {x,y,z}
func parseVec3(value interface{}) (vec.Vec3Float, bool) {
	switch v := value.(type) {
	case []interface{}:
		if len(v) != 3 {
			return vec.Vec3Float{}, false
		}
		x, ok1 := toFloat(v[0])
		y, ok2 := toFloat(v[1])
		z, ok3 := toFloat(v[2])
		if ok1 && ok2 && ok3 {
			return vec.Vec3Float{X: x, Y: y, Z: z}, true
		}
	case []float64:
		if len(v) == 3 {
			return vec.Vec3Float{X: v[0], Y: v[1], Z: v[2]}, true
		}
	case map[string]interface{}:
		x, ok1 := toFloat(v["x"])
		y, ok2 := toFloat(v["y"])
		z, ok3 := toFloat(v["z"])
		if ok1 && ok2 && ok3 {
			return vec.Vec3Float{X: x, Y: y, Z: z}, true
		}
	}
	return vec.Vec3Float{}, false
}

// parseQuat принимает кватернион из JSON: массив [x,y,z,w] или объект {x,y,z,w}
func parseQuat(value interface{}) (vec.Quat, bool) {
	switch v := value.(type) {
	case []interface{}:
		if len(v) != 4 {
			return vec.Quat{}, false
		}
		x, ok1 := toFloat(v[0])
		y, ok2 := toFloat(v[1])
		z, ok3 := toFloat(v[2])
		w, ok4 := toFloat(v[3])
		if ok1 && ok2 && ok3 && ok4 {
			return vec.Quat{X: x, Y: y, Z: z, W: w}, true
		}
	case []float64:
		if len(v) == 4 {
			return vec.Quat{X: v[0], Y: v[1], Z: v[2], W: v[3]}, true
		}
	case map[string]interface{}:
		x, ok1 := toFloat(v["x"])
		y, ok2 := toFloat(v["y"])
		z, ok3 := toFloat(v["z"])
		w, ok4 := toFloat(v["w"])
		if ok1 && ok2 && ok3 && ok4 {
			return vec.Quat{X: x, Y: y, Z: z, W: w}, true
		}
	}
	return vec.Quat{}, false
}

func toFloat(value interface{}) (float64, bool) {
	switch n := value.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func parseUint(value interface{}) (uint64, bool) {
	switch n := value.(type) {
	case float64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case int64:
		if n < 0 {
			return 0, false
		}
		return uint64(n), true
	case uint64:
		return n, true
	}
	return 0, false
}
