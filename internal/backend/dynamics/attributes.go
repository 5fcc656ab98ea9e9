package dynamics

import (
	"math"

	"github.com/san-kum/dynsync/internal/physics"
)

func read(el any, attr string) ([]float64, bool) {
	switch e := el.(type) {
	case *body:
		switch attr {
		case "position":
			return e.x[0:3], true
		case "quaternion":
			return e.q[:], true
		case "linear_velocity":
			return e.x[3:6], true
		case "angular_velocity":
			return e.w[:], true
		case "relative_velocity":
			return append(append([]float64{}, e.x[3:6]...), e.w[:]...), true
		case "force":
			return e.force[:], true
		case "torque":
			return e.torque[:], true
		case "mass":
			return []float64{e.model.Mass}, true
		case "inertia":
			return e.model.Inertia[:], true
		}
	case *joint:
		switch {
		case attr == "joint_position":
			p := e.position()
			return p[:], true
		case attr == "joint_quaternion":
			q := e.orientation()
			return q[:], true
		case e.typ == Revolute && attr == "joint_rvalue",
			e.typ == Prismatic && attr == "joint_tvalue":
			return e.x[0:1], true
		case e.typ == Revolute && attr == "joint_angular_velocity",
			e.typ == Prismatic && attr == "joint_linear_velocity":
			return e.x[1:2], true
		case e.typ == Revolute && attr == "joint_torque",
			e.typ == Prismatic && attr == "joint_force":
			return []float64{e.total}, true
		}
	case *actuator:
		if attr == e.command() {
			return []float64{e.cmd}, true
		}
	}
	return nil, false
}

func write(el any, attr string, v []float64) bool {
	switch e := el.(type) {
	case *body:
		switch {
		case attr == "position" && len(v) == 3:
			copy(e.x[0:3], v)
		case attr == "quaternion" && len(v) == 4:
			e.q = physics.Normalize([4]float64{v[0], v[1], v[2], v[3]})
		case attr == "linear_velocity" && len(v) == 3:
			copy(e.x[3:6], v)
		case attr == "angular_velocity" && len(v) == 3:
			copy(e.w[:], v)
		case attr == "relative_velocity" && len(v) == 6:
			copy(e.x[3:6], v[:3])
			copy(e.w[:], v[3:])
		case attr == "force" && len(v) == 3:
			copy(e.force[:], v)
		case attr == "torque" && len(v) == 3:
			copy(e.torque[:], v)
		default:
			return false
		}
		return true
	case *joint:
		if len(v) != 1 {
			return false
		}
		switch {
		case e.typ == Revolute && attr == "joint_rvalue",
			e.typ == Prismatic && attr == "joint_tvalue":
			e.x[0] = v[0]
		case e.typ == Revolute && attr == "joint_angular_velocity",
			e.typ == Prismatic && attr == "joint_linear_velocity":
			e.x[1] = v[0]
		case e.typ == Revolute && attr == "joint_torque",
			e.typ == Prismatic && attr == "joint_force":
			e.effort = v[0]
		default:
			return false
		}
		return true
	case *actuator:
		if attr != e.command() || len(v) != 1 {
			return false
		}
		e.cmd = v[0]
		return true
	}
	return false
}

// command is the attribute an actuator accepts its setpoint on.
func (a *actuator) command() string {
	if a.joint.typ == Prismatic {
		return "cmd_joint_tvalue"
	}
	return "cmd_joint_rvalue"
}

// position is the moving end of the joint relative to its anchor.
func (j *joint) position() [3]float64 {
	if r, ok := j.sys.(*physics.Revolute); ok {
		return r.Tip(j.x[0])
	}
	return [3]float64{0, 0, j.x[0]}
}

// orientation is the link rotation about y for revolute joints.
func (j *joint) orientation() [4]float64 {
	if j.typ != Revolute {
		return [4]float64{1, 0, 0, 0}
	}
	half := j.x[0] / 2
	return [4]float64{math.Cos(half), 0, math.Sin(half), 0}
}
