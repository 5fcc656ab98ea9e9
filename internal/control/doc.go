// Package control provides the feedback law behind joint actuators.
//
// [PID] implements [dynamo.Controller] and [dynamo.Configurable]; the
// actuator's command becomes its target and the output is the effort
// (torque or force) applied to the joint.
//
//	pid := control.NewPID(40, 0, 8, 0)
//	pid.SetTarget(cmd)
//	u := pid.Compute(jointState, t)
package control
