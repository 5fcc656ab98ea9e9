// Package engine drives a simulation backend through a run/pause/stop state
// machine.
//
// Each step the engine pulls the write side of its viewer buffer into the
// backend, steps the backend, and publishes backend state into the read
// side. Stepping happens either on a dedicated goroutine, paced against the
// wall clock, or manually through [Engine.Step].
//
// States:
//
//	STOPPED --Start--> RUNNING <--Pause/Unpause--> PAUSED
//	RUNNING|PAUSED --Stop--> STOPPED (reason STOP)
//	RUNNING --constraint--> STOPPED (MAX_NUMBER_OF_STEPS, MAX_SIMULATION_TIME, MAX_REAL_TIME)
//	RUNNING --view closed--> STOPPED (VIEWER_IS_CLOSED, unconstrained runs only)
//	RUNNING --backend error--> STOPPED (ERROR)
package engine
