package schema

// OutputEvent reports that a config's terminal buffer changed.
type OutputEvent struct {
	ConfigID ConfigID
	Seq      RunSeq
	Fragment string
}

// RunEvent reports a run lifecycle transition.
type RunEvent struct {
	State RunState
	// Message carries the remote message on a terminal event, if any.
	Message string
}

// ConfigDeletedEvent reports that the engine removed a config.
type ConfigDeletedEvent struct {
	ConfigID ConfigID
}
