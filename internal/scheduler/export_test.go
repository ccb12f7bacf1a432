package scheduler

// SetHeldHook installs fn to run between the worker popping a due request
// and committing its delivery. Must be called before Start.
func SetHeldHook(s *Scheduler, fn func(Request)) { s.heldHook = fn }
