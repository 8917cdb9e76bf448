package server

// ChanSvc is an ordered executor: functions queued on it run one at a time on the
// goroutine started by RunSvc.
type ChanSvc chan func()

// NewSvc creates an executor that can hold size queued functions.
func NewSvc(size int) ChanSvc {
	return make(ChanSvc, size)
}

// TrySvc queues code without blocking. It reports false when the queue is full.
func TrySvc(s ChanSvc, code func()) bool {
	select {
	case s <- code:
		return true
	default:
		return false
	}
}

// RunSvc runs a service. Close the channel to stop it.
func RunSvc(s ChanSvc) {
	go func() {
		for cmd := range s {
			cmd()
		}
	}()
}
