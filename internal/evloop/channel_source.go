package evloop

// ChannelSource adapts a signal-only readiness channel to Source, used by
// the loopback rdmacore Provider in tests where there is no real fd to
// epoll. Like epoll, a value on fire means only "something is ready for
// you to dequeue" — it carries no payload; the handler invoked by the Loop
// performs the actual dequeue (Accept, PollCompletion) itself.
func ChannelSource(fire <-chan struct{}) *channelSource {
	s := &channelSource{
		events: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	go func() {
		for {
			select {
			case _, ok := <-fire:
				if !ok {
					return
				}
				select {
				case s.events <- struct{}{}:
				default:
				}
			case <-s.stop:
				return
			}
		}
	}()
	return s
}

type channelSource struct {
	events chan struct{}
	stop   chan struct{}
}

func (s *channelSource) Events() <-chan struct{} { return s.events }

func (s *channelSource) Close() error {
	close(s.stop)
	return nil
}

// NeverSource is a Source that never signals readiness, used where a Loop
// instance only needs to watch one of the two channels (e.g. a
// Shared-Memory Server's per-client Loop only watches that client's CQ, not
// a CM channel of its own).
func NeverSource() Source { return neverSource{} }

type neverSource struct{}

func (neverSource) Events() <-chan struct{} { return nil }
func (neverSource) Close() error            { return nil }
