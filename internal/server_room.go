package internal

import "sync"

// roomGroup is the delivery group of one room: who is subscribed and who is
// typing. Everything in it is guarded by mu, the room's critical section.
type roomGroup struct {
	id      string
	mu      sync.Mutex
	members map[string]*Session
	typing  map[string]*typingEntry // display name -> entry
	// dead is set once the group was pruned from the hub; callers holding a
	// stale pointer look the room up again.
	dead bool
}

func newRoomGroup(id string) *roomGroup {
	return &roomGroup{
		id:      id,
		members: make(map[string]*Session),
		typing:  make(map[string]*typingEntry),
	}
}

// fanout queues payload for every member except the excluded session id.
// It returns how many sessions got the event and how many older events were
// dropped to make room. Must be called with mu held.
func (room *roomGroup) fanout(payload []byte, exclude string) (delivered int, dropped int) {
	for id, session := range room.members {
		if id == exclude {
			continue
		}
		queued, lost := session.enqueue(payload)
		if queued {
			delivered++
		}
		if lost {
			dropped++
		}
	}
	return delivered, dropped
}
