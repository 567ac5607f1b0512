package server

import "sync"

// Presence counts live websocket connections per sender.
type Presence struct {
	mu     sync.Mutex
	online map[string]int
}

func NewPresence() *Presence {
	return &Presence{online: make(map[string]int)}
}

func (p *Presence) Increment(sender string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online[sender]++
	return p.online[sender]
}

func (p *Presence) Decrement(sender string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	count, ok := p.online[sender]
	if !ok {
		return 0
	}
	if count <= 1 {
		delete(p.online, sender)
		return 0
	}
	p.online[sender] = count - 1
	return p.online[sender]
}

func (p *Presence) Online(sender string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online[sender] > 0
}

// ActiveCount is the number of distinct senders online.
func (p *Presence) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.online)
}
