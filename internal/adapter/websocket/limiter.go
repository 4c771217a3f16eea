package websocket

import (
	"sync"
	"sync/atomic"
)

type limitReason string

const (
	limitGlobal limitReason = "global_limit"
	limitPerIP  limitReason = "per_ip_limit"
)

// connectionLimits caps concurrent sockets on this instance, in total and
// per remote IP.
type connectionLimits struct {
	current atomic.Int64
	max     int64

	mu     sync.Mutex
	ips    map[string]int
	maxPer int
}

func newConnectionLimits(max int64, maxPerIP int) *connectionLimits {
	return &connectionLimits{
		max:    max,
		ips:    make(map[string]int),
		maxPer: maxPerIP,
	}
}

// acquire takes a slot for ip. On failure nothing is held.
func (l *connectionLimits) acquire(ip string) (bool, limitReason) {
	if !l.acquireGlobal() {
		return false, limitGlobal
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.maxPer > 0 && l.ips[ip] >= l.maxPer {
		l.current.Add(-1)
		return false, limitPerIP
	}
	l.ips[ip]++
	return true, ""
}

func (l *connectionLimits) acquireGlobal() bool {
	for {
		current := l.current.Load()
		if current >= l.max {
			return false
		}
		if l.current.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (l *connectionLimits) release(ip string) {
	l.mu.Lock()
	if count := l.ips[ip]; count > 1 {
		l.ips[ip] = count - 1
	} else {
		delete(l.ips, ip)
	}
	l.mu.Unlock()

	l.current.Add(-1)
}

func (l *connectionLimits) count() int64 {
	return l.current.Load()
}
