package api

import (
	"net/http"
	"sync"

	"github.com/star/ephemgo/internal/httputil"
)

// inflightLimiter caps concurrent upstream-bound requests per client IP and
// in total.
type inflightLimiter struct {
	mu       sync.Mutex
	byIP     map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newInflightLimiter(maxPerIP, maxTotal int) *inflightLimiter {
	return &inflightLimiter{
		byIP:     make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// acquire reserves a slot for ip. It returns false when the IP or the
// global limit is reached.
func (l *inflightLimiter) acquire(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.total >= l.maxTotal || l.byIP[ip] >= l.maxPerIP {
		return false
	}
	l.byIP[ip]++
	l.total++
	return true
}

func (l *inflightLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.byIP[ip]--
	l.total--
	if l.byIP[ip] <= 0 {
		delete(l.byIP, ip)
	}
}

func (l *inflightLimiter) inflight(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.byIP[ip]
}

// wrap rejects requests beyond the limit with 429.
func (l *inflightLimiter) wrap(trustProxy bool, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ip := httputil.ClientIP(r, trustProxy)
		if !l.acquire(ip) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":               "too many concurrent requests",
				"max_inflight_per_ip": l.maxPerIP,
			})
			return
		}
		defer l.release(ip)
		next(w, r)
	}
}
