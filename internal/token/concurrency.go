package token

import "sync"

// MediaType distinguishes the two admission pools per token
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
)

type slotKey struct {
	tokenID int64
	media   MediaType
}

// AdmissionController bounds in-flight jobs per token and media type.
// Admission is non-blocking: a full token is rejected, never queued.
type AdmissionController struct {
	mu       sync.Mutex
	inFlight map[slotKey]int
}

// NewAdmissionController creates an empty controller
func NewAdmissionController() *AdmissionController {
	return &AdmissionController{
		inFlight: make(map[slotKey]int),
	}
}

// Acquire tries to take a slot. A limit of -1 always succeeds; any
// non-negative limit is a hard ceiling. The count is incremented even
// for unlimited tokens so InFlight stays meaningful.
func (a *AdmissionController) Acquire(tokenID int64, media MediaType, limit int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := slotKey{tokenID, media}
	if limit >= 0 && a.inFlight[key] >= limit {
		return false
	}
	a.inFlight[key]++
	return true
}

// Release frees a slot, floored at zero
func (a *AdmissionController) Release(tokenID int64, media MediaType) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := slotKey{tokenID, media}
	if a.inFlight[key] > 0 {
		a.inFlight[key]--
	}
	if a.inFlight[key] == 0 {
		delete(a.inFlight, key)
	}
}

// InFlight reports the current count for a token and media type
func (a *AdmissionController) InFlight(tokenID int64, media MediaType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight[slotKey{tokenID, media}]
}

// HasSlot reports whether an Acquire would currently succeed
func (a *AdmissionController) HasSlot(tokenID int64, media MediaType, limit int) bool {
	if limit < 0 {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight[slotKey{tokenID, media}] < limit
}
