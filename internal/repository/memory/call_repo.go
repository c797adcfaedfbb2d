// Package memory holds in-process implementations of the call repositories.
// They back the service when no database is configured and in tests.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"callsession-backend/internal/domain"
	"callsession-backend/internal/service/call"
	apperrors "callsession-backend/pkg/errors"
)

type callRecord struct {
	call         *domain.Call
	participants map[int64]*domain.CallParticipant
	order        []int64
	seq          uint64
}

func (r *callRecord) clone() *callRecord {
	cp := &callRecord{
		call:         r.call.Clone(),
		participants: make(map[int64]*domain.CallParticipant, len(r.participants)),
		order:        append([]int64(nil), r.order...),
		seq:          r.seq,
	}
	for id, p := range r.participants {
		cp.participants[id] = p.Clone()
	}
	return cp
}

func (r *callRecord) list() []*domain.CallParticipant {
	out := make([]*domain.CallParticipant, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.participants[id].Clone())
	}
	return out
}

// lockStripes bounds the number of transaction locks regardless of how many
// calls the repository has seen.
const lockStripes = 64

// CallRepository keeps calls in memory. Transactions on a call hold one of a
// fixed set of striped locks picked by call id.
type CallRepository struct {
	mu       sync.RWMutex
	records  map[uuid.UUID]*callRecord
	channels map[string]uuid.UUID
	seq      uint64

	locks [lockStripes]sync.Mutex
}

// NewCallRepository creates an empty repository
func NewCallRepository() *CallRepository {
	return &CallRepository{
		records:  make(map[uuid.UUID]*callRecord),
		channels: make(map[string]uuid.UUID),
	}
}

var _ call.CallRepository = (*CallRepository)(nil)

// CreateCallWithParticipants stores a call and its participants
func (r *CallRepository) CreateCallWithParticipants(ctx context.Context, c *domain.Call, participants []*domain.CallParticipant) error {
	rec := &callRecord{
		call:         c.Clone(),
		participants: make(map[int64]*domain.CallParticipant, len(participants)),
	}
	for _, p := range participants {
		if p.CallID != c.CallID {
			return fmt.Errorf("participant %d belongs to call %s", p.UserID, p.CallID)
		}
		if _, dup := rec.participants[p.UserID]; dup {
			return fmt.Errorf("duplicate participant %d", p.UserID)
		}
		rec.participants[p.UserID] = p.Clone()
		rec.order = append(rec.order, p.UserID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.records[c.CallID]; exists {
		return fmt.Errorf("call %s already exists", c.CallID)
	}
	if _, taken := r.channels[c.ChannelName]; taken {
		return fmt.Errorf("channel name %q already in use", c.ChannelName)
	}

	r.seq++
	rec.seq = r.seq
	r.records[c.CallID] = rec
	r.channels[c.ChannelName] = c.CallID
	return nil
}

// GetCall returns a copy of the committed call
func (r *CallRepository) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return rec.call.Clone(), nil
}

// ListParticipants returns the participants in the order they were added
func (r *CallRepository) ListParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[callID]
	if !ok {
		return nil, apperrors.CallNotFoundError()
	}
	return rec.list(), nil
}

// ListUserCalls returns the calls userID takes part in, newest first
func (r *CallRepository) ListUserCalls(ctx context.Context, userID int64, limit, offset int) ([]*domain.Call, error) {
	r.mu.RLock()
	var matched []*callRecord
	for _, rec := range r.records {
		if _, ok := rec.participants[userID]; ok {
			matched = append(matched, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.call.CreatedAt.Equal(b.call.CreatedAt) {
			return a.call.CreatedAt.After(b.call.CreatedAt)
		}
		return a.seq > b.seq
	})

	if offset >= len(matched) {
		return []*domain.Call{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	calls := make([]*domain.Call, 0, len(matched))
	for _, rec := range matched {
		calls = append(calls, rec.call.Clone())
	}
	return calls, nil
}

// ListRingingBefore returns ringing calls created before cutoff, oldest first
func (r *CallRepository) ListRingingBefore(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	r.mu.RLock()
	var matched []*callRecord
	for _, rec := range r.records {
		if rec.call.Status == domain.CallStatusRinging && rec.call.CreatedAt.Before(cutoff) {
			matched = append(matched, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })
	if limit > 0 && limit < len(matched) {
		matched = matched[:limit]
	}

	ids := make([]uuid.UUID, 0, len(matched))
	for _, rec := range matched {
		ids = append(ids, rec.call.CallID)
	}
	return ids, nil
}

// WithinCall runs fn against a private copy of the call and publishes the copy
// when fn succeeds. fn must not open another transaction, since two calls may
// share a lock stripe.
func (r *CallRepository) WithinCall(ctx context.Context, callID uuid.UUID, fn func(ctx context.Context, tx call.CallTx) error) error {
	lock := r.lockFor(callID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.RLock()
	rec, ok := r.records[callID]
	if ok {
		rec = rec.clone()
	}
	r.mu.RUnlock()
	if !ok {
		return apperrors.CallNotFoundError()
	}

	if err := fn(ctx, &callTx{rec: rec}); err != nil {
		return err
	}

	r.mu.Lock()
	r.records[callID] = rec
	r.mu.Unlock()
	return nil
}

func (r *CallRepository) lockFor(callID uuid.UUID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(callID[:])
	return &r.locks[h.Sum32()%lockStripes]
}

type callTx struct {
	rec *callRecord
}

func (t *callTx) Call() *domain.Call {
	return t.rec.call.Clone()
}

func (t *callTx) GetParticipant(ctx context.Context, userID int64) (*domain.CallParticipant, error) {
	p, ok := t.rec.participants[userID]
	if !ok {
		return nil, nil
	}
	return p.Clone(), nil
}

func (t *callTx) ListParticipants(ctx context.Context) ([]*domain.CallParticipant, error) {
	return t.rec.list(), nil
}

func (t *callTx) UpdateParticipant(ctx context.Context, p *domain.CallParticipant) error {
	if _, ok := t.rec.participants[p.UserID]; !ok || p.CallID != t.rec.call.CallID {
		return fmt.Errorf("participant %d not in call %s", p.UserID, t.rec.call.CallID)
	}
	t.rec.participants[p.UserID] = p.Clone()
	return nil
}

func (t *callTx) UpdateCall(ctx context.Context, c *domain.Call) error {
	if c.CallID != t.rec.call.CallID {
		return fmt.Errorf("transaction is for call %s, not %s", t.rec.call.CallID, c.CallID)
	}
	t.rec.call = c.Clone()
	return nil
}

func (t *callTx) CountParticipantsByStatus(ctx context.Context, statuses ...domain.ParticipantStatus) (int, error) {
	n := 0
	for _, p := range t.rec.participants {
		if hasStatus(p.Status, statuses) {
			n++
		}
	}
	return n, nil
}

func (t *callTx) BulkTransitionParticipants(ctx context.Context, from []domain.ParticipantStatus, to domain.ParticipantStatus, at time.Time) (int, error) {
	n := 0
	for _, p := range t.rec.participants {
		if !hasStatus(p.Status, from) {
			continue
		}
		p.Leave(at)
		p.Status = to
		n++
	}
	return n, nil
}

func hasStatus(s domain.ParticipantStatus, set []domain.ParticipantStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
