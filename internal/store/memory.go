package store

import (
	"context"
	"sort"
	"sync"

	"github.com/atmx/reconciler/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu sync.RWMutex

	orders            map[int64]model.Order
	positions         map[int64]model.Position
	accounts          map[int64]model.Account
	marginHistories   map[int64]model.MarginHistory
	positionHistories map[int64]model.PositionHistory

	sessions      map[int64]model.PositionHistoryBySession
	sessionOrders map[int64]model.OrderWithPositionHistoryBySession
	nextID        int64

	botAccounts map[int64]bool
	botUsers    map[int64]bool

	// hook, when set, runs before every write and may fail it.
	hook func(op string) error
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:            make(map[int64]model.Order),
		positions:         make(map[int64]model.Position),
		accounts:          make(map[int64]model.Account),
		marginHistories:   make(map[int64]model.MarginHistory),
		positionHistories: make(map[int64]model.PositionHistory),
		sessions:          make(map[int64]model.PositionHistoryBySession),
		sessionOrders:     make(map[int64]model.OrderWithPositionHistoryBySession),
		botAccounts:       make(map[int64]bool),
		botUsers:          make(map[int64]bool),
	}
}

// SetErrorHook installs fn to run before every write; a non-nil result
// fails the write. op is the Store method name.
func (s *MemoryStore) SetErrorHook(fn func(op string) error) {
	s.mu.Lock()
	s.hook = fn
	s.mu.Unlock()
}

// AddBotAccounts marks accounts as bot-owned.
func (s *MemoryStore) AddBotAccounts(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.botAccounts[id] = true
	}
}

// AddBotUsers marks users as bots.
func (s *MemoryStore) AddBotUsers(ids ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		s.botUsers[id] = true
	}
}

// check runs the error hook; callers hold mu.
func (s *MemoryStore) check(op string) error {
	if s.hook == nil {
		return nil
	}
	return s.hook(op)
}

func (s *MemoryStore) UpsertOrders(_ context.Context, orders []model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpsertOrders"); err != nil {
		return err
	}
	for _, o := range orders {
		s.orders[o.ID] = o
	}
	return nil
}

func (s *MemoryStore) UpsertPositions(_ context.Context, positions []model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpsertPositions"); err != nil {
		return err
	}
	for _, p := range positions {
		s.positions[p.ID] = p
	}
	return nil
}

func (s *MemoryStore) UpsertAccounts(_ context.Context, accounts []model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("UpsertAccounts"); err != nil {
		return err
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return nil
}

func (s *MemoryStore) InsertMarginHistories(_ context.Context, rows []model.MarginHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("InsertMarginHistories"); err != nil {
		return err
	}
	for _, m := range rows {
		if _, ok := s.marginHistories[m.ID]; !ok {
			s.marginHistories[m.ID] = m
		}
	}
	return nil
}

func (s *MemoryStore) InsertPositionHistories(_ context.Context, rows []model.PositionHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("InsertPositionHistories"); err != nil {
		return err
	}
	for _, h := range rows {
		if _, ok := s.positionHistories[h.ID]; !ok {
			s.positionHistories[h.ID] = h
		}
	}
	return nil
}

func (s *MemoryStore) FindOpenSession(_ context.Context, positionID int64) (*model.PositionHistoryBySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *model.PositionHistoryBySession
	for _, ses := range s.sessions {
		if ses.PositionID != positionID || !ses.NotClosed() {
			continue
		}
		if found == nil || ses.ID > found.ID {
			c := ses
			found = &c
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *MemoryStore) SaveSession(_ context.Context, ses *model.PositionHistoryBySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("SaveSession"); err != nil {
		return err
	}
	if ses.ID == 0 {
		s.nextID++
		ses.ID = s.nextID
	}
	s.sessions[ses.ID] = *ses
	return nil
}

func (s *MemoryStore) FindSessionOrder(_ context.Context, sessionID, orderID int64) (*model.OrderWithPositionHistoryBySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, o := range s.sessionOrders {
		if o.PositionHistoryBySessionID == sessionID && o.OrderID == orderID {
			c := o
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveSessionOrder(_ context.Context, o *model.OrderWithPositionHistoryBySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check("SaveSessionOrder"); err != nil {
		return err
	}
	if o.ID == 0 {
		s.nextID++
		o.ID = s.nextID
	}
	s.sessionOrders[o.ID] = *o
	return nil
}

func (s *MemoryStore) ListSessionOrders(_ context.Context, sessionID int64, open bool) ([]model.OrderWithPositionHistoryBySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.OrderWithPositionHistoryBySession
	for _, o := range s.sessionOrders {
		if o.PositionHistoryBySessionID == sessionID && o.Open == open {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) IsBotAccount(_ context.Context, accountID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botAccounts[accountID], nil
}

func (s *MemoryStore) IsBotUser(_ context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.botUsers[userID], nil
}

// --- Inspection helpers ---

// Order returns a stored order.
func (s *MemoryStore) Order(id int64) (model.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	return o, ok
}

// Position returns a stored position.
func (s *MemoryStore) Position(id int64) (model.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[id]
	return p, ok
}

// Account returns a stored account.
func (s *MemoryStore) Account(id int64) (model.Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	return a, ok
}

// Counts reports the number of stored margin and position histories.
func (s *MemoryStore) Counts() (marginHistories, positionHistories int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.marginHistories), len(s.positionHistories)
}

// Sessions returns every session of a position ordered by id.
func (s *MemoryStore) Sessions(positionID int64) []model.PositionHistoryBySession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PositionHistoryBySession
	for _, ses := range s.sessions {
		if ses.PositionID == positionID {
			out = append(out, ses)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
