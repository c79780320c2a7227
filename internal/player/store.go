// Package player implements the Player Store of spec §4.2: a session-keyed
// cache over a write-through persistence adapter, level-of-elo bucketing,
// and the Elo K=30 rating update.
package player

import (
	"github.com/hezhaoyun/ichess-server/internal/logging"
	"github.com/hezhaoyun/ichess-server/internal/ratings"
	"github.com/hezhaoyun/ichess-server/internal/store"
)

// Record is the in-process shape of a Player Record (spec §3).
type Record struct {
	PID  string
	Name string
	Elo  int
}

type registration struct {
	pid  string
	name string
}

// Store is the Player Store: session registrations, a cache keyed by
// session id, and a write-through repository.
type Store struct {
	repo  store.Repository
	log   *logging.Logger
	cache map[string]Record
	joins map[string]registration
}

// New constructs a Store backed by repo.
func New(repo store.Repository, log *logging.Logger) *Store {
	return &Store{
		repo:  repo,
		log:   log,
		cache: make(map[string]Record),
		joins: make(map[string]registration),
	}
}

// Join records the Session Registration established by a `join` event.
func (s *Store) Join(sid, pid, name string) {
	s.joins[sid] = registration{pid: pid, name: name}
	delete(s.cache, sid)
}

// Forget drops the session registration and cache entry for sid, called on
// disconnect to keep the Player Store from growing unbounded.
func (s *Store) Forget(sid string) {
	delete(s.joins, sid)
	delete(s.cache, sid)
}

// Seed directly populates a session -> record mapping without a `join`
// event, used by the matchmaker to register a synthetic bot player.
func (s *Store) Seed(sid string, rec Record) {
	s.joins[sid] = registration{pid: rec.PID, name: rec.Name}
	s.cache[sid] = rec
	if err := s.repo.Upsert(store.PlayerRecord{PID: rec.PID, Name: rec.Name, Elo: rec.Elo}); err != nil {
		s.log.Warn("player: persisting seeded record %s failed: %v", rec.PID, err)
	}
}

// Resolve returns the Player Record bound to sid, creating one at elo 1500
// on first resolution of an unknown pid, per spec §4.2.
func (s *Store) Resolve(sid string) (Record, bool) {
	if rec, ok := s.cache[sid]; ok {
		return rec, true
	}
	reg, ok := s.joins[sid]
	if !ok {
		return Record{}, false
	}

	persisted, err := s.repo.FindOneByPID(reg.pid)
	var rec Record
	switch {
	case err == nil:
		rec = Record{PID: persisted.PID, Name: persisted.Name, Elo: persisted.Elo}
	case err == store.ErrNotFound:
		rec = Record{PID: reg.pid, Name: reg.name, Elo: ratings.DefaultElo}
		if uerr := s.repo.Upsert(store.PlayerRecord{PID: rec.PID, Name: rec.Name, Elo: rec.Elo}); uerr != nil {
			s.log.Warn("player: upsert of new player %s failed: %v", rec.PID, uerr)
		}
	default:
		// Persistence failure: per spec §7, keep going with a transient
		// in-memory record rather than blocking gameplay.
		s.log.Warn("player: read-through for %s failed: %v", reg.pid, err)
		rec = Record{PID: reg.pid, Name: reg.name, Elo: ratings.DefaultElo}
	}

	s.cache[sid] = rec
	return rec, true
}

// LevelOf is the clamped skill bucket derived from elo (spec §4.2 / GLOSSARY).
func (s *Store) LevelOf(elo int) int {
	return ratings.LevelOf(elo)
}

// ApplyRating updates both sides' ratings from a single game outcome.
// score is the winner's score (1 for a decisive win, 0.5 for a draw call
// with winnerSid/loserSid in an arbitrary but consistent order).
func (s *Store) ApplyRating(winnerSid, loserSid string, score float64) {
	winner, ok1 := s.Resolve(winnerSid)
	loser, ok2 := s.Resolve(loserSid)
	if !ok1 || !ok2 {
		s.log.Warn("player: cannot apply rating, unresolved session(s) %s / %s", winnerSid, loserSid)
		return
	}

	newWinnerElo, newLoserElo := ratings.Update(winner.Elo, loser.Elo, score)

	winner.Elo = newWinnerElo
	loser.Elo = newLoserElo
	s.cache[winnerSid] = winner
	s.cache[loserSid] = loser

	if err := s.repo.Upsert(store.PlayerRecord{PID: winner.PID, Name: winner.Name, Elo: winner.Elo}); err != nil {
		s.log.Warn("player: persisting rating for %s failed: %v", winner.PID, err)
	}
	if err := s.repo.Upsert(store.PlayerRecord{PID: loser.PID, Name: loser.Name, Elo: loser.Elo}); err != nil {
		s.log.Warn("player: persisting rating for %s failed: %v", loser.PID, err)
	}
}
