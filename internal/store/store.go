// Package store keeps the node's local durable state: its own identity, the
// relay registration, the game book, and append-only logs of inbound
// messages and invitations.
package store

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"duelnet/internal/proto"
)

const (
	identityFile = "identity.json"
	gamesFile    = "games.json"
	inboxFile    = "inbox.jsonl"
	invitesFile  = "invites.jsonl"
)

// Rotation limits for the JSONL logs. Variables so tests can shrink them.
var (
	MaxBytesPerFile int64 = 8 << 20
	MaxRotations          = 3
)

const maxScanSize = 2 * proto.MaxFrameSize

var ErrUnknownGame = errors.New("store: unknown game")

type GameStatus string

const (
	GameActive GameStatus = "active"
	GameGone   GameStatus = "gone"
)

type Game struct {
	ID        uint32     `json:"id"`
	Peer      string     `json:"peer"`
	Status    GameStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// InboxEntry is one accepted MESSAGE.
type InboxEntry struct {
	From      string    `json:"from"`
	GameID    uint32    `json:"game_id"`
	MessageID string    `json:"message_id"`
	Body      []byte    `json:"body"`
	Hash      string    `json:"hash"`
	At        time.Time `json:"at"`
}

// InviteEntry is one accepted INVITE.
type InviteEntry struct {
	From   string    `json:"from"`
	GameID uint32    `json:"game_id"`
	Body   []byte    `json:"body"`
	At     time.Time `json:"at"`
}

type identityRecord struct {
	Own        string `json:"own_identity,omitempty"`
	Relay      string `json:"relay_identity,omitempty"`
	FallbackID string `json:"fallback_id,omitempty"`
}

type Store struct {
	dir string
	now func() time.Time

	mu       sync.Mutex
	identity identityRecord
	games    map[uint32]Game
	seen     map[string]struct{}
}

// Open loads (or creates) the state under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	s := &Store{
		dir:   dir,
		now:   time.Now,
		games: make(map[uint32]Game),
		seen:  make(map[string]struct{}),
	}
	if err := readJSON(s.path(identityFile), &s.identity); err != nil {
		return nil, fmt.Errorf("store: load identity: %w", err)
	}
	var games []Game
	if err := readJSON(s.path(gamesFile), &games); err != nil {
		return nil, fmt.Errorf("store: load games: %w", err)
	}
	for _, g := range games {
		s.games[g.ID] = g
	}
	err := scanJSONL(s.path(inboxFile), func(line []byte) {
		var e InboxEntry
		if json.Unmarshal(line, &e) == nil && e.Hash != "" {
			s.seen[e.Hash] = struct{}{}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("store: load inbox: %w", err)
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) path(name string) string {
	return filepath.Join(s.dir, name)
}

// OwnIdentity is the identity peers know this node by, once learned.
func (s *Store) OwnIdentity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.Own
}

func (s *Store) SetOwnIdentity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.identity.Own == id {
		return nil
	}
	next := s.identity
	next.Own = id
	if err := writeJSONAtomic(s.path(identityFile), next); err != nil {
		return err
	}
	s.identity = next
	return nil
}

func (s *Store) RelayIdentity() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity.Relay, s.identity.FallbackID
}

func (s *Store) SaveRelayIdentity(identity, fallbackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.identity
	next.Relay = identity
	next.FallbackID = fallbackID
	if err := writeJSONAtomic(s.path(identityFile), next); err != nil {
		return err
	}
	s.identity = next
	return nil
}

// AddGame records a game started locally. Re-adding an active game is a no-op.
func (s *Store) AddGame(id uint32, peer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.addGameLocked(id, peer)
	return err
}

func (s *Store) addGameLocked(id uint32, peer string) (bool, error) {
	if g, ok := s.games[id]; ok && g.Status == GameActive {
		return false, nil
	}
	now := s.now()
	s.games[id] = Game{ID: id, Peer: peer, Status: GameActive, CreatedAt: now, UpdatedAt: now}
	if err := s.saveGamesLocked(); err != nil {
		delete(s.games, id)
		return false, err
	}
	return true, nil
}

func (s *Store) Game(id uint32) (Game, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	return g, ok
}

func (s *Store) Games() []Game {
	s.mu.Lock()
	out := make([]Game, 0, len(s.games))
	for _, g := range s.games {
		out = append(out, g)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasGame reports whether id names an active game.
func (s *Store) HasGame(id uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[id]
	return ok && g.Status == GameActive
}

// DeliverMessage appends a message for an active game to the inbox. Messages
// are told apart by (from, gameID, messageID): one already in the inbox is
// accepted again without a second record, whatever its body.
func (s *Store) DeliverMessage(from string, gameID uint32, messageID string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.games[gameID]; !ok || g.Status != GameActive {
		return fmt.Errorf("%w: %d", ErrUnknownGame, gameID)
	}
	h := messageKey(from, gameID, messageID)
	if _, ok := s.seen[h]; ok {
		return nil
	}
	e := InboxEntry{From: from, GameID: gameID, MessageID: messageID, Body: body, Hash: h, At: s.now()}
	if err := AppendJSONL(s.path(inboxFile), e); err != nil {
		return err
	}
	s.seen[h] = struct{}{}
	return nil
}

// ReceiveInvite opens a game on behalf of a remote peer. duplicate is true
// when the game is already active, in which case nothing is recorded.
func (s *Store) ReceiveInvite(from string, gameID uint32, body []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	added, err := s.addGameLocked(gameID, from)
	if err != nil {
		return false, err
	}
	if !added {
		return true, nil
	}
	e := InviteEntry{From: from, GameID: gameID, Body: body, At: s.now()}
	return false, AppendJSONL(s.path(invitesFile), e)
}

// TearDownGame marks a game gone. Unknown and already-gone games are fine.
func (s *Store) TearDownGame(gameID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok || g.Status == GameGone {
		return nil
	}
	prev := g
	g.Status = GameGone
	g.UpdatedAt = s.now()
	s.games[gameID] = g
	if err := s.saveGamesLocked(); err != nil {
		s.games[gameID] = prev
		return err
	}
	return nil
}

// Inbox lists accepted messages oldest first, optionally for one game (0 for
// all).
func (s *Store) Inbox(gameID uint32) ([]InboxEntry, error) {
	var out []InboxEntry
	err := scanJSONL(s.path(inboxFile), func(line []byte) {
		var e InboxEntry
		if json.Unmarshal(line, &e) == nil && (gameID == 0 || e.GameID == gameID) {
			out = append(out, e)
		}
	})
	return out, err
}

func (s *Store) Invites() ([]InviteEntry, error) {
	var out []InviteEntry
	err := scanJSONL(s.path(invitesFile), func(line []byte) {
		var e InviteEntry
		if json.Unmarshal(line, &e) == nil {
			out = append(out, e)
		}
	})
	return out, err
}

func (s *Store) saveGamesLocked() error {
	games := make([]Game, 0, len(s.games))
	for _, g := range s.games {
		games = append(games, g)
	}
	sort.Slice(games, func(i, j int) bool { return games[i].ID < games[j].ID })
	return writeJSONAtomic(s.path(gamesFile), games)
}

func messageKey(from string, gameID uint32, messageID string) string {
	h := sha3.New256()
	fmt.Fprintf(h, "%s\x00%d\x00%s", from, gameID, messageID)
	return hex.EncodeToString(h.Sum(nil))
}

// AppendJSONL appends v as one line, rotating the file once it grows past
// MaxBytesPerFile.
func AppendJSONL(path string, v any) error {
	if err := rotateIfNeeded(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(v); err != nil {
		return err
	}
	return f.Sync()
}

func rotateIfNeeded(path string) error {
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if st.Size() < MaxBytesPerFile || MaxRotations <= 0 {
		return nil
	}
	_ = os.Remove(rotatedPath(path, MaxRotations))
	for i := MaxRotations - 1; i >= 1; i-- {
		if err := os.Rename(rotatedPath(path, i), rotatedPath(path, i+1)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := os.Rename(path, rotatedPath(path, 1)); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func rotatedPath(path string, n int) string {
	return fmt.Sprintf("%s.%d", path, n)
}

// scanJSONL feeds every line of path and its rotations to fn, oldest first.
func scanJSONL(path string, fn func([]byte)) error {
	paths := make([]string, 0, MaxRotations+1)
	for i := MaxRotations; i >= 1; i-- {
		paths = append(paths, rotatedPath(path, i))
	}
	paths = append(paths, path)
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
		err = scanLines(f, fn)
		_ = f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func scanLines(r io.Reader, fn func([]byte)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxScanSize)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			fn(sc.Bytes())
		}
	}
	return sc.Err()
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	// close before rename so it also works on windows
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	syncDir(path)
	return nil
}

func syncDir(path string) {
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return
	}
	defer dir.Close()
	_ = dir.Sync()
}
