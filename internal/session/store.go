// Package session persists the LoRaWAN session (address, keys, counters,
// DevNonce history) across restarts.
package session

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/lorawan-node/lorawan-node/pkg/lorawan"
)

// ErrNotFound is returned by Load when no session file exists.
var ErrNotFound = errors.New("session file not found")

// MaxNonceHistory bounds the DevNonce LRU (oldest evicted first).
const MaxNonceHistory = 100

// Session is the durable device state.
type Session struct {
	DevAddr  lorawan.DevAddr
	NwkSKey  lorawan.AES128Key
	AppSKey  lorawan.AES128Key
	FCntUp   uint32
	FCntDown uint32

	LastDevNonce uint16
	UsedNonces   []uint16

	Joined bool
}

// Valid reports whether the session can carry data traffic: a device is
// joined iff DevAddr and both session keys are non-zero.
func (s *Session) Valid() bool {
	return s.Joined && !s.DevAddr.IsZero() && !s.NwkSKey.IsZero() && !s.AppSKey.IsZero()
}

// NonceUsed reports whether a DevNonce is in the history.
func (s *Session) NonceUsed(nonce uint16) bool {
	for _, n := range s.UsedNonces {
		if n == nonce {
			return true
		}
	}
	return false
}

// RecordNonce appends a DevNonce to the history, evicting the oldest
// entry beyond MaxNonceHistory.
func (s *Session) RecordNonce(nonce uint16) {
	s.LastDevNonce = nonce
	s.UsedNonces = append(s.UsedNonces, nonce)
	if len(s.UsedNonces) > MaxNonceHistory {
		s.UsedNonces = s.UsedNonces[len(s.UsedNonces)-MaxNonceHistory:]
	}
}

// sessionFile is the on-disk JSON schema. devAddr is written in network
// order (MSB first), the way an operator reads it off the network server;
// on the wire and in memory it is little-endian, so load/save reverse it.
type sessionFile struct {
	DevAddr         string   `json:"devAddr"`
	NwkSKey         string   `json:"nwkSKey"`
	AppSKey         string   `json:"appSKey"`
	UplinkCounter   uint32   `json:"uplinkCounter"`
	DownlinkCounter uint32   `json:"downlinkCounter"`
	LastDevNonce    uint16   `json:"lastDevNonce"`
	UsedNonces      []uint16 `json:"usedNonces"`
	Joined          bool     `json:"joined"`
}

// Store reads and writes one session file.
type Store struct {
	path string
}

// NewStore returns a store bound to path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the session file location.
func (st *Store) Path() string {
	return st.path
}

// Load reads the session. Missing fields fall back to zero values with
// joined=false; a missing file returns ErrNotFound.
func (st *Store) Load() (*Session, error) {
	data, err := os.ReadFile(st.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var f sessionFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}

	s := &Session{
		FCntUp:       f.UplinkCounter,
		FCntDown:     f.DownlinkCounter,
		LastDevNonce: f.LastDevNonce,
		UsedNonces:   f.UsedNonces,
		Joined:       f.Joined,
	}

	if f.DevAddr != "" {
		var reversed lorawan.DevAddr
		if err := decodeHex(f.DevAddr, reversed[:]); err != nil {
			return nil, fmt.Errorf("parse devAddr: %w", err)
		}
		for i := 0; i < 4; i++ {
			s.DevAddr[i] = reversed[3-i]
		}
	}
	if f.NwkSKey != "" {
		if err := decodeHex(f.NwkSKey, s.NwkSKey[:]); err != nil {
			return nil, fmt.Errorf("parse nwkSKey: %w", err)
		}
	}
	if f.AppSKey != "" {
		if err := decodeHex(f.AppSKey, s.AppSKey[:]); err != nil {
			return nil, fmt.Errorf("parse appSKey: %w", err)
		}
	}

	log.Debug().
		Str("path", st.path).
		Str("devAddr", s.DevAddr.String()).
		Uint32("fCntUp", s.FCntUp).
		Bool("joined", s.Joined).
		Msg("session loaded")

	return s, nil
}

// Save writes the session atomically: temp file in the same directory,
// then rename.
func (st *Store) Save(s *Session) error {
	var reversed lorawan.DevAddr
	for i := 0; i < 4; i++ {
		reversed[i] = s.DevAddr[3-i]
	}

	f := sessionFile{
		DevAddr:         reversed.String(),
		NwkSKey:         s.NwkSKey.String(),
		AppSKey:         s.AppSKey.String(),
		UplinkCounter:   s.FCntUp,
		DownlinkCounter: s.FCntDown,
		LastDevNonce:    s.LastDevNonce,
		UsedNonces:      s.UsedNonces,
		Joined:          s.Joined,
	}

	data, err := json.MarshalIndent(&f, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	dir := filepath.Dir(st.path)
	tmp, err := os.CreateTemp(dir, ".session-*.json")
	if err != nil {
		return fmt.Errorf("create temp session file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp session file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp session file: %w", err)
	}

	if err := os.Rename(tmp.Name(), st.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename session file: %w", err)
	}

	return nil
}

// Clear deletes the session file. A missing file is not an error.
func (st *Store) Clear() error {
	if err := os.Remove(st.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}

func decodeHex(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(dst) {
		return fmt.Errorf("invalid hex length %d, want %d", len(b), len(dst))
	}
	copy(dst, b)
	return nil
}
