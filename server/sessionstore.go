/******************************************************************************
 *
 *  Description :
 *
 *  Registry of live sessions, and generation of session IDs.
 *
 *****************************************************************************/

package main

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	sf "github.com/tinode/snowflake"
	"golang.org/x/crypto/xtea"

	"github.com/emberchat/ember/server/logs"
	"github.com/emberchat/ember/wire"
)

// Outbound queue capacity per session.
const sendQueueLimit = 128

// SessionStore holds all live sessions indexed by session ID.
type SessionStore struct {
	lock sync.Mutex

	sessCache map[string]*Session

	sidGen *sidGenerator
}

// NewSessionStore initializes the session store. The key obfuscates session
// IDs so they are random looking; pass nil to use an ephemeral random key.
func NewSessionStore(key []byte) (*SessionStore, error) {
	if key == nil {
		key = make([]byte, 16)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
	}
	gen, err := newSidGenerator(1, key)
	if err != nil {
		return nil, err
	}
	return &SessionStore{
		sessCache: make(map[string]*Session),
		sidGen:    gen,
	}, nil
}

// NewSession creates a new session for an authenticated connection and saves
// it to the store. Returns the session and the count of live sessions.
func (ss *SessionStore) NewSession(conn *websocket.Conn, uid string, hub *Hub) (*Session, int) {
	s := &Session{
		ws:         conn,
		uid:        uid,
		sid:        ss.sidGen.Get(),
		lastAction: time.Now(),
		send:       make(chan []byte, sendQueueLimit),
		stop:       make(chan []byte, 1),
		subs:       make(map[wire.Topic]*Subscription),
		hub:        hub,
		store:      ss,
	}

	ss.lock.Lock()
	ss.sessCache[s.sid] = s
	count := len(ss.sessCache)
	ss.lock.Unlock()

	liveSessions.Inc()

	return s, count
}

// Get fetches a session by session ID.
func (ss *SessionStore) Get(sid string) *Session {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return ss.sessCache[sid]
}

// Delete removes the session from the store and returns the number of
// sessions still left.
func (ss *SessionStore) Delete(s *Session) int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	if _, live := ss.sessCache[s.sid]; !live {
		return len(ss.sessCache)
	}
	delete(ss.sessCache, s.sid)
	liveSessions.Dec()

	return len(ss.sessCache)
}

// Count returns the number of live sessions.
func (ss *SessionStore) Count() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	return len(ss.sessCache)
}

// Shutdown asks every live session to close. The sessions clean themselves
// up as their write loops terminate.
func (ss *SessionStore) Shutdown() {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	for _, s := range ss.sessCache {
		s.stopSession(nil)
	}

	logs.Info.Printf("sessionStore shut down, %d sessions terminated", len(ss.sessCache))
}

const sidBase64Unpadded = 11

// sidGenerator produces unique session IDs: snowflake sequence numbers
// weakly encrypted so the IDs look random.
type sidGenerator struct {
	seq    *sf.SnowFlake
	cipher *xtea.Cipher
}

func newSidGenerator(workerID uint, key []byte) (*sidGenerator, error) {
	seq, err := sf.NewSnowFlake(uint32(workerID))
	if err != nil {
		return nil, err
	}
	cipher, err := xtea.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return &sidGenerator{seq: seq, cipher: cipher}, nil
}

// Get generates a unique ID as an unpadded base64 string.
func (g *sidGenerator) Get() string {
	id, err := g.seq.Next()
	if err != nil {
		logs.Err.Println("sid: failed to generate", err)
		return ""
	}

	src := make([]byte, 8)
	dst := make([]byte, 8)
	binary.LittleEndian.PutUint64(src, id)
	g.cipher.Encrypt(dst, src)

	return base64.URLEncoding.EncodeToString(dst)[:sidBase64Unpadded]
}
