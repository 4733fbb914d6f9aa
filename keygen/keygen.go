// Command keygen generates the credentials the fanout server accepts: signed
// API keys for the broadcast ingest and bearer tokens for client handshakes.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/emberchat/ember/server/auth"
)

// Composition:
//  [1:algorithm version][4:appid][2:key sequence][1:isRoot][16:signature] = 24 bytes
// convertible to base64 without padding.
// All integers are little-endian.
const (
	apikeyVersion   = 1
	apikeyAppID     = 4
	apikeySequence  = 2
	apikeyWho       = 1
	apikeySignature = 16
	apikeyLength    = apikeyVersion + apikeyAppID + apikeySequence + apikeyWho + apikeySignature
)

func main() {
	var salt = flag.String("salt", "", "API key salt, base64.")
	var appID = flag.Int("appid", 0, "App ID to sign")
	var sequence = flag.Int("sequence", 1, "Sequential number of the API key")
	var isRoot = flag.Int("isroot", 0, "Is this a root API key?")
	var apikey = flag.String("validate", "", "API key to validate")

	var authKey = flag.String("auth_key", "", "Bearer token HMAC key, base64.")
	var user = flag.String("user", "", "User ID to mint a bearer token for")
	var expires = flag.Duration("expires", 24*time.Hour, "Bearer token lifetime")

	flag.Parse()

	switch {
	case *appID != 0:
		generate(mustDecode(*salt), *appID, *sequence, *isRoot)
	case *apikey != "":
		validate(mustDecode(*salt), *apikey)
	case *user != "":
		mint(mustDecode(*authKey), *user, *expires)
	default:
		flag.Usage()
	}
}

func mustDecode(s string) []byte {
	if s == "" {
		fmt.Println("key/salt is required")
		os.Exit(1)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		fmt.Println("failed to decode key/salt:", err)
		os.Exit(1)
	}
	return data
}

func generate(salt []byte, appID, sequence, isRoot int) {
	var data [apikeyLength]byte

	// [1:algorithm version][4:appid][2:key sequence][1:isRoot]
	data[0] = 1 // default algorithm
	binary.LittleEndian.PutUint32(data[apikeyVersion:], uint32(appID))
	binary.LittleEndian.PutUint16(data[apikeyVersion+apikeyAppID:], uint16(sequence))
	data[apikeyVersion+apikeyAppID+apikeySequence] = uint8(isRoot)

	hasher := hmac.New(md5.New, salt)
	hasher.Write(data[:apikeyVersion+apikeyAppID+apikeySequence+apikeyWho])
	signature := hasher.Sum(nil)

	copy(data[apikeyVersion+apikeyAppID+apikeySequence+apikeyWho:], signature)

	strIsRoot := "ordinary"
	if isRoot == 1 {
		strIsRoot = "ROOT"
	}

	fmt.Printf("API key v%d for (%d:%d), %s: %s\n", 1, appID, sequence, strIsRoot,
		base64.URLEncoding.EncodeToString(data[:]))
}

func validate(salt []byte, apikey string) {
	if declen := base64.URLEncoding.DecodedLen(len(apikey)); declen != apikeyLength {
		fmt.Println("INVALID:", apikey)
		return
	}

	data, err := base64.URLEncoding.DecodeString(apikey)
	if err != nil {
		fmt.Println("failed to decode.base64 apikey:", err)
		return
	}
	if data[0] != 1 {
		fmt.Println("unknown apikey signature algorithm", data[0])
		return
	}

	hasher := hmac.New(md5.New, salt)
	hasher.Write(data[:apikeyVersion+apikeyAppID+apikeySequence+apikeyWho])
	if !bytes.Equal(data[apikeyVersion+apikeyAppID+apikeySequence+apikeyWho:], hasher.Sum(nil)) {
		fmt.Println("INVALID:", apikey)
		return
	}

	appid := binary.LittleEndian.Uint32(data[apikeyVersion:])
	sequence := binary.LittleEndian.Uint16(data[apikeyVersion+apikeyAppID:])
	strIsRoot := "ordinary"
	if data[apikeyVersion+apikeyAppID+apikeySequence] == 1 {
		strIsRoot = "ROOT"
	}
	fmt.Printf("Valid (%d:%d), %s\n", appid, sequence, strIsRoot)
}

func mint(key []byte, user string, expires time.Duration) {
	v, err := auth.NewValidator(key)
	if err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
	token, err := v.Mint(user, expires)
	if err != nil {
		fmt.Println("failed to mint token:", err)
		os.Exit(1)
	}
	fmt.Printf("Bearer token for '%s', expires in %s: %s\n", user, expires, token)
}
