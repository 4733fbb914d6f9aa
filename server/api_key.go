/******************************************************************************
 *
 *  Description :
 *
 *  Validation of API keys presented by trusted collaborators (the store's
 *  broadcast ingest). Not used for end-user authentication.
 *
 *****************************************************************************/

package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/md5"
	"encoding/base64"

	"github.com/emberchat/ember/server/logs"
)

// Signed API key. Composition:
//   [1:algorithm version][4:appid][2:key sequence][1:isRoot][16:signature] = 24 bytes
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

// checkAPIKey validates the key's signature against the given salt.
func checkAPIKey(apikey string, salt []byte) (isValid, isRoot bool) {
	if declen := base64.URLEncoding.DecodedLen(len(apikey)); declen != apikeyLength {
		return
	}

	data, err := base64.URLEncoding.DecodeString(apikey)
	if err != nil {
		logs.Warn.Println("failed to decode.base64 apikey", err)
		return
	}
	if data[0] != 1 {
		logs.Warn.Println("unknown apikey signature algorithm", data[0])
		return
	}

	hasher := hmac.New(md5.New, salt)
	hasher.Write(data[:apikeyVersion+apikeyAppID+apikeySequence+apikeyWho])
	check := hasher.Sum(nil)
	if !bytes.Equal(data[apikeyVersion+apikeyAppID+apikeySequence+apikeyWho:], check) {
		logs.Warn.Println("invalid apikey signature")
		return
	}

	isRoot = data[apikeyVersion+apikeyAppID+apikeySequence] == 1

	isValid = true

	return
}
