// Copyright 2025 The gupshup Authors
// SPDX-License-Identifier: Apache-2.0

package cryptobox

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"sort"
	"strings"
)

// DefaultNGram is the n-gram width used for blind indexing when callers do not
// override it. Three-character grams are the substring-search sweet spot: the
// query must be at least three characters, and token counts stay bounded.
const DefaultNGram = 3

// BlindTokens lower-cases text, builds its n-gram set and keyed-MACs each gram
// with the index key. The result is deterministic for a given (key, text) pair
// so equal plaintext always produces equal tokens, while the tokens reveal
// nothing about the plaintext to the storage layer. Returned tokens are sorted
// and de-duplicated.
func (e *Engine) BlindTokens(text string, n int) []string {
	if n <= 0 {
		n = DefaultNGram
	}
	grams := ngrams(text, n)
	if len(grams) == 0 {
		return nil
	}
	tokens := make([]string, 0, len(grams))
	for _, g := range grams {
		mac := hmac.New(sha256.New, e.indexKey)
		mac.Write([]byte(g))
		tokens = append(tokens, base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	}
	sort.Strings(tokens)
	return tokens
}

// ngrams returns the sorted n-gram set of s, lower-cased. Strings shorter than
// n become a single gram so short values remain searchable by exact match.
func ngrams(s string, n int) []string {
	s = strings.ToLower(s)
	if s == "" {
		return nil
	}
	runes := []rune(s)
	if len(runes) <= n {
		return []string{s}
	}
	set := make(map[string]struct{}, len(runes)-n+1)
	for i := 0; i+n <= len(runes); i++ {
		set[string(runes[i:i+n])] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}
