package pocket

import (
	"strconv"

	"tokenforge/containers"
	"tokenforge/token"
)

// addTokenLocked records a newly received token in tokens/tokenIndex or
// tatIndex and, for FUNGIBLE, the cached balance. Callers must already hold
// pk.store.mu (spec.md §3.3's index/balance invariants).
func (pk *Pocket) addTokenLocked(issuer, hash, jwt string, amount, tokenID *uint64) {
	s := pk.store.state

	bucket, ok := s.Tokens[issuer]
	if !ok {
		bucket = containers.NewStringMap()
		s.Tokens[issuer] = bucket
	}
	bucket.Set(hash, jwt)

	switch {
	case amount != nil:
		denom := strconv.FormatUint(*amount, 10)
		if s.TokenIndex[issuer] == nil {
			s.TokenIndex[issuer] = make(map[string][]string)
		}
		s.TokenIndex[issuer][denom] = append(s.TokenIndex[issuer][denom], hash)
		if s.Balances[issuer] == nil {
			s.Balances[issuer] = make(map[string]uint64)
		}
		s.Balances[issuer][defaultSetID] += *amount
	case tokenID != nil:
		id := strconv.FormatUint(*tokenID, 10)
		if s.TATIndex[issuer] == nil {
			s.TATIndex[issuer] = make(map[string]string)
		}
		s.TATIndex[issuer][id] = hash
	}
}

// removeTokenLocked deletes hash from tokens and whichever index referenced
// it, adjusting the cached balance for FUNGIBLE. Callers must already hold
// pk.store.mu. A hash this pocket never held is a no-op — spent
// notifications for tokens belonging to other pockets arrive only if this
// pocket's own identity happened to also be subscribed, which §4.4's
// recipient-addressed delivery makes impossible in practice, but the check
// keeps this safe regardless.
func (pk *Pocket) removeTokenLocked(issuer, hash string) {
	s := pk.store.state

	bucket, ok := s.Tokens[issuer]
	if !ok {
		return
	}
	jwt, ok := bucket.Get(hash)
	if !ok {
		return
	}
	bucket.Delete(hash)

	tok, err := token.Restore(jwt)
	if err != nil {
		return
	}
	switch {
	case tok.Payload.Amount != nil:
		denom := strconv.FormatUint(*tok.Payload.Amount, 10)
		if list, ok := s.TokenIndex[issuer][denom]; ok {
			remaining := removeHash(list, hash)
			if len(remaining) == 0 {
				delete(s.TokenIndex[issuer], denom)
			} else {
				s.TokenIndex[issuer][denom] = remaining
			}
		}
		if bal, ok := s.Balances[issuer][defaultSetID]; ok {
			if bal >= *tok.Payload.Amount {
				s.Balances[issuer][defaultSetID] = bal - *tok.Payload.Amount
			} else {
				s.Balances[issuer][defaultSetID] = 0
			}
		}
	case tok.Payload.TokenID != nil:
		id := strconv.FormatUint(*tok.Payload.TokenID, 10)
		delete(s.TATIndex[issuer], id)
	}
}

// removeHash returns list with every occurrence of target removed,
// preserving order and reusing list's backing array.
func removeHash(list []string, target string) []string {
	out := list[:0]
	for _, h := range list {
		if h != target {
			out = append(out, h)
		}
	}
	return out
}
