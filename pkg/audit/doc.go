// Package audit appends state changes to per-scope hash chains and verifies
// them.
//
// Every entry stores the hash of its predecessor and its own hash:
//
//	chain_hash = hex(sha256(prev_chain_hash || canonical(payload)))
//
// The first entry of a scope links to GenesisHash. Storage enforces a unique
// (scope, prev_chain_hash) index, so two concurrent appenders can not fork a
// chain: the loser re-reads the tail and tries again.
//
// Appends run in one of two modes. Transactional appends return their error
// and are meant to run inside Storage.WithTx next to the state change they
// record. BestEffort appends log and drop failures; they are used for
// periodic counts where losing an entry is acceptable.
package audit
