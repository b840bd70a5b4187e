// Package database defines the ledger values stored in and exchanged between
// nodes: transactions, blocks and block proposals. It also owns the canonical
// encodings those values are hashed and signed over. Everything in this
// package is pure and performs no I/O.
package database

import (
	"encoding/json"
	"strings"
	"time"
)

// DifficultyPrefix is the prefix a block hash must carry for the block to be
// considered mined.
const DifficultyPrefix = "0000"

// timeLayout renders timestamps the same way for hashing, signing and the
// wire. The fractional part is only present when it is non-zero.
const (
	timeLayout     = "2006-01-02T15:04:05"
	timeLayoutFrac = "2006-01-02T15:04:05.000000"
)

// =============================================================================

// Timestamp is an instant truncated to microseconds in UTC. It has a single
// text form so a value survives storage and peer round trips without changing
// any hash computed over it.
type Timestamp struct {
	time.Time
}

// NewTimestamp converts a time into a Timestamp.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC().Truncate(time.Microsecond)}
}

// ParseTimestamp parses the text form produced by String. RFC3339 values are
// accepted as well.
func ParseTimestamp(s string) (Timestamp, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		var errRFC error
		t, errRFC = time.Parse(time.RFC3339Nano, s)
		if errRFC != nil {
			return Timestamp{}, err
		}
	}

	return NewTimestamp(t), nil
}

// String implements the fmt.Stringer interface.
func (ts Timestamp) String() string {
	t := ts.UTC()
	if t.Nanosecond() == 0 {
		return t.Format(timeLayout)
	}
	return t.Format(timeLayoutFrac)
}

// MarshalJSON implements the json.Marshaler interface.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(ts.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}

	*ts = parsed
	return nil
}

// =============================================================================

// canonical encodes the document with sorted keys and no insignificant
// whitespace. Maps are used so encoding/json sorts the keys.
func canonical(doc map[string]any) []byte {
	data, err := json.Marshal(doc)
	if err != nil {

		// Only strings, numbers and nested maps of them are ever encoded.
		panic(err)
	}

	return data
}

// IsHashSolved checks the hash complies with the proof of work rules.
func IsHashSolved(hash string) bool {
	if len(hash) != 64 {
		return false
	}

	return strings.HasPrefix(hash, DifficultyPrefix)
}
