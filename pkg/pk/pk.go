// Package pk encodes typed references between stored records.
//
// A key is an opaque, URL safe string. Decoding a key of the wrong kind, or a
// string that was never produced by this package, fails with a bad input error.
package pk

import (
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterledger/pkg/errs"
)

const (
	kindSummary  = "usage_summary"
	kindActivity = "account_activity"
	kindHistory  = "account_history"
	kindPricing  = "pricing"
)

var ErrMalformedKey = errs.New(errs.KindBadInput, "malformed_key", "key is malformed")

func encode(kind string, parts ...string) string {
	b, _ := json.Marshal(append([]string{kind}, parts...))
	return base64.RawURLEncoding.EncodeToString(b)
}

func decode(kind, s string, n int) ([]string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrMalformedKey.WithMessage("key %q is not base64url", s)
	}
	var parts []string
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, ErrMalformedKey.WithMessage("key %q is not a tuple", s)
	}
	if len(parts) != n+1 || parts[0] != kind {
		return nil, ErrMalformedKey.WithMessage("key %q is not a %s key", s, kind)
	}
	for _, p := range parts[1:] {
		if p == "" {
			return nil, ErrMalformedKey.WithMessage("key %q has an empty component", s)
		}
	}
	return parts[1:], nil
}

func parseID(s string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(s)
	if err != nil {
		return 0, ErrMalformedKey.WithMessage("id %q is not numeric", s)
	}
	return id, nil
}

type SummaryKey struct {
	Subscriber string
	ID         snowflake.ID
}

func (k SummaryKey) String() string { return encode(kindSummary, k.Subscriber, k.ID.String()) }

func ParseSummaryKey(s string) (SummaryKey, error) {
	parts, err := decode(kindSummary, s, 2)
	if err != nil {
		return SummaryKey{}, err
	}
	id, err := parseID(parts[1])
	if err != nil {
		return SummaryKey{}, err
	}
	return SummaryKey{Subscriber: parts[0], ID: id}, nil
}

type ActivityKey struct {
	User string
	ID   snowflake.ID
}

func (k ActivityKey) String() string { return encode(kindActivity, k.User, k.ID.String()) }

func ParseActivityKey(s string) (ActivityKey, error) {
	parts, err := decode(kindActivity, s, 2)
	if err != nil {
		return ActivityKey{}, err
	}
	id, err := parseID(parts[1])
	if err != nil {
		return ActivityKey{}, err
	}
	return ActivityKey{User: parts[0], ID: id}, nil
}

// HistoryKey addresses one link of a user's settlement chain.
type HistoryKey struct {
	User         string
	SequentialID int64
}

func (k HistoryKey) String() string {
	return encode(kindHistory, k.User, strconv.FormatInt(k.SequentialID, 10))
}

func ParseHistoryKey(s string) (HistoryKey, error) {
	parts, err := decode(kindHistory, s, 2)
	if err != nil {
		return HistoryKey{}, err
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || seq < 0 {
		return HistoryKey{}, ErrMalformedKey.WithMessage("sequential id %q is invalid", parts[1])
	}
	return HistoryKey{User: parts[0], SequentialID: seq}, nil
}

type PricingKey struct {
	ID snowflake.ID
}

func (k PricingKey) String() string { return encode(kindPricing, k.ID.String()) }

func ParsePricingKey(s string) (PricingKey, error) {
	parts, err := decode(kindPricing, s, 1)
	if err != nil {
		return PricingKey{}, err
	}
	id, err := parseID(parts[0])
	if err != nil {
		return PricingKey{}, err
	}
	return PricingKey{ID: id}, nil
}
