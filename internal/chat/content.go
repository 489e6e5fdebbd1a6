package chat

import (
	"encoding/json"
	"fmt"
)

// ContentType classifies a message. It is a closed set: the flag bits
// MESSAGE=1, QUOTE=2, THREAD=4, INVITE=8 only appear in the combinations
// enumerated below, so a switch over the constants is exhaustive.
type ContentType uint8

const (
	ContentMessage     ContentType = 1
	ContentQuote       ContentType = 2
	ContentThread      ContentType = 4
	ContentInvite      ContentType = 8
	ContentThreadReply ContentType = ContentThread | ContentMessage
)

var contentTypeNames = map[ContentType]string{
	ContentMessage:     "MESSAGE",
	ContentQuote:       "QUOTE",
	ContentThread:      "THREAD",
	ContentInvite:      "INVITE",
	ContentThreadReply: "THREAD_REPLY",
}

// ContentTypes returns every valid content type in ascending order.
func ContentTypes() []ContentType {
	return []ContentType{ContentMessage, ContentQuote, ContentThread, ContentThreadReply, ContentInvite}
}

// Valid reports whether c is one of the enumerated content types.
func (c ContentType) Valid() bool {
	_, ok := contentTypeNames[c]
	return ok
}

// Has reports whether flag is set in c. flag must be a single-bit type.
func (c ContentType) Has(flag ContentType) bool {
	return c&flag == flag
}

func (c ContentType) String() string {
	if name, ok := contentTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ContentType(%d)", uint8(c))
}

// ParseContentType converts a stored flag value to a ContentType.
//
// Postcondition: Returns ErrBadRequest for combinations outside the closed set.
func ParseContentType(v int) (ContentType, error) {
	if v < 0 || v > 0xff {
		return 0, fmt.Errorf("%w: content type %d out of range", ErrBadRequest, v)
	}
	c := ContentType(v)
	if !c.Valid() {
		return 0, fmt.Errorf("%w: unknown content type %d", ErrBadRequest, v)
	}
	return c, nil
}

// MarshalJSON encodes the numeric flag value.
func (c ContentType) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint8(c))
}

// UnmarshalJSON rejects values outside the closed set.
func (c *ContentType) UnmarshalJSON(b []byte) error {
	var v int
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	parsed, err := ParseContentType(v)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
