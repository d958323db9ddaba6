package chat

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"
)

var (
	// ErrNoTags is returned for a PRIVMSG that arrived without IRCv3 tags.
	ErrNoTags = errors.New("chat: message has no tags")
	// ErrMissingID is returned when the id tag is absent or empty.
	ErrMissingID = errors.New("chat: id tag missing")
	// ErrBadTimestamp is returned when tmi-sent-ts is present but not a millisecond epoch.
	ErrBadTimestamp = errors.New("chat: malformed tmi-sent-ts")
)

// Tags holds the PRIVMSG tags that are persisted. Absent or empty tags decode to the zero value;
// the numeric tags use pointers so absence survives to storage as NULL.
type Tags struct {
	BadgeInfo   string
	Badges      []string
	Bits        *int
	Color       string
	DisplayName string
	Emotes      []string
	ID          string
	Moderator   *bool
	RoomID      *int
	SentAt      time.Time
	UserID      string
}

// Message is a decoded chat line. ID in Tags is unique per message and is the storage key.
type Message struct {
	Channel string
	Text    string
	Tags    Tags
	Raw     string
}

// Decode builds a Message from the parts of a PRIVMSG. Channel is stored without the leading '#'.
func Decode(channel, text string, tags map[string]string, raw string) (Message, error) {
	if len(tags) == 0 {
		return Message{}, ErrNoTags
	}
	t, err := decodeTags(tags)
	if err != nil {
		return Message{}, err
	}
	return Message{
		Channel: strings.TrimPrefix(channel, "#"),
		Text:    text,
		Tags:    t,
		Raw:     raw,
	}, nil
}

// FromPrivateMessage decodes a message delivered by the IRC client.
func FromPrivateMessage(pm twitch.PrivateMessage) (Message, error) {
	return Decode(pm.Channel, pm.Message, pm.Tags, pm.Raw)
}

func decodeTags(tags map[string]string) (Tags, error) {
	var t Tags
	for k, v := range tags {
		if v == "" {
			continue
		}
		switch k {
		case "badge-info":
			t.BadgeInfo = v
		case "badges":
			t.Badges = strings.Split(v, ",")
		case "bits":
			n := atoiOrZero(v)
			t.Bits = &n
		case "color":
			t.Color = v
		case "display-name":
			t.DisplayName = v
		case "emotes":
			t.Emotes = strings.Split(v, "/")
		case "id":
			t.ID = v
		case "mod":
			m := atoiOrZero(v) != 0
			t.Moderator = &m
		case "room-id":
			n := atoiOrZero(v)
			t.RoomID = &n
		case "tmi-sent-ts":
			ms, err := strconv.ParseInt(v, 10, 64)
			if err != nil || ms < 0 {
				return Tags{}, fmt.Errorf("%w: %q", ErrBadTimestamp, v)
			}
			t.SentAt = time.UnixMilli(ms).UTC()
		case "user-id":
			t.UserID = v
		}
	}
	if t.ID == "" {
		return Tags{}, ErrMissingID
	}
	return t, nil
}

// Numeric tags that fail to parse are kept as zero rather than rejecting the message.
func atoiOrZero(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
