package chat

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/you/couchcast/internal/core"
)

// parsePrivmsg parses one IRCv3 tagged PRIVMSG line into a ChatEvent.
// Lines that are not PRIVMSG, or that are structurally broken, return false.
func parsePrivmsg(line string) (core.ChatEvent, bool) {
	rest := line
	tags := map[string]string{}

	if strings.HasPrefix(rest, "@") {
		idx := strings.Index(rest, " ")
		if idx == -1 {
			return core.ChatEvent{}, false
		}
		tagPart := rest[1:idx]
		rest = strings.TrimSpace(rest[idx+1:])
		for _, kv := range strings.Split(tagPart, ";") {
			if kv == "" {
				continue
			}
			parts := strings.SplitN(kv, "=", 2)
			key := parts[0]
			val := ""
			if len(parts) == 2 {
				val = unescapeIRC(parts[1])
			}
			tags[key] = val
		}
	}

	if !strings.HasPrefix(rest, ":") {
		return core.ChatEvent{}, false
	}
	rest = rest[1:]

	idx := strings.Index(rest, " ")
	if idx == -1 {
		return core.ChatEvent{}, false
	}
	prefix := rest[:idx]
	rest = strings.TrimSpace(rest[idx+1:])

	if !strings.HasPrefix(strings.ToUpper(rest), "PRIVMSG #") {
		return core.ChatEvent{}, false
	}
	rest = rest[len("PRIVMSG #"):]

	idx = strings.Index(rest, " ")
	if idx == -1 {
		return core.ChatEvent{}, false
	}
	channel := rest[:idx]
	rest = strings.TrimSpace(rest[idx+1:])

	if !strings.HasPrefix(rest, ":") {
		return core.ChatEvent{}, false
	}
	text := rest[1:]

	user := extractUser(prefix)
	if display := tags["display-name"]; display != "" {
		user = display
	}

	ts := time.Now().UTC()
	if tsStr := tags["tmi-sent-ts"]; tsStr != "" {
		if ms, err := strconv.ParseInt(tsStr, 10, 64); err == nil {
			ts = time.Unix(0, ms*int64(time.Millisecond)).UTC()
		}
	}

	id := tags["id"]
	if id == "" {
		id = fmt.Sprintf("%s-%d", user, ts.UnixNano())
	}

	return core.ChatEvent{
		ID:      id,
		Channel: channel,
		User:    user,
		Color:   tags["color"],
		Badges:  parseBadgeRefs(tags["badges"]),
		Tokens:  tokenize(text, tags["emotes"]),
		Text:    text,
		Ts:      ts,
	}, true
}

// parseJoin matches the server's JOIN acknowledgement and returns the nick
// and the confirmed channel name.
func parseJoin(line string) (nick, channel string, ok bool) {
	if !strings.HasPrefix(line, ":") {
		return "", "", false
	}
	idx := strings.Index(line, " JOIN #")
	if idx == -1 {
		return "", "", false
	}
	nick = extractUser(line[1:idx])
	channel = strings.TrimSpace(line[idx+len(" JOIN #"):])
	if nick == "" || channel == "" {
		return "", "", false
	}
	return nick, channel, true
}

func authFailure(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "login authentication failed") ||
		strings.Contains(lower, "improperly formatted auth") ||
		strings.Contains(lower, "authentication failed")
}

// parseBadgeRefs splits the badges tag ("subscriber/12,moderator/1") into
// ordered (setID, version) pairs.
func parseBadgeRefs(tag string) []core.BadgeRef {
	if tag == "" {
		return nil
	}
	parts := strings.Split(tag, ",")
	refs := make([]core.BadgeRef, 0, len(parts))
	for _, p := range parts {
		pair := strings.SplitN(p, "/", 2)
		if len(pair) != 2 || pair[0] == "" || pair[1] == "" {
			continue
		}
		refs = append(refs, core.BadgeRef{SetID: pair[0], Version: pair[1]})
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

// tokenize splits a message body into words and marks the ones covered by the
// platform's emotes tag ("id:start-end,start-end/id:..."). Offsets in the tag
// are code-point offsets, so the walk is rune-based.
func tokenize(text, emotesTag string) []core.BodyToken {
	starts := parseEmoteStarts(emotesTag)
	runes := []rune(text)

	var tokens []core.BodyToken
	i := 0
	for i < len(runes) {
		if runes[i] == ' ' {
			i++
			continue
		}
		start := i
		for i < len(runes) && runes[i] != ' ' {
			i++
		}
		tok := core.BodyToken{Text: string(runes[start:i])}
		if id, ok := starts[start]; ok {
			tok.EmoteID = id
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// parseEmoteStarts maps each emote occurrence's start offset to its emote id.
func parseEmoteStarts(tag string) map[int]string {
	if tag == "" {
		return nil
	}
	starts := map[int]string{}
	for _, entry := range strings.Split(tag, "/") {
		parts := strings.SplitN(entry, ":", 2)
		if len(parts) != 2 || parts[0] == "" {
			continue
		}
		for _, span := range strings.Split(parts[1], ",") {
			bounds := strings.SplitN(span, "-", 2)
			if len(bounds) != 2 {
				continue
			}
			start, err := strconv.Atoi(bounds[0])
			if err != nil || start < 0 {
				continue
			}
			starts[start] = parts[0]
		}
	}
	if len(starts) == 0 {
		return nil
	}
	return starts
}

func extractUser(prefix string) string {
	if strings.HasPrefix(prefix, ":") {
		prefix = prefix[1:]
	}
	if idx := strings.Index(prefix, "!"); idx != -1 {
		return prefix[:idx]
	}
	return prefix
}

func unescapeIRC(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' || i+1 >= len(s) {
			b.WriteByte(s[i])
			continue
		}
		i++
		switch s[i] {
		case 's':
			b.WriteByte(' ')
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case ':':
			b.WriteByte(';')
		case '\\':
			b.WriteByte('\\')
		default:
			b.WriteByte(s[i])
		}
	}
	return b.String()
}
