package chat

import (
	"testing"
	"time"
)

func TestParsePrivmsgTagged(t *testing.T) {
	line := `@badges=subscriber/12,moderator/1;color=#1E90FF;display-name=SomeUser;emotes=25:6-10;id=abc-123;tmi-sent-ts=1700000000000 :someuser!someuser@someuser.tmi.twitch.tv PRIVMSG #alpha :hello Kappa friends`

	ev, ok := parsePrivmsg(line)
	if !ok {
		t.Fatal("parse failed")
	}
	if ev.ID != "abc-123" {
		t.Errorf("id %q", ev.ID)
	}
	if ev.Channel != "alpha" {
		t.Errorf("channel %q", ev.Channel)
	}
	if ev.User != "SomeUser" {
		t.Errorf("user %q", ev.User)
	}
	if ev.Color != "#1E90FF" {
		t.Errorf("color %q", ev.Color)
	}
	if ev.Text != "hello Kappa friends" {
		t.Errorf("text %q", ev.Text)
	}
	if len(ev.Badges) != 2 || ev.Badges[0].SetID != "subscriber" || ev.Badges[0].Version != "12" {
		t.Errorf("badges %+v", ev.Badges)
	}
	want := time.Unix(1700000000, 0).UTC()
	if !ev.Ts.Equal(want) {
		t.Errorf("ts %v", ev.Ts)
	}
	if len(ev.Tokens) != 3 {
		t.Fatalf("tokens %+v", ev.Tokens)
	}
	if ev.Tokens[0].EmoteID != "" || ev.Tokens[0].Text != "hello" {
		t.Errorf("token 0 %+v", ev.Tokens[0])
	}
	if ev.Tokens[1].EmoteID != "25" || ev.Tokens[1].Text != "Kappa" {
		t.Errorf("token 1 %+v", ev.Tokens[1])
	}
}

func TestParsePrivmsgWithoutID(t *testing.T) {
	line := `:plainuser!plainuser@x.tmi.twitch.tv PRIVMSG #alpha :no tags here`
	ev, ok := parsePrivmsg(line)
	if !ok {
		t.Fatal("parse failed")
	}
	if ev.ID == "" {
		t.Fatal("composed id missing")
	}
	if ev.User != "plainuser" {
		t.Errorf("user %q", ev.User)
	}
}

func TestParsePrivmsgRejectsOtherCommands(t *testing.T) {
	for _, line := range []string{
		"PING :tmi.twitch.tv",
		":tmi.twitch.tv 001 nick :Welcome",
		":nick!nick@nick.tmi.twitch.tv JOIN #alpha",
		"@id=x :broken",
		"",
	} {
		if _, ok := parsePrivmsg(line); ok {
			t.Errorf("parsed non-PRIVMSG line %q", line)
		}
	}
}

func TestParseJoin(t *testing.T) {
	nick, channel, ok := parseJoin(":justinfan42!justinfan42@justinfan42.tmi.twitch.tv JOIN #Alpha")
	if !ok || nick != "justinfan42" || channel != "Alpha" {
		t.Fatalf("got %q %q %v", nick, channel, ok)
	}
	if _, _, ok := parseJoin(":tmi.twitch.tv 001 nick :Welcome"); ok {
		t.Fatal("parsed non-JOIN line")
	}
}

func TestUnescapeIRC(t *testing.T) {
	if got := unescapeIRC(`a\sspace\:semi\\back`); got != `a space;semi\back` {
		t.Fatalf("got %q", got)
	}
}

func TestTokenizeMultipleEmoteRanges(t *testing.T) {
	tokens := tokenize("Kappa middle Kappa", "25:0-4,13-17")
	if len(tokens) != 3 {
		t.Fatalf("tokens %+v", tokens)
	}
	if tokens[0].EmoteID != "25" || tokens[1].EmoteID != "" || tokens[2].EmoteID != "25" {
		t.Fatalf("emote marks %+v", tokens)
	}
}

func TestDedupWindowFIFO(t *testing.T) {
	d := newDedupWindow(3)
	for _, id := range []string{"a", "b", "c"} {
		if !d.observe(id) {
			t.Fatalf("%s reported duplicate", id)
		}
	}
	if d.observe("a") {
		t.Fatal("a not suppressed inside window")
	}
	// d pushes a out of the window.
	if !d.observe("d") {
		t.Fatal("d reported duplicate")
	}
	if !d.observe("a") {
		t.Fatal("a still suppressed after eviction")
	}
	d.reset()
	if !d.observe("d") {
		t.Fatal("reset did not clear window")
	}
}
